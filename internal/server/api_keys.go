package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreateAPIKey provisions a key on the default tier. Paid tiers are reached
// through the billing provider's checkout, never through this endpoint. The
// plain token appears in this response and nowhere else.
func (s *Server) CreateAPIKey(c *gin.Context) {
	issued, err := s.keySvc.Issue(c.Request.Context(), s.catalog.Default().Name)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, issued)
}

func (s *Server) DeactivateAPIKey(c *gin.Context) {
	token, _ := c.Get(contextKeyToken)
	raw, _ := token.(string)

	known, err := s.keySvc.Deactivate(c.Request.Context(), raw)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !known {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if key, ok := keyFromContext(c); ok {
		s.log.Info("api key deactivated", zap.String("key_id", key.ID.String()))
	}
	c.Status(http.StatusNoContent)
}

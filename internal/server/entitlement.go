package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metergate/metergate/internal/entitlement"
)

// GetEntitlement is the canonical metered route. The Metered middleware has
// already admitted the request; this handler just reports the decision.
func (s *Server) GetEntitlement(c *gin.Context) {
	value, ok := c.Get(contextKeyDecision)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	decision, ok := value.(entitlement.Decision)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	c.JSON(http.StatusOK, decision)
}

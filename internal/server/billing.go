package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetBillingSummary(c *gin.Context) {
	key, ok := keyFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	period, ok := s.periodParam(c)
	if !ok {
		return
	}

	summary, err := s.billingSvc.Compute(c.Request.Context(), key.ID, period)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

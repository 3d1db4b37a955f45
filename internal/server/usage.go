package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
)

func (s *Server) GetUsage(c *gin.Context) {
	key, ok := keyFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	period, ok := s.periodParam(c)
	if !ok {
		return
	}

	policy, err := s.catalog.Get(key.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.usageSvc.Stats(c.Request.Context(), key.ID, policy.Name, policy.MonthlyLimit, period)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// periodParam reads the optional ?period=YYYY-MM query, defaulting to the
// current month. It writes the error response itself when the value is
// malformed.
func (s *Server) periodParam(c *gin.Context) (string, bool) {
	period := strings.TrimSpace(c.Query("period"))
	if period == "" {
		return usagedomain.PeriodOf(s.clock.Now()), true
	}
	if _, err := time.Parse("2006-01", period); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return "", false
	}
	return period, true
}

package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
	"github.com/metergate/metergate/internal/subscription/verifier"
)

// HandleBillingWebhook ingests a provider event. Duplicate and stale
// deliveries get 200 so the provider stops retrying; storage failures get
// 503 so it retries later.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidPayload)
		return
	}

	if err := s.verifier.Verify(payload, c.GetHeader(verifier.SignatureHeader)); err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.verifier.Parse(provider, payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcome, err := s.subSvc.Apply(c.Request.Context(), event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}

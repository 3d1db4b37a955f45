package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	"github.com/metergate/metergate/internal/entitlement"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	"go.uber.org/zap"
)

const (
	contextKeyAPIKey   = "api_key"
	contextKeyToken    = "api_token"
	contextKeyDecision = "entitlement_decision"

	headerQuotaReset     = "X-Quota-Reset"
	headerIdempotencyKey = "Idempotency-Key"
)

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// APIKeyRequired authenticates requests with a bearer API key. It does not
// meter; read-only surfaces use it on its own.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		key, err := s.keySvc.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, apikeydomain.ErrNotFound) || errors.Is(err, apikeydomain.ErrKeyInactive) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			AbortWithError(c, err)
			return
		}

		c.Set(contextKeyAPIKey, key)
		c.Set(contextKeyToken, token)
		c.Next()
	}
}

// Metered gates a request on the key's entitlement and meters it afterwards.
// A storage failure on the check path aborts with 503; quota never leaks
// through an outage.
func (s *Server) Metered() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)

		decision, err := s.gate.Check(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !decision.Allowed {
			s.denyRequest(c, decision)
			return
		}

		c.Set(contextKeyDecision, decision)
		c.Next()

		if c.IsAborted() || c.Writer.Status() >= http.StatusInternalServerError {
			return
		}

		if _, err := s.gate.Record(c.Request.Context(), token, strings.TrimSpace(c.GetHeader(headerIdempotencyKey))); err != nil {
			// The response is already on the wire. A racing cap hit or a
			// storage outage here costs one unmetered request, nothing more.
			s.log.Warn("usage record failed after serving request",
				zap.String("route", c.FullPath()),
				zap.Error(err),
			)
		}
	}
}

func (s *Server) denyRequest(c *gin.Context, decision entitlement.Decision) {
	if decision.Reason == entitlement.ReasonUnauthenticated {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	resetAt := usagedomain.NextPeriodStart(s.clock.Now())
	if decision.ResetAt != nil {
		resetAt = *decision.ResetAt
	}
	retryAfter := int64(resetAt.Sub(s.clock.Now()).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}

	c.Header(headerQuotaReset, resetAt.UTC().Format(time.RFC3339))
	c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
	AbortWithError(c, usagedomain.ErrQuotaExhausted)
}

func keyFromContext(c *gin.Context) (*apikeydomain.Key, bool) {
	value, ok := c.Get(contextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := value.(*apikeydomain.Key)
	return key, ok && key != nil
}

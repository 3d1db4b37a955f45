package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
	"github.com/metergate/metergate/internal/tier"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError translates domain errors to transport responses. Anything
// unrecognized is treated as a storage failure: the metered surface fails
// closed rather than serving unmetered traffic.
func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, apikeydomain.ErrKeyInactive):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, usagedomain.ErrQuotaExhausted):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "monthly quota exceeded",
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, apikeydomain.ErrInvalidTier),
		errors.Is(err, tier.ErrUnknownTier):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, subscriptiondomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}
	case errors.Is(err, subscriptiondomain.ErrInvalidPayload),
		errors.Is(err, subscriptiondomain.ErrInvalidEvent),
		errors.Is(err, subscriptiondomain.ErrInvalidProvider),
		errors.Is(err, subscriptiondomain.ErrUnknownSubscription):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_event",
			Message: "event could not be applied",
		}
	default:
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	}
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "storage", payload.Type
	}
	return "domain", payload.Type
}

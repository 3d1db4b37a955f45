package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Increment adds one request to the key's current period and returns
	// the resulting counters. Overage accrues beyond limit.
	Increment(ctx context.Context, keyID snowflake.ID, limit int64, idempotencyKey string) (Counter, error)

	// IncrementCapped behaves like Increment but refuses to move the
	// counter past limit, returning ErrQuotaExhausted instead. The check
	// and the increment are one conditional SQL statement, so concurrent
	// callers can never land more than limit increments.
	IncrementCapped(ctx context.Context, keyID snowflake.ID, limit int64, idempotencyKey string) (Counter, error)

	// Get reads the period row, or nil when the key saw no traffic.
	Get(ctx context.Context, keyID snowflake.ID, period string) (*Period, error)

	// Stats summarizes a month against the given tier limits.
	Stats(ctx context.Context, keyID snowflake.ID, tierName string, limit int64, period string) (Stats, error)
}

// Stats reports a month of usage against the tier's included quota.
type Stats struct {
	Period           string `json:"period"`
	Tier             string `json:"tier"`
	TotalRequests    int64  `json:"total_requests"`
	IncludedRequests int64  `json:"included_requests"`
	OverageRequests  int64  `json:"overage_requests"`
	MonthlyLimit     int64  `json:"monthly_limit"`
}

var (
	ErrQuotaExhausted = errors.New("quota_exhausted")
)

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository exposes the atomic counter primitives. Increments are single
// conditional SQL statements; there is no read-modify-write anywhere.
type Repository interface {
	// Ensure creates the period row if it does not exist yet.
	Ensure(ctx context.Context, db *gorm.DB, id snowflake.ID, keyID snowflake.ID, period string, now time.Time) error

	// Increment adds one and recomputes overage in the same statement.
	Increment(ctx context.Context, db *gorm.DB, keyID snowflake.ID, period string, limit int64, now time.Time) (Counter, error)

	// IncrementCapped adds one only while count < limit. Zero rows
	// affected means the cap was reached and ErrQuotaExhausted is returned.
	IncrementCapped(ctx context.Context, db *gorm.DB, keyID snowflake.ID, period string, limit int64, now time.Time) (Counter, error)

	Get(ctx context.Context, db *gorm.DB, keyID snowflake.ID, period string) (*Period, error)

	InsertReceipt(ctx context.Context, db *gorm.DB, receipt *Receipt) (bool, error)
	FindReceipt(ctx context.Context, db *gorm.DB, keyID snowflake.ID, idempotencyKey string) (*Receipt, error)
}

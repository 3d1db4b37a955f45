package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	"github.com/metergate/metergate/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Ensure(ctx context.Context, tx *gorm.DB, id snowflake.ID, keyID snowflake.ID, period string, now time.Time) error {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO usage_periods (id, key_id, period, count, overage_count, first_request_at, last_request_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT (key_id, period) DO NOTHING`,
		id,
		keyID,
		period,
		now,
		now,
	)
	if result.Error != nil && !db.IsDuplicateKeyErr(result.Error) {
		return result.Error
	}
	return nil
}

func (r *repo) Increment(ctx context.Context, tx *gorm.DB, keyID snowflake.ID, period string, limit int64, now time.Time) (usagedomain.Counter, error) {
	if supportsReturning(tx) {
		var counter usagedomain.Counter
		result := tx.WithContext(ctx).Raw(
			`UPDATE usage_periods
			 SET count = count + 1,
			     overage_count = CASE WHEN count + 1 > ? THEN count + 1 - ? ELSE 0 END,
			     last_request_at = ?
			 WHERE key_id = ? AND period = ?
			 RETURNING count, overage_count`,
			limit,
			limit,
			now,
			keyID,
			period,
		).Scan(&counter)
		if result.Error != nil {
			return usagedomain.Counter{}, result.Error
		}
		if counter.Count == 0 {
			return usagedomain.Counter{}, fmt.Errorf("usage period %s/%s missing", keyID, period)
		}
		return counter, nil
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET count = count + 1,
		     overage_count = CASE WHEN count + 1 > ? THEN count + 1 - ? ELSE 0 END,
		     last_request_at = ?
		 WHERE key_id = ? AND period = ?`,
		limit,
		limit,
		now,
		keyID,
		period,
	)
	if result.Error != nil {
		return usagedomain.Counter{}, result.Error
	}
	if result.RowsAffected == 0 {
		return usagedomain.Counter{}, fmt.Errorf("usage period %s/%s missing", keyID, period)
	}
	return r.counters(ctx, tx, keyID, period)
}

func (r *repo) IncrementCapped(ctx context.Context, tx *gorm.DB, keyID snowflake.ID, period string, limit int64, now time.Time) (usagedomain.Counter, error) {
	if supportsReturning(tx) {
		var counter usagedomain.Counter
		result := tx.WithContext(ctx).Raw(
			`UPDATE usage_periods
			 SET count = count + 1,
			     last_request_at = ?
			 WHERE key_id = ? AND period = ? AND count < ?
			 RETURNING count, overage_count`,
			now,
			keyID,
			period,
			limit,
		).Scan(&counter)
		if result.Error != nil {
			return usagedomain.Counter{}, result.Error
		}
		if counter.Count == 0 {
			return usagedomain.Counter{}, usagedomain.ErrQuotaExhausted
		}
		return counter, nil
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET count = count + 1,
		     last_request_at = ?
		 WHERE key_id = ? AND period = ? AND count < ?`,
		now,
		keyID,
		period,
		limit,
	)
	if result.Error != nil {
		return usagedomain.Counter{}, result.Error
	}
	if result.RowsAffected == 0 {
		return usagedomain.Counter{}, usagedomain.ErrQuotaExhausted
	}
	return r.counters(ctx, tx, keyID, period)
}

func (r *repo) Get(ctx context.Context, tx *gorm.DB, keyID snowflake.ID, period string) (*usagedomain.Period, error) {
	var row usagedomain.Period
	err := tx.WithContext(ctx).Raw(
		`SELECT id, key_id, period, count, overage_count, first_request_at, last_request_at
		 FROM usage_periods WHERE key_id = ? AND period = ?`,
		keyID,
		period,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) InsertReceipt(ctx context.Context, tx *gorm.DB, receipt *usagedomain.Receipt) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO usage_receipts (id, key_id, idempotency_key, period, count, overage_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key_id, idempotency_key) DO NOTHING`,
		receipt.ID,
		receipt.KeyID,
		receipt.IdempotencyKey,
		receipt.Period,
		receipt.Count,
		receipt.OverageCount,
		receipt.CreatedAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindReceipt(ctx context.Context, tx *gorm.DB, keyID snowflake.ID, idempotencyKey string) (*usagedomain.Receipt, error) {
	var receipt usagedomain.Receipt
	err := tx.WithContext(ctx).Raw(
		`SELECT id, key_id, idempotency_key, period, count, overage_count, created_at
		 FROM usage_receipts WHERE key_id = ? AND idempotency_key = ?`,
		keyID,
		idempotencyKey,
	).Scan(&receipt).Error
	if err != nil {
		return nil, err
	}
	if receipt.ID == 0 {
		return nil, nil
	}
	return &receipt, nil
}

func (r *repo) counters(ctx context.Context, tx *gorm.DB, keyID snowflake.ID, period string) (usagedomain.Counter, error) {
	var counter usagedomain.Counter
	err := tx.WithContext(ctx).Raw(
		`SELECT count, overage_count FROM usage_periods WHERE key_id = ? AND period = ?`,
		keyID,
		period,
	).Scan(&counter).Error
	if err != nil {
		return usagedomain.Counter{}, err
	}
	return counter, nil
}

// supportsReturning reports whether the dialect can return the updated
// counters in the UPDATE itself. MySQL cannot and re-reads instead.
func supportsReturning(tx *gorm.DB) bool {
	return tx.Dialector.Name() != "mysql"
}

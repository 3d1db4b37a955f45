package repository

import (
	"context"
	"time"

	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
	"github.com/metergate/metergate/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, tx *gorm.DB, record *subscriptiondomain.EventRecord) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO billing_events (id, provider, provider_event_id, event_type, subscription_id, payload, received_at, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		record.ID,
		record.Provider,
		record.ProviderEventID,
		record.EventType,
		record.SubscriptionID,
		record.Payload,
		record.ReceivedAt,
		record.ProcessedAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) LoadEvent(ctx context.Context, tx *gorm.DB, provider, providerEventID string) (*subscriptiondomain.EventRecord, error) {
	var record subscriptiondomain.EventRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, subscription_id, payload, received_at, processed_at
		 FROM billing_events WHERE provider = ? AND provider_event_id = ?`,
		provider,
		providerEventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) MarkProcessed(ctx context.Context, tx *gorm.DB, record *subscriptiondomain.EventRecord, at time.Time) error {
	record.ProcessedAt = &at
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_events SET processed_at = ? WHERE id = ?`,
		at,
		record.ID,
	).Error
}

func (r *repo) FindByExternalID(ctx context.Context, tx *gorm.DB, externalID string, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	query := `SELECT id, external_id, key_id, tier, status, current_period_end, last_event_at, created_at, updated_at
	 FROM subscriptions WHERE external_id = ?`
	if forUpdate && tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(query, externalID).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (id, external_id, key_id, tier, status, current_period_end, last_event_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.ExternalID,
		sub.KeyID,
		sub.Tier,
		sub.Status,
		sub.CurrentPeriodEnd,
		sub.LastEventAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET tier = ?, status = ?, current_period_end = ?, last_event_at = ?, updated_at = ?
		 WHERE id = ?`,
		sub.Tier,
		sub.Status,
		sub.CurrentPeriodEnd,
		sub.LastEventAt,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

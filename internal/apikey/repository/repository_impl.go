package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	"github.com/metergate/metergate/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, key *apikeydomain.Key) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO api_keys (id, token, tier, is_active, subscription_id, created_at, updated_at, deactivated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (token) DO NOTHING`,
		key.ID,
		key.Token,
		key.Tier,
		key.IsActive,
		key.SubscriptionID,
		key.CreatedAt,
		key.UpdatedAt,
		key.DeactivatedAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, key *apikeydomain.Key) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE api_keys
		 SET tier = ?, is_active = ?, subscription_id = ?, updated_at = ?, deactivated_at = ?
		 WHERE id = ?`,
		key.Tier,
		key.IsActive,
		key.SubscriptionID,
		key.UpdatedAt,
		key.DeactivatedAt,
		key.ID,
	).Error
}

func (r *repo) FindByToken(ctx context.Context, tx *gorm.DB, token string) (*apikeydomain.Key, error) {
	var key apikeydomain.Key
	err := tx.WithContext(ctx).Raw(
		`SELECT id, token, tier, is_active, subscription_id, created_at, updated_at, deactivated_at
		 FROM api_keys WHERE token = ?`,
		token,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*apikeydomain.Key, error) {
	var key apikeydomain.Key
	err := tx.WithContext(ctx).Raw(
		`SELECT id, token, tier, is_active, subscription_id, created_at, updated_at, deactivated_at
		 FROM api_keys WHERE id = ?`,
		id,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

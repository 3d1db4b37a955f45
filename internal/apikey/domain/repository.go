package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists keys. Methods take the db handle so callers can run
// them inside their own transactions.
type Repository interface {
	// Insert stores a new key. It reports false when the token already
	// exists, so callers can regenerate and retry.
	Insert(ctx context.Context, db *gorm.DB, key *Key) (bool, error)

	Update(ctx context.Context, db *gorm.DB, key *Key) error

	FindByToken(ctx context.Context, db *gorm.DB, token string) (*Key, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Key, error)
}

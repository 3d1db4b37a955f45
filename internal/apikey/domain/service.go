package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Issue mints a new key on the given tier and returns the plain token.
	// The token is not retrievable afterwards.
	Issue(ctx context.Context, tier string) (*IssuedKey, error)

	// Validate resolves a bearer token to its key record.
	Validate(ctx context.Context, token string) (*Key, error)

	// Deactivate turns a key off. It is idempotent and reports whether the
	// token was known.
	Deactivate(ctx context.Context, token string) (bool, error)

	// SetTier moves a key to another tier and updates its subscription
	// binding. Reserved for subscription event processing.
	SetTier(ctx context.Context, keyID snowflake.ID, tier string, subscriptionID *string) error

	// Get loads a key by id.
	Get(ctx context.Context, keyID snowflake.ID) (*Key, error)
}

// IssuedKey carries the one-time plain token back to the caller.
type IssuedKey struct {
	ID        snowflake.ID `json:"id"`
	Token     string       `json:"token"`
	Tier      string       `json:"tier"`
	CreatedAt time.Time    `json:"created_at"`
}

var (
	ErrInvalidTier = errors.New("invalid_tier")
	ErrNotFound    = errors.New("key_not_found")
	ErrKeyInactive = errors.New("key_inactive")
)

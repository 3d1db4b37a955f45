package domain

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	// TokenPrefix marks live metergate credentials.
	TokenPrefix = "mg_live_"

	tokenSecretBytes = 32
)

// GenerateToken mints an opaque bearer token with at least 256 bits of entropy.
func GenerateToken() (string, error) {
	secret := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return TokenPrefix + hex.EncodeToString(secret), nil
}

// HasTokenShape reports whether raw looks like an issued token. It is a cheap
// pre-filter, not a validity check.
func HasTokenShape(raw string) bool {
	raw = strings.TrimSpace(raw)
	return strings.HasPrefix(raw, TokenPrefix) && len(raw) == len(TokenPrefix)+tokenSecretBytes*2
}

// NewKey builds an unsaved key with a freshly generated token.
func NewKey(id snowflake.ID, tier string, now time.Time) (*Key, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	return &Key{
		ID:        id,
		Token:     token,
		Tier:      tier,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

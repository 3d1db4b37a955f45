package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Key stores an issued API credential and its current tier binding.
// Tokens are immutable once issued and rows are never deleted.
type Key struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	Token          string       `gorm:"type:text;not null;uniqueIndex:ux_api_keys_token" json:"-"`
	Tier           string       `gorm:"type:text;not null" json:"tier"`
	IsActive       bool         `gorm:"column:is_active;not null;default:true" json:"is_active"`
	SubscriptionID *string      `gorm:"column:subscription_id;type:text" json:"subscription_id,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeactivatedAt  *time.Time   `gorm:"column:deactivated_at" json:"deactivated_at,omitempty"`
}

// TableName sets the database table name.
func (Key) TableName() string { return "api_keys" }

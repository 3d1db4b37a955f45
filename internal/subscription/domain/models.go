package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Subscription mirrors the billing provider's subscription state and binds
// it to an issued API key. At most one non-cancelled subscription exists per
// key; cancelled is terminal for an external id.
type Subscription struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	ExternalID       string       `gorm:"column:external_id;type:text;not null;uniqueIndex:ux_subscriptions_external_id" json:"external_id"`
	KeyID            snowflake.ID `gorm:"column:key_id;not null" json:"key_id"`
	Tier             string       `gorm:"type:text;not null" json:"tier"`
	Status           string       `gorm:"type:text;not null" json:"status"`
	CurrentPeriodEnd *time.Time   `gorm:"column:current_period_end" json:"current_period_end,omitempty"`

	// LastEventAt is monotone. Events whose timestamp is not newer are
	// discarded as stale.
	LastEventAt time.Time `gorm:"column:last_event_at;not null" json:"last_event_at"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// EventRecord is the dedupe ledger for inbound provider events. The insert
// happens before any state change, so a redelivered event is detected no
// matter where the previous attempt stopped.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_billing_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string         `gorm:"column:provider_event_id;type:text;not null;uniqueIndex:ux_billing_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string         `gorm:"column:event_type;type:text;not null" json:"event_type"`
	SubscriptionID  string         `gorm:"column:subscription_id;type:text;not null" json:"subscription_id"`
	Payload         datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	ReceivedAt      time.Time      `gorm:"column:received_at;not null" json:"received_at"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "billing_events" }

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Period accumulates request counts for one key and one calendar month.
// Rows are created lazily on first use and never deleted. Count is monotone
// non-decreasing; OverageCount equals max(0, Count-limit) and is maintained
// in the same SQL statement as every increment.
type Period struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	KeyID          snowflake.ID `gorm:"column:key_id;not null;uniqueIndex:ux_usage_periods_key_period,priority:1" json:"key_id"`
	Period         string       `gorm:"type:text;not null;uniqueIndex:ux_usage_periods_key_period,priority:2" json:"period"`
	Count          int64        `gorm:"not null;default:0" json:"count"`
	OverageCount   int64        `gorm:"column:overage_count;not null;default:0" json:"overage_count"`
	FirstRequestAt time.Time    `gorm:"column:first_request_at;not null" json:"first_request_at"`
	LastRequestAt  time.Time    `gorm:"column:last_request_at;not null" json:"last_request_at"`
}

// TableName sets the database table name.
func (Period) TableName() string { return "usage_periods" }

// Receipt makes increments retry-safe. A caller-supplied idempotency key maps
// to the counter values observed when the increment first landed.
type Receipt struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	KeyID          snowflake.ID `gorm:"column:key_id;not null;uniqueIndex:ux_usage_receipts_key_idem,priority:1" json:"key_id"`
	IdempotencyKey string       `gorm:"column:idempotency_key;type:text;not null;uniqueIndex:ux_usage_receipts_key_idem,priority:2" json:"idempotency_key"`
	Period         string       `gorm:"type:text;not null" json:"period"`
	Count          int64        `gorm:"not null" json:"count"`
	OverageCount   int64        `gorm:"column:overage_count;not null" json:"overage_count"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Receipt) TableName() string { return "usage_receipts" }

// Counter is the counter snapshot returned by an increment.
type Counter struct {
	Count        int64 `json:"count"`
	OverageCount int64 `json:"overage_count"`
}

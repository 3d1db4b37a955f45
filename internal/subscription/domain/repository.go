package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// InsertEvent stores the dedupe record. False means the event id was
	// seen before.
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	LoadEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, record *EventRecord, at time.Time) error

	// FindByExternalID loads the subscription row, taking a row lock when
	// forUpdate is set and the dialect supports it.
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string, forUpdate bool) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
}

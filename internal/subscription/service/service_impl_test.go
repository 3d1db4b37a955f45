package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	apikeyrepo "github.com/metergate/metergate/internal/apikey/repository"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/locking"
	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
	"github.com/metergate/metergate/internal/subscription/repository"
	"github.com/metergate/metergate/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

type fixture struct {
	svc   subscriptiondomain.Service
	db    *gorm.DB
	keys  apikeydomain.Repository
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:subscription_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&apikeydomain.Key{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.EventRecord{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	catalog, err := tier.Build(nil)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	keys := apikeyrepo.Provide()

	svc := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       repository.Provide(),
		Keys:       keys,
		Catalog:    catalog,
		Clock:      fake,
		Serializer: locking.NewSerializer(nil),
	})
	return &fixture{svc: svc, db: db, keys: keys, clock: fake}
}

func (f *fixture) keyFor(t *testing.T, externalID string) *apikeydomain.Key {
	t.Helper()
	sub, err := f.svc.Get(context.Background(), externalID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	key, err := f.keys.FindByID(context.Background(), f.db, sub.KeyID)
	require.NoError(t, err)
	require.NotNil(t, key)
	return key
}

func checkoutEvent(eventID, subID, tierName string, at time.Time) *subscriptiondomain.Event {
	return &subscriptiondomain.Event{
		Provider:        "stripe",
		ProviderEventID: eventID,
		Type:            subscriptiondomain.EventCheckoutCompleted,
		SubscriptionID:  subID,
		Tier:            tierName,
		Status:          subscriptiondomain.StatusActive,
		OccurredAt:      at,
		Raw:             []byte(`{"id":"` + eventID + `"}`),
	}
}

func updateEvent(eventID, subID, tierName, status string, at time.Time) *subscriptiondomain.Event {
	return &subscriptiondomain.Event{
		Provider:        "stripe",
		ProviderEventID: eventID,
		Type:            subscriptiondomain.EventSubscriptionUpdated,
		SubscriptionID:  subID,
		Tier:            tierName,
		Status:          status,
		OccurredAt:      at,
		Raw:             []byte(`{"id":"` + eventID + `"}`),
	}
}

func deleteEvent(eventID, subID string, at time.Time) *subscriptiondomain.Event {
	return &subscriptiondomain.Event{
		Provider:        "stripe",
		ProviderEventID: eventID,
		Type:            subscriptiondomain.EventSubscriptionDeleted,
		SubscriptionID:  subID,
		OccurredAt:      at,
		Raw:             []byte(`{"id":"` + eventID + `"}`),
	}
}

func TestCheckoutCreatesSubscriptionAndKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Now()

	outcome, err := f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", tier.TierPro, at))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeApplied, outcome)

	sub, err := f.svc.Get(ctx, "sub_123")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Equal(t, tier.TierPro, sub.Tier)
	assert.Equal(t, at, sub.LastEventAt.UTC())

	key := f.keyFor(t, "sub_123")
	assert.Equal(t, tier.TierPro, key.Tier)
	assert.True(t, key.IsActive)
	require.NotNil(t, key.SubscriptionID)
	assert.Equal(t, "sub_123", *key.SubscriptionID)
}

func TestRedeliveredEventIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Now()

	_, err := f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", tier.TierPro, at))
	require.NoError(t, err)
	firstKey := f.keyFor(t, "sub_123")

	outcome, err := f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", tier.TierPro, at))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeDuplicate, outcome)

	// No second key was minted.
	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM api_keys`).Scan(&count).Error)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, firstKey.ID, f.keyFor(t, "sub_123").ID)
}

func TestStaleEventIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Now()

	_, err := f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", tier.TierPro, at))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, updateEvent("evt_2", "sub_123", tier.TierEnterprise, subscriptiondomain.StatusActive, at.Add(2*time.Hour)))
	require.NoError(t, err)

	// An older tier change arrives late.
	outcome, err := f.svc.Apply(ctx, updateEvent("evt_3", "sub_123", tier.TierFree, subscriptiondomain.StatusActive, at.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeStale, outcome)

	sub, err := f.svc.Get(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, tier.TierEnterprise, sub.Tier)
	assert.Equal(t, tier.TierEnterprise, f.keyFor(t, "sub_123").Tier)

	// Equal timestamps are stale too.
	outcome, err = f.svc.Apply(ctx, updateEvent("evt_4", "sub_123", tier.TierFree, subscriptiondomain.StatusActive, at.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeStale, outcome)
}

func TestUpdateChangesTierAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Now()

	_, err := f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", tier.TierPro, at))
	require.NoError(t, err)

	outcome, err := f.svc.Apply(ctx, updateEvent("evt_2", "sub_123", tier.TierEnterprise, subscriptiondomain.StatusPastDue, at.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeApplied, outcome)

	sub, err := f.svc.Get(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
	assert.Equal(t, tier.TierEnterprise, sub.Tier)
	assert.Equal(t, tier.TierEnterprise, f.keyFor(t, "sub_123").Tier)

	// Recovery back to active.
	outcome, err = f.svc.Apply(ctx, updateEvent("evt_3", "sub_123", "", subscriptiondomain.StatusActive, at.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeApplied, outcome)
	sub, err = f.svc.Get(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
}

func TestDeleteDowngradesKeyToFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Now()

	_, err := f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", tier.TierPro, at))
	require.NoError(t, err)

	outcome, err := f.svc.Apply(ctx, deleteEvent("evt_2", "sub_123", at.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeApplied, outcome)

	sub, err := f.svc.Get(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelled, sub.Status)

	key := f.keyFor(t, "sub_123")
	assert.Equal(t, tier.TierFree, key.Tier)
	assert.True(t, key.IsActive, "cancellation downgrades, it does not revoke")
	assert.Nil(t, key.SubscriptionID)
}

func TestCancelledSubscriptionIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Now()

	_, err := f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", tier.TierPro, at))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, deleteEvent("evt_2", "sub_123", at.Add(time.Hour)))
	require.NoError(t, err)

	outcome, err := f.svc.Apply(ctx, updateEvent("evt_3", "sub_123", tier.TierEnterprise, subscriptiondomain.StatusActive, at.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeStale, outcome)

	sub, err := f.svc.Get(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelled, sub.Status)
	assert.Equal(t, tier.TierFree, f.keyFor(t, "sub_123").Tier)
}

func TestUpdateUnknownSubscription(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Apply(context.Background(), updateEvent("evt_1", "sub_404", tier.TierPro, subscriptiondomain.StatusActive, f.clock.Now()))
	assert.ErrorIs(t, err, subscriptiondomain.ErrUnknownSubscription)
}

func TestApplyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Now()

	_, err := f.svc.Apply(ctx, nil)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidEvent)

	_, err = f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", "platinum", at))
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidEvent)

	missingID := checkoutEvent("", "sub_123", tier.TierPro, at)
	_, err = f.svc.Apply(ctx, missingID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidEvent)

	noProvider := checkoutEvent("evt_1", "sub_123", tier.TierPro, at)
	noProvider.Provider = ""
	_, err = f.svc.Apply(ctx, noProvider)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidProvider)
}

func TestFailedAttemptCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Now()

	// Simulate a delivery that recorded the event but died before
	// processing: insert the dedupe row by hand, unprocessed.
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(
		`INSERT INTO billing_events (id, provider, provider_event_id, event_type, subscription_id, payload, received_at)
		 VALUES (?, 'stripe', 'evt_1', ?, 'sub_123', '{}', ?)`,
		node.Generate(), subscriptiondomain.EventCheckoutCompleted, at,
	).Error)

	outcome, err := f.svc.Apply(ctx, checkoutEvent("evt_1", "sub_123", tier.TierPro, at))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeApplied, outcome)

	sub, err := f.svc.Get(ctx, "sub_123")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, tier.TierPro, sub.Tier)
}

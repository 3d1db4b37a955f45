package entitlement

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
	apikeyservice "github.com/metergate/metergate/internal/apikey/service"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/tier"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	usagerepo "github.com/metergate/metergate/internal/usage/repository"
	usageservice "github.com/metergate/metergate/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

type fixture struct {
	gate  *Service
	keys  apikeydomain.Service
	clock *clock.FakeClock
}

func newFixture(t *testing.T, overrides []string) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:entitlement_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&apikeydomain.Key{}, &usagedomain.Period{}, &usagedomain.Receipt{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	catalog, err := tier.Build(overrides)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	keys := apikeyservice.New(apikeyservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    apikeyrepo.Provide(),
		Catalog: catalog,
		Clock:   fake,
	})
	usage := usageservice.New(usageservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  usagerepo.Provide(),
		Clock: fake,
	})
	gate := New(Params{
		Log:     log,
		Keys:    keys,
		Usage:   usage,
		Catalog: catalog,
		Clock:   fake,
	})
	return &fixture{gate: gate, keys: keys, clock: fake}
}

func TestCheckUnknownTokenDeniesUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)

	decision, err := f.gate.Check(context.Background(), "nonsense")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonUnauthenticated, decision.Reason)
}

func TestCheckDeactivatedKeyDeniesUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.keys.Issue(ctx, tier.TierFree)
	require.NoError(t, err)
	_, err = f.keys.Deactivate(ctx, issued.Token)
	require.NoError(t, err)

	decision, err := f.gate.Check(ctx, issued.Token)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonUnauthenticated, decision.Reason)
}

func TestFreshKeyAllowedWithFullQuota(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.keys.Issue(ctx, tier.TierFree)
	require.NoError(t, err)

	decision, err := f.gate.Check(ctx, issued.Token)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, tier.TierFree, decision.Tier)
	assert.EqualValues(t, 100, decision.Remaining)
	assert.Nil(t, decision.ResetAt)
}

func TestHardCapDeniesAtLimit(t *testing.T) {
	// A small hard-cap tier keeps the test fast.
	f := newFixture(t, []string{"free:3:true:0:0:0"})
	ctx := context.Background()

	issued, err := f.keys.Issue(ctx, tier.TierFree)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		decision, err := f.gate.Check(ctx, issued.Token)
		require.NoError(t, err)
		require.True(t, decision.Allowed, "request %d", i+1)

		_, err = f.gate.Record(ctx, issued.Token, "")
		require.NoError(t, err)
	}

	decision, err := f.gate.Check(ctx, issued.Token)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonQuotaExceeded, decision.Reason)
	assert.Zero(t, decision.Remaining)
	require.NotNil(t, decision.ResetAt)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), *decision.ResetAt)

	// Record refuses too, even without a prior Check.
	_, err = f.gate.Record(ctx, issued.Token, "")
	assert.ErrorIs(t, err, usagedomain.ErrQuotaExhausted)
}

func TestQuotaResetsNextMonth(t *testing.T) {
	f := newFixture(t, []string{"free:2:true:0:0:0"})
	ctx := context.Background()

	issued, err := f.keys.Issue(ctx, tier.TierFree)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.gate.Record(ctx, issued.Token, "")
		require.NoError(t, err)
	}
	decision, err := f.gate.Check(ctx, issued.Token)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	f.clock.Advance(31 * 24 * time.Hour)

	decision, err = f.gate.Check(ctx, issued.Token)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.EqualValues(t, 2, decision.Remaining)
}

func TestSoftCapServesIntoOverage(t *testing.T) {
	f := newFixture(t, []string{"pro:5:false:900:100:1000"})
	ctx := context.Background()

	issued, err := f.keys.Issue(ctx, tier.TierPro)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		decision, err := f.gate.Check(ctx, issued.Token)
		require.NoError(t, err)
		require.True(t, decision.Allowed, "soft cap never denies, request %d", i+1)
		assert.EqualValues(t, -1, decision.Remaining)

		usage, err := f.gate.Record(ctx, issued.Token, "")
		require.NoError(t, err)
		assert.EqualValues(t, i+1, usage.Count)
	}

	usage, err := f.gate.Record(ctx, issued.Token, "")
	require.NoError(t, err)
	assert.EqualValues(t, 9, usage.Count)
	assert.EqualValues(t, 4, usage.OverageCount)
}

func TestRecordHardCapLandsExactlyLimit(t *testing.T) {
	f := newFixture(t, []string{"free:4:true:0:0:0"})
	ctx := context.Background()

	issued, err := f.keys.Issue(ctx, tier.TierFree)
	require.NoError(t, err)

	var succeeded, rejected int
	for i := 0; i < 10; i++ {
		_, err := f.gate.Record(ctx, issued.Token, "")
		switch {
		case err == nil:
			succeeded++
		case err == usagedomain.ErrQuotaExhausted:
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 4, succeeded)
	assert.Equal(t, 6, rejected)
}

func TestRecordWithIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	issued, err := f.keys.Issue(ctx, tier.TierPro)
	require.NoError(t, err)

	first, err := f.gate.Record(ctx, issued.Token, "req-42")
	require.NoError(t, err)
	replay, err := f.gate.Record(ctx, issued.Token, "req-42")
	require.NoError(t, err)
	assert.Equal(t, first.Count, replay.Count)

	next, err := f.gate.Record(ctx, issued.Token, "req-43")
	require.NoError(t, err)
	assert.Equal(t, first.Count+1, next.Count)
}

package entitlement

import (
	"context"
	"errors"

	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/observability/metrics"
	"github.com/metergate/metergate/internal/tier"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Keys    apikeydomain.Service
	Usage   usagedomain.Service
	Catalog *tier.Catalog
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

// Service decides whether a request may proceed and meters it afterwards.
// It never mutates counters during Check; Record performs the one atomic
// increment. Storage errors propagate so the transport layer fails closed.
type Service struct {
	log     *zap.Logger
	keys    apikeydomain.Service
	usage   usagedomain.Service
	catalog *tier.Catalog
	clock   clock.Clock
	metrics *metrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		log:     p.Log.Named("entitlement.service"),
		keys:    p.Keys,
		usage:   p.Usage,
		catalog: p.Catalog,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// Check resolves the token and reports whether the request is within quota.
// Authentication failures come back as deny decisions, not errors; errors
// mean the store could not answer and the caller must not serve the request.
func (s *Service) Check(ctx context.Context, token string) (Decision, error) {
	key, err := s.keys.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, apikeydomain.ErrNotFound) || errors.Is(err, apikeydomain.ErrKeyInactive) {
			s.metrics.RecordEntitlementDecision(ctx, "", false, string(ReasonUnauthenticated))
			return Decision{Allowed: false, Reason: ReasonUnauthenticated}, nil
		}
		return Decision{}, err
	}

	policy, err := s.catalog.Get(key.Tier)
	if err != nil {
		return Decision{}, err
	}

	now := s.clock.Now()
	row, err := s.usage.Get(ctx, key.ID, usagedomain.PeriodOf(now))
	if err != nil {
		return Decision{}, err
	}

	var count int64
	if row != nil {
		count = row.Count
	}

	if policy.HardCap && count >= policy.MonthlyLimit {
		resetAt := usagedomain.NextPeriodStart(now)
		s.metrics.RecordEntitlementDecision(ctx, policy.Name, false, string(ReasonQuotaExceeded))
		return Decision{
			Allowed:   false,
			Reason:    ReasonQuotaExceeded,
			Tier:      policy.Name,
			Remaining: 0,
			ResetAt:   &resetAt,
		}, nil
	}

	decision := Decision{
		Allowed:   true,
		Tier:      policy.Name,
		Remaining: remaining(policy, count),
	}
	s.metrics.RecordEntitlementDecision(ctx, policy.Name, true, "")
	return decision, nil
}

// Record meters one served request. Hard-cap tiers use the conditional
// increment, so a racing request past the cap comes back as
// usagedomain.ErrQuotaExhausted instead of landing an overrun.
func (s *Service) Record(ctx context.Context, token string, idempotencyKey string) (Usage, error) {
	key, err := s.keys.Validate(ctx, token)
	if err != nil {
		return Usage{}, err
	}

	policy, err := s.catalog.Get(key.Tier)
	if err != nil {
		return Usage{}, err
	}

	var counter usagedomain.Counter
	if policy.HardCap {
		counter, err = s.usage.IncrementCapped(ctx, key.ID, policy.MonthlyLimit, idempotencyKey)
	} else {
		counter, err = s.usage.Increment(ctx, key.ID, policy.MonthlyLimit, idempotencyKey)
	}
	if err != nil {
		return Usage{}, err
	}

	s.metrics.RecordUsage(ctx, policy.Name, counter.OverageCount > 0)
	return Usage{
		Tier:         policy.Name,
		Count:        counter.Count,
		OverageCount: counter.OverageCount,
		Remaining:    remaining(policy, counter.Count),
	}, nil
}

func remaining(policy tier.Policy, count int64) int64 {
	if !policy.HardCap {
		return -1
	}
	left := policy.MonthlyLimit - count
	if left < 0 {
		left = 0
	}
	return left
}

package billing

import (
	"context"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/tier"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing.service",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Keys    apikeydomain.Service
	Usage   usagedomain.Service
	Catalog *tier.Catalog
	Clock   clock.Clock
}

// Service prices recorded usage. It only reads; counters are owned by the
// usage service and tier prices by the catalog.
type Service struct {
	log     *zap.Logger
	keys    apikeydomain.Service
	usage   usagedomain.Service
	catalog *tier.Catalog
	clock   clock.Clock
}

func New(p Params) *Service {
	return &Service{
		log:     p.Log.Named("billing.service"),
		keys:    p.Keys,
		usage:   p.Usage,
		catalog: p.Catalog,
		clock:   p.Clock,
	}
}

// Compute prices the key's usage for the given period. An empty period
// means the current month. Hard-cap tiers can never accrue overage, so
// their total is always the base price.
func (s *Service) Compute(ctx context.Context, keyID snowflake.ID, period string) (Summary, error) {
	key, err := s.keys.Get(ctx, keyID)
	if err != nil {
		return Summary{}, err
	}

	policy, err := s.catalog.Get(key.Tier)
	if err != nil {
		return Summary{}, err
	}

	if period == "" {
		period = usagedomain.PeriodOf(s.clock.Now())
	}

	row, err := s.usage.Get(ctx, keyID, period)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Period:         period,
		Tier:           policy.Name,
		BasePriceCents: policy.BasePriceCents,
		TotalCents:     policy.BasePriceCents,
	}
	if row == nil {
		return summary, nil
	}

	summary.RequestCount = row.Count
	summary.OverageCount = row.OverageCount
	summary.IncludedRequests = row.Count - row.OverageCount
	summary.OverageCents = overageCharge(policy, row.OverageCount)
	summary.TotalCents = policy.BasePriceCents + summary.OverageCents
	return summary, nil
}

// overageCharge bills every started block of OverageUnitSize requests.
func overageCharge(policy tier.Policy, overage int64) int64 {
	if policy.HardCap || overage <= 0 || policy.OverageUnitSize <= 0 {
		return 0
	}
	units := (overage + policy.OverageUnitSize - 1) / policy.OverageUnitSize
	return units * policy.OveragePriceCents
}

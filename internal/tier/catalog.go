package tier

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/metergate/metergate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tier",
	fx.Provide(NewCatalog),
)

// Catalog resolves tier names to policies. Lookups read an atomically
// swapped table, so a reload never tears a policy mid-request.
type Catalog struct {
	table atomic.Pointer[catalogTable]

	// baseOverrides are the env entries; file entries layer on top of them
	// on every reload.
	baseOverrides []string
}

type catalogTable struct {
	policies map[string]Policy
	names    []string
}

type Params struct {
	fx.In

	Config config.Config
	Holder *config.TierConfigHolder `optional:"true"`
	Log    *zap.Logger
}

// NewCatalog builds the catalog from the defaults, the TIER_OVERRIDES env
// entries, and the optional tiers.yml file, then subscribes to file reloads.
func NewCatalog(p Params) (*Catalog, error) {
	log := p.Log.Named("tier.catalog")

	var fileEntries []string
	if p.Holder != nil {
		fileEntries = p.Holder.Entries()
	}

	catalog, err := Build(append(append([]string(nil), p.Config.TierOverrides...), fileEntries...))
	if err != nil {
		return nil, err
	}
	catalog.baseOverrides = append([]string(nil), p.Config.TierOverrides...)

	if p.Holder != nil {
		p.Holder.OnChange(func(entries []string) {
			if err := catalog.Reload(entries); err != nil {
				log.Warn("tier reload rejected, keeping previous table", zap.Error(err))
				return
			}
			log.Info("tier catalog reloaded", zap.Strings("tiers", catalog.Names()))
		})
	}

	log.Info("tier catalog loaded", zap.Strings("tiers", catalog.Names()))
	return catalog, nil
}

// Build constructs a catalog from the defaults, applying override entries of
// the form "name:limit:hardcap:base_cents:overage_cents:unit_size".
func Build(overrides []string) (*Catalog, error) {
	table, err := buildTable(overrides)
	if err != nil {
		return nil, err
	}

	catalog := &Catalog{baseOverrides: append([]string(nil), overrides...)}
	catalog.table.Store(table)
	return catalog, nil
}

// Reload rebuilds the table with a fresh file layer. The env layer from
// construction time is kept underneath.
func (c *Catalog) Reload(fileEntries []string) error {
	table, err := buildTable(append(append([]string(nil), c.baseOverrides...), fileEntries...))
	if err != nil {
		return err
	}
	c.table.Store(table)
	return nil
}

func buildTable(overrides []string) (*catalogTable, error) {
	policies := make(map[string]Policy)
	for _, policy := range Defaults() {
		policies[policy.Name] = policy
	}

	for _, entry := range overrides {
		policy, err := parseOverride(entry)
		if err != nil {
			return nil, err
		}
		policies[policy.Name] = policy
	}

	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	return &catalogTable{policies: policies, names: names}, nil
}

// Get returns the policy for the named tier.
func (c *Catalog) Get(name string) (Policy, error) {
	table := c.table.Load()
	policy, ok := table.policies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, ErrUnknownTier
	}
	return policy, nil
}

// Default returns the policy new keys start on.
func (c *Catalog) Default() Policy {
	return c.table.Load().policies[TierFree]
}

// Has reports whether the named tier exists.
func (c *Catalog) Has(name string) bool {
	_, ok := c.table.Load().policies[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Names returns all tier names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.table.Load().names...)
}

// All returns every policy ordered by name.
func (c *Catalog) All() []Policy {
	table := c.table.Load()
	policies := make([]Policy, 0, len(table.names))
	for _, name := range table.names {
		policies = append(policies, table.policies[name])
	}
	return policies
}

func parseOverride(entry string) (Policy, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) != 6 {
		return Policy{}, fmt.Errorf("%w: %q", ErrInvalidOverride, entry)
	}

	name := strings.ToLower(strings.TrimSpace(parts[0]))
	if name == "" {
		return Policy{}, fmt.Errorf("%w: empty name in %q", ErrInvalidOverride, entry)
	}

	limit, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || limit < 0 {
		return Policy{}, fmt.Errorf("%w: bad limit in %q", ErrInvalidOverride, entry)
	}
	hardCap, err := strconv.ParseBool(strings.TrimSpace(parts[2]))
	if err != nil {
		return Policy{}, fmt.Errorf("%w: bad hardcap in %q", ErrInvalidOverride, entry)
	}
	base, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
	if err != nil || base < 0 {
		return Policy{}, fmt.Errorf("%w: bad base price in %q", ErrInvalidOverride, entry)
	}
	overage, err := strconv.ParseInt(strings.TrimSpace(parts[4]), 10, 64)
	if err != nil || overage < 0 {
		return Policy{}, fmt.Errorf("%w: bad overage price in %q", ErrInvalidOverride, entry)
	}
	unitSize, err := strconv.ParseInt(strings.TrimSpace(parts[5]), 10, 64)
	if err != nil || unitSize < 0 {
		return Policy{}, fmt.Errorf("%w: bad unit size in %q", ErrInvalidOverride, entry)
	}
	if hardCap && overage > 0 {
		return Policy{}, fmt.Errorf("%w: hard-cap tier cannot price overage in %q", ErrInvalidOverride, entry)
	}
	if overage > 0 && unitSize == 0 {
		return Policy{}, fmt.Errorf("%w: overage price requires unit size in %q", ErrInvalidOverride, entry)
	}

	return Policy{
		Name:              name,
		MonthlyLimit:      limit,
		HardCap:           hardCap,
		BasePriceCents:    base,
		OveragePriceCents: overage,
		OverageUnitSize:   unitSize,
	}, nil
}

package tier

import "errors"

// Policy describes the entitlements of a subscription tier.
type Policy struct {
	Name string `json:"name"`

	// MonthlyLimit is the number of included requests per calendar month.
	MonthlyLimit int64 `json:"monthly_limit"`

	// HardCap denies requests beyond MonthlyLimit. Soft-cap tiers keep
	// serving and accrue overage instead.
	HardCap bool `json:"hard_cap"`

	// BasePriceCents is the flat monthly subscription price.
	BasePriceCents int64 `json:"base_price_cents"`

	// OveragePriceCents is charged per started block of OverageUnitSize
	// requests beyond MonthlyLimit. Zero on hard-cap tiers.
	OveragePriceCents int64 `json:"overage_price_cents"`
	OverageUnitSize   int64 `json:"overage_unit_size"`
}

const (
	TierFree       = "free"
	TierDev        = "dev"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

var (
	ErrUnknownTier     = errors.New("unknown_tier")
	ErrInvalidOverride = errors.New("invalid_tier_override")
)

// Defaults returns the built-in tier table.
func Defaults() []Policy {
	return []Policy{
		{
			Name:         TierFree,
			MonthlyLimit: 100,
			HardCap:      true,
		},
		{
			Name:         TierDev,
			MonthlyLimit: 1000,
			HardCap:      true,
		},
		{
			Name:              TierPro,
			MonthlyLimit:      10000,
			BasePriceCents:    900,
			OveragePriceCents: 100,
			OverageUnitSize:   1000,
		},
		{
			Name:              TierEnterprise,
			MonthlyLimit:      1000000,
			BasePriceCents:    4900,
			OveragePriceCents: 100,
			OverageUnitSize:   1000,
		},
	}
}

package entitlement

import "time"

// Reason explains a denial.
type Reason string

const (
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonQuotaExceeded   Reason = "quota_exceeded"
)

// Decision is the outcome of a pre-request entitlement check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Tier    string `json:"tier,omitempty"`

	// Remaining is the number of requests left before the hard cap.
	// -1 on soft-cap tiers, which keep serving into overage.
	Remaining int64 `json:"remaining"`

	// ResetAt is when the counter rolls over, set on quota denials.
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// Usage is the counter state after a recorded request.
type Usage struct {
	Tier         string `json:"tier"`
	Count        int64  `json:"count"`
	OverageCount int64  `json:"overage_count"`

	// Remaining mirrors Decision.Remaining after this request.
	Remaining int64 `json:"remaining"`
}

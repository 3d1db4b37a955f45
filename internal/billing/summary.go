package billing

// Summary is a month's charges for one key. All amounts are cents.
type Summary struct {
	Period           string `json:"period"`
	Tier             string `json:"tier"`
	RequestCount     int64  `json:"request_count"`
	IncludedRequests int64  `json:"included_requests"`
	OverageCount     int64  `json:"overage_count"`
	BasePriceCents   int64  `json:"base_price_cents"`
	OverageCents     int64  `json:"overage_cents"`
	TotalCents       int64  `json:"total_cents"`
}

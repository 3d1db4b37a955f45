package domain

import "context"

type Service interface {
	// Apply folds one verified provider event into local state. It is
	// idempotent per (provider, event id) and discards out-of-order
	// events per subscription.
	Apply(ctx context.Context, event *Event) (Outcome, error)

	// Get loads a subscription by its external id.
	Get(ctx context.Context, externalID string) (*Subscription, error)
}

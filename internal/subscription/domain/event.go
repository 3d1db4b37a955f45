package domain

import (
	"errors"
	"strings"
	"time"
)

// Provider event types, named after the billing provider's webhook
// registration list.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Subscription statuses.
const (
	StatusActive    = "active"
	StatusPastDue   = "past_due"
	StatusCancelled = "cancelled"
)

// Event is the provider-agnostic shape a verifier produces from a webhook
// payload.
type Event struct {
	Provider         string     `json:"provider"`
	ProviderEventID  string     `json:"provider_event_id"`
	Type             string     `json:"type"`
	SubscriptionID   string     `json:"subscription_id"`
	Tier             string     `json:"tier,omitempty"`
	Status           string     `json:"status,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
	Raw              []byte     `json:"-"`
}

// Outcome reports what Apply did with an event. Duplicate and stale are
// successes: the provider must not retry them.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
)

var (
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrInvalidEvent        = errors.New("invalid_event")
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrUnknownSubscription = errors.New("unknown_subscription")
)

// Validate normalizes the event in place and reports malformed fields.
func (e *Event) Validate() error {
	e.Provider = strings.ToLower(strings.TrimSpace(e.Provider))
	if e.Provider == "" {
		return ErrInvalidProvider
	}
	e.ProviderEventID = strings.TrimSpace(e.ProviderEventID)
	if e.ProviderEventID == "" {
		return ErrInvalidEvent
	}
	e.Type = strings.TrimSpace(e.Type)
	switch e.Type {
	case EventCheckoutCompleted, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		return ErrInvalidEvent
	}
	e.SubscriptionID = strings.TrimSpace(e.SubscriptionID)
	if e.SubscriptionID == "" {
		return ErrInvalidEvent
	}
	if e.OccurredAt.IsZero() {
		return ErrInvalidEvent
	}
	e.Status = strings.ToLower(strings.TrimSpace(e.Status))
	e.Tier = strings.ToLower(strings.TrimSpace(e.Tier))
	return nil
}

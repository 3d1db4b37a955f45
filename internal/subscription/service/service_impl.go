package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/locking"
	"github.com/metergate/metergate/internal/observability/metrics"
	subscriptiondomain "github.com/metergate/metergate/internal/subscription/domain"
	"github.com/metergate/metergate/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const issueMaxAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       subscriptiondomain.Repository
	Keys       apikeydomain.Repository
	Catalog    *tier.Catalog
	Clock      clock.Clock
	Serializer *locking.Serializer
	Metrics    *metrics.Metrics `optional:"true"`
}

// Service folds provider webhook events into subscription and key state.
// Event application is serialized per external subscription id and runs in
// one transaction, so a replay lands on consistent state.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       subscriptiondomain.Repository
	keys       apikeydomain.Repository
	catalog    *tier.Catalog
	clock      clock.Clock
	serializer *locking.Serializer
	metrics    *metrics.Metrics
}

func New(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		keys:       p.Keys,
		catalog:    p.Catalog,
		clock:      p.Clock,
		serializer: p.Serializer,
		metrics:    p.Metrics,
	}
}

func (s *Service) Apply(ctx context.Context, event *subscriptiondomain.Event) (subscriptiondomain.Outcome, error) {
	if event == nil {
		return "", subscriptiondomain.ErrInvalidEvent
	}
	if err := event.Validate(); err != nil {
		return "", err
	}
	if event.Type == subscriptiondomain.EventCheckoutCompleted && !s.catalog.Has(event.Tier) {
		return "", subscriptiondomain.ErrInvalidEvent
	}

	release, err := s.serializer.Acquire(ctx, "subscription:"+event.SubscriptionID)
	if err != nil {
		return "", err
	}
	defer release()

	outcome := subscriptiondomain.OutcomeApplied
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		record := &subscriptiondomain.EventRecord{
			ID:              s.genID.Generate(),
			Provider:        event.Provider,
			ProviderEventID: event.ProviderEventID,
			EventType:       event.Type,
			SubscriptionID:  event.SubscriptionID,
			Payload:         datatypes.JSON(event.Raw),
			ReceivedAt:      now,
		}
		inserted, err := s.repo.InsertEvent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			stored, err := s.repo.LoadEvent(ctx, tx, event.Provider, event.ProviderEventID)
			if err != nil {
				return err
			}
			if stored == nil {
				return subscriptiondomain.ErrInvalidEvent
			}
			if stored.ProcessedAt != nil {
				outcome = subscriptiondomain.OutcomeDuplicate
				return nil
			}
			// A previous delivery failed mid-flight. Resume with the
			// stored record.
			record = stored
		}

		existing, err := s.repo.FindByExternalID(ctx, tx, event.SubscriptionID, true)
		if err != nil {
			return err
		}

		if existing != nil && !existing.LastEventAt.Before(event.OccurredAt) {
			outcome = subscriptiondomain.OutcomeStale
			return s.repo.MarkProcessed(ctx, tx, record, now)
		}
		if existing != nil && existing.Status == subscriptiondomain.StatusCancelled {
			// Cancelled is terminal for an external id.
			outcome = subscriptiondomain.OutcomeStale
			return s.repo.MarkProcessed(ctx, tx, record, now)
		}

		switch event.Type {
		case subscriptiondomain.EventCheckoutCompleted:
			err = s.applyCheckout(ctx, tx, event, existing, now)
		case subscriptiondomain.EventSubscriptionUpdated:
			err = s.applyUpdate(ctx, tx, event, existing, now)
		case subscriptiondomain.EventSubscriptionDeleted:
			err = s.applyDelete(ctx, tx, event, existing, now)
		default:
			err = subscriptiondomain.ErrInvalidEvent
		}
		if err != nil {
			return err
		}

		return s.repo.MarkProcessed(ctx, tx, record, now)
	})
	if err != nil {
		return "", err
	}

	s.metrics.RecordSubscriptionEvent(ctx, event.Provider, event.Type, string(outcome))
	return outcome, nil
}

func (s *Service) Get(ctx context.Context, externalID string) (*subscriptiondomain.Subscription, error) {
	return s.repo.FindByExternalID(ctx, s.db, externalID, false)
}

// applyCheckout provisions a key on the purchased tier and binds it to the
// new subscription. A checkout for an already-known external id only
// refreshes tier and status; it never mints a second key.
func (s *Service) applyCheckout(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.Event, existing *subscriptiondomain.Subscription, now time.Time) error {
	if existing != nil {
		existing.Tier = event.Tier
		existing.Status = subscriptiondomain.StatusActive
		existing.CurrentPeriodEnd = event.CurrentPeriodEnd
		existing.LastEventAt = event.OccurredAt
		existing.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, existing); err != nil {
			return err
		}
		return s.setKeyTier(ctx, tx, existing.KeyID, event.Tier, &existing.ExternalID)
	}

	key, err := s.mintKey(ctx, tx, event.Tier, now)
	if err != nil {
		return err
	}

	sub := &subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		ExternalID:       event.SubscriptionID,
		KeyID:            key.ID,
		Tier:             event.Tier,
		Status:           subscriptiondomain.StatusActive,
		CurrentPeriodEnd: event.CurrentPeriodEnd,
		LastEventAt:      event.OccurredAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, tx, sub); err != nil {
		return err
	}

	externalID := sub.ExternalID
	key.SubscriptionID = &externalID
	key.UpdatedAt = now
	if err := s.keys.Update(ctx, tx, key); err != nil {
		return err
	}

	s.log.Info("subscription checkout applied",
		zap.String("subscription_id", sub.ExternalID),
		zap.String("key_id", key.ID.String()),
		zap.String("tier", event.Tier),
	)
	return nil
}

func (s *Service) applyUpdate(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.Event, existing *subscriptiondomain.Subscription, now time.Time) error {
	if existing == nil {
		return subscriptiondomain.ErrUnknownSubscription
	}

	status := event.Status
	if status == "" {
		status = existing.Status
	}
	switch status {
	case subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue, subscriptiondomain.StatusCancelled:
	default:
		return subscriptiondomain.ErrInvalidEvent
	}

	tierChanged := event.Tier != "" && event.Tier != existing.Tier
	if tierChanged && !s.catalog.Has(event.Tier) {
		return subscriptiondomain.ErrInvalidEvent
	}

	if tierChanged {
		existing.Tier = event.Tier
		if err := s.setKeyTier(ctx, tx, existing.KeyID, event.Tier, &existing.ExternalID); err != nil {
			return err
		}
	}
	existing.Status = status
	if event.CurrentPeriodEnd != nil {
		existing.CurrentPeriodEnd = event.CurrentPeriodEnd
	}
	existing.LastEventAt = event.OccurredAt
	existing.UpdatedAt = now
	return s.repo.Update(ctx, tx, existing)
}

// applyDelete downgrades the bound key to the free tier. The key keeps
// working; cancellation is not revocation.
func (s *Service) applyDelete(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.Event, existing *subscriptiondomain.Subscription, now time.Time) error {
	if existing == nil {
		return subscriptiondomain.ErrUnknownSubscription
	}

	existing.Status = subscriptiondomain.StatusCancelled
	existing.LastEventAt = event.OccurredAt
	existing.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, existing); err != nil {
		return err
	}

	if err := s.setKeyTier(ctx, tx, existing.KeyID, tier.TierFree, nil); err != nil {
		return err
	}

	s.log.Info("subscription cancelled",
		zap.String("subscription_id", existing.ExternalID),
		zap.String("key_id", existing.KeyID.String()),
	)
	return nil
}

func (s *Service) mintKey(ctx context.Context, tx *gorm.DB, tierName string, now time.Time) (*apikeydomain.Key, error) {
	for attempt := 0; attempt < issueMaxAttempts; attempt++ {
		key, err := apikeydomain.NewKey(s.genID.Generate(), tierName, now)
		if err != nil {
			return nil, err
		}
		inserted, err := s.keys.Insert(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if inserted {
			return key, nil
		}
	}
	return nil, errors.New("api key generation exhausted retries")
}

func (s *Service) setKeyTier(ctx context.Context, tx *gorm.DB, keyID snowflake.ID, tierName string, subscriptionID *string) error {
	key, err := s.keys.FindByID(ctx, tx, keyID)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}
	key.Tier = tierName
	key.SubscriptionID = subscriptionID
	key.UpdatedAt = s.clock.Now()
	return s.keys.Update(ctx, tx, key)
}

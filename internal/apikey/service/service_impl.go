package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/metergate/metergate/internal/apikey/domain"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/observability/metrics"
	"github.com/metergate/metergate/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const issueMaxAttempts = 3

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    apikeydomain.Repository
	Catalog *tier.Catalog
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    apikeydomain.Repository
	catalog *tier.Catalog
	clock   clock.Clock
	genID   *snowflake.Node
	metrics *metrics.Metrics
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("apikey.service"),
		repo:    p.Repo,
		catalog: p.Catalog,
		clock:   p.Clock,
		genID:   p.GenID,
		metrics: p.Metrics,
	}
}

func (s *Service) Issue(ctx context.Context, tierName string) (*apikeydomain.IssuedKey, error) {
	tierName = strings.ToLower(strings.TrimSpace(tierName))
	if tierName == "" {
		tierName = tier.TierFree
	}
	if !s.catalog.Has(tierName) {
		return nil, apikeydomain.ErrInvalidTier
	}

	now := s.clock.Now()
	for attempt := 0; attempt < issueMaxAttempts; attempt++ {
		key, err := apikeydomain.NewKey(s.genID.Generate(), tierName, now)
		if err != nil {
			return nil, err
		}

		inserted, err := s.repo.Insert(ctx, s.db, key)
		if err != nil {
			return nil, err
		}
		if !inserted {
			// Token collision. Practically unreachable with 256 bits of
			// entropy, but the insert reports it so regeneration is safe.
			s.log.Warn("token collision on issue", zap.Int("attempt", attempt+1))
			continue
		}

		s.metrics.RecordKeyIssued(ctx, tierName)
		s.log.Info("api key issued",
			zap.String("key_id", key.ID.String()),
			zap.String("tier", tierName),
		)
		return &apikeydomain.IssuedKey{
			ID:        key.ID,
			Token:     key.Token,
			Tier:      key.Tier,
			CreatedAt: key.CreatedAt,
		}, nil
	}

	return nil, errors.New("api key generation exhausted retries")
}

func (s *Service) Validate(ctx context.Context, token string) (*apikeydomain.Key, error) {
	token = strings.TrimSpace(token)
	if token == "" || !apikeydomain.HasTokenShape(token) {
		return nil, apikeydomain.ErrNotFound
	}

	key, err := s.repo.FindByToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, apikeydomain.ErrNotFound
	}
	if !key.IsActive {
		return nil, apikeydomain.ErrKeyInactive
	}
	return key, nil
}

func (s *Service) Deactivate(ctx context.Context, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}

	key, err := s.repo.FindByToken(ctx, s.db, token)
	if err != nil {
		return false, err
	}
	if key == nil {
		return false, nil
	}
	if !key.IsActive {
		return true, nil
	}

	now := s.clock.Now()
	key.IsActive = false
	key.UpdatedAt = now
	key.DeactivatedAt = &now
	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return false, err
	}

	s.log.Info("api key deactivated", zap.String("key_id", key.ID.String()))
	return true, nil
}

func (s *Service) SetTier(ctx context.Context, keyID snowflake.ID, tierName string, subscriptionID *string) error {
	tierName = strings.ToLower(strings.TrimSpace(tierName))
	if !s.catalog.Has(tierName) {
		return apikeydomain.ErrInvalidTier
	}

	key, err := s.repo.FindByID(ctx, s.db, keyID)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}

	key.Tier = tierName
	key.SubscriptionID = subscriptionID
	key.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return err
	}

	s.log.Info("api key tier updated",
		zap.String("key_id", key.ID.String()),
		zap.String("tier", tierName),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, keyID snowflake.ID) (*apikeydomain.Key, error) {
	key, err := s.repo.FindByID(ctx, s.db, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, apikeydomain.ErrNotFound
	}
	return key, nil
}

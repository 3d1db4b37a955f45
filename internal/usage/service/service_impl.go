package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/metergate/metergate/internal/clock"
	usagedomain "github.com/metergate/metergate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errReceiptRace signals that another request landed the same idempotency key
// between our lookup and insert. The transaction is rolled back and the
// stored receipt is returned instead.
var errReceiptRace = errors.New("usage receipt race")

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  usagedomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  usagedomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Increment(ctx context.Context, keyID snowflake.ID, limit int64, idempotencyKey string) (usagedomain.Counter, error) {
	return s.increment(ctx, keyID, limit, idempotencyKey, false)
}

func (s *Service) IncrementCapped(ctx context.Context, keyID snowflake.ID, limit int64, idempotencyKey string) (usagedomain.Counter, error) {
	return s.increment(ctx, keyID, limit, idempotencyKey, true)
}

func (s *Service) Get(ctx context.Context, keyID snowflake.ID, period string) (*usagedomain.Period, error) {
	return s.repo.Get(ctx, s.db, keyID, period)
}

func (s *Service) Stats(ctx context.Context, keyID snowflake.ID, tierName string, limit int64, period string) (usagedomain.Stats, error) {
	if period == "" {
		period = usagedomain.PeriodOf(s.clock.Now())
	}

	row, err := s.repo.Get(ctx, s.db, keyID, period)
	if err != nil {
		return usagedomain.Stats{}, err
	}

	stats := usagedomain.Stats{
		Period:       period,
		Tier:         tierName,
		MonthlyLimit: limit,
	}
	if row != nil {
		stats.TotalRequests = row.Count
		stats.OverageRequests = row.OverageCount
		stats.IncludedRequests = row.Count - row.OverageCount
	}
	return stats, nil
}

func (s *Service) increment(ctx context.Context, keyID snowflake.ID, limit int64, idempotencyKey string, capped bool) (usagedomain.Counter, error) {
	now := s.clock.Now()
	period := usagedomain.PeriodOf(now)

	if idempotencyKey == "" {
		return s.apply(ctx, s.db, keyID, period, limit, now, capped)
	}

	var counter usagedomain.Counter
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindReceipt(ctx, tx, keyID, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			counter = usagedomain.Counter{Count: existing.Count, OverageCount: existing.OverageCount}
			return nil
		}

		counter, err = s.apply(ctx, tx, keyID, period, limit, now, capped)
		if err != nil {
			return err
		}

		inserted, err := s.repo.InsertReceipt(ctx, tx, &usagedomain.Receipt{
			ID:             s.genID.Generate(),
			KeyID:          keyID,
			IdempotencyKey: idempotencyKey,
			Period:         period,
			Count:          counter.Count,
			OverageCount:   counter.OverageCount,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errReceiptRace
		}
		return nil
	})
	if errors.Is(err, errReceiptRace) {
		existing, findErr := s.repo.FindReceipt(ctx, s.db, keyID, idempotencyKey)
		if findErr != nil {
			return usagedomain.Counter{}, findErr
		}
		if existing == nil {
			return usagedomain.Counter{}, err
		}
		return usagedomain.Counter{Count: existing.Count, OverageCount: existing.OverageCount}, nil
	}
	if err != nil {
		return usagedomain.Counter{}, err
	}
	return counter, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, keyID snowflake.ID, period string, limit int64, now time.Time, capped bool) (usagedomain.Counter, error) {
	if err := s.repo.Ensure(ctx, tx, s.genID.Generate(), keyID, period, now); err != nil {
		return usagedomain.Counter{}, err
	}
	if capped {
		return s.repo.IncrementCapped(ctx, tx, keyID, period, limit, now)
	}
	return s.repo.Increment(ctx, tx, keyID, period, limit, now)
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CodeIssuer mints candidate redemption codes.
type CodeIssuer interface {
	Issue() (string, error)
}

type Options struct {
	Score              domain.ScoreParams
	SignupLatencyMaxMs int
	RapidActionWindow  time.Duration
	CodeTTL            time.Duration
}

func DefaultOptions() Options {
	return Options{
		Score:              domain.DefaultScoreParams(),
		SignupLatencyMaxMs: 9999,
		RapidActionWindow:  time.Minute,
		CodeTTL:            24 * time.Hour,
	}
}

type Deps struct {
	Store    domain.WaitlistStore
	Actions  domain.ActionTracker
	Accounts domain.AccountDirectory
	Codes    CodeIssuer

	// optional
	Cache domain.CacheRepository
	Clock domain.Clock
	Audit *audit.Logger
}

type DropService struct {
	store    domain.WaitlistStore
	actions  domain.ActionTracker
	accounts domain.AccountDirectory
	codes    CodeIssuer
	cache    domain.CacheRepository
	clock    domain.Clock
	audit    *audit.Logger
	opts     Options
}

func NewDropService(d Deps, opts Options) *DropService {
	s := &DropService{
		store:    d.Store,
		actions:  d.Actions,
		accounts: d.Accounts,
		codes:    d.Codes,
		cache:    d.Cache,
		clock:    d.Clock,
		audit:    d.Audit,
		opts:     opts,
	}
	if s.clock == nil {
		s.clock = domain.SystemClock{}
	}
	if s.audit == nil {
		s.audit = audit.New(zerolog.Nop())
	}
	return s
}

// activeDrop loads the drop and rejects anything not ACTIVE. A cached
// non-active status short-circuits the database read.
func (s *DropService) activeDrop(ctx context.Context, dropID uuid.UUID) (domain.Drop, error) {
	if s.cache != nil {
		st, err := s.cache.GetDropStatus(ctx, dropID)
		switch {
		case err == nil && st != domain.DropActive:
			return domain.Drop{}, domain.ErrDropNotActive
		case err != nil && !errors.Is(err, domain.ErrCacheMiss):
			logger.WithCtx(ctx).Debug().Err(err).Msg("drop status cache read failed")
		}
	}

	d, err := s.store.GetDrop(ctx, dropID)
	if err != nil {
		return domain.Drop{}, err
	}
	if s.cache != nil {
		if err := s.cache.SetDropStatus(ctx, dropID, d.Status); err != nil {
			logger.WithCtx(ctx).Debug().Err(err).Msg("drop status cache write failed")
		}
	}
	if d.Status != domain.DropActive {
		return domain.Drop{}, domain.ErrDropNotActive
	}
	return d, nil
}

func (s *DropService) position(ctx context.Context, dropID uuid.UUID, score float64) (int, error) {
	ahead, err := s.store.CountAhead(ctx, dropID, score)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

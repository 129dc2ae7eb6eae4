package service

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	appctx "github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/google/uuid"
)

type JoinResult struct {
	Message       string  `json:"message"`
	Position      int     `json:"position"`
	PriorityScore float64 `json:"priority_score"`
}

const msgJoined = "Successfully joined waitlist"

// Join admits the user into the drop's waitlist. A user already on the list
// gets *domain.AlreadyJoinedError carrying the current position.
func (s *DropService) Join(ctx context.Context, dropID, userID uuid.UUID, clientRequestMs *int64) (JoinResult, error) {
	res, err := s.join(ctx, dropID, userID, clientRequestMs)
	metrics.JoinTotal.WithLabelValues(joinOutcome(err)).Inc()
	return res, err
}

func (s *DropService) join(ctx context.Context, dropID, userID uuid.UUID, clientRequestMs *int64) (JoinResult, error) {
	if _, err := s.activeDrop(ctx, dropID); err != nil {
		return JoinResult{}, err
	}

	existing, err := s.store.GetEntry(ctx, dropID, userID)
	switch {
	case err == nil:
		return JoinResult{}, s.alreadyJoined(ctx, existing)
	case !errors.Is(err, domain.ErrEntryNotFound):
		return JoinResult{}, err
	}

	createdAt, err := s.accounts.AccountCreatedAt(ctx, userID)
	if err != nil {
		return JoinResult{}, err
	}

	now := s.clock.Now()
	rapid := s.rapidActions(ctx, dropID, userID, now)
	latency := domain.SignupLatencyMs(now, clientRequestMs, s.opts.SignupLatencyMaxMs)
	score := domain.PriorityScore(s.opts.Score, createdAt, latency, rapid, now)

	ins, err := s.store.InsertEntry(ctx, appctx.TraceID(ctx), domain.WaitlistEntry{
		ID:                uuid.New(),
		DropID:            dropID,
		UserID:            userID,
		PriorityScore:     score,
		SignupLatencyMs:   latency,
		AccountAgeDays:    domain.AccountAgeDays(createdAt, now),
		RapidActionsCount: rapid,
		Status:            domain.EntryWaiting,
		CreatedAt:         now,
	})
	if err != nil {
		return JoinResult{}, err
	}
	if !ins.Created {
		// lost the insert race to a concurrent join of the same user
		return JoinResult{}, s.alreadyJoined(ctx, ins.Entry)
	}

	s.recordAction(ctx, dropID, userID)
	s.audit.Joined(ctx, dropID, userID, score, latency, ins.Entry.AccountAgeDays, rapid)

	pos, err := s.position(ctx, dropID, score)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Message: msgJoined, Position: pos, PriorityScore: score}, nil
}

func (s *DropService) alreadyJoined(ctx context.Context, e domain.WaitlistEntry) error {
	pos, err := s.position(ctx, e.DropID, e.PriorityScore)
	if err != nil {
		return err
	}
	return &domain.AlreadyJoinedError{Position: pos, PriorityScore: e.PriorityScore}
}

// rapidActions counts this user's recent join/leave actions on the drop.
// Tracker failures score as zero.
func (s *DropService) rapidActions(ctx context.Context, dropID, userID uuid.UUID, now time.Time) int {
	if s.actions == nil {
		return 0
	}
	n, err := s.actions.CountSince(ctx, dropID, userID, now.Add(-s.opts.RapidActionWindow))
	if err != nil {
		metrics.RapidActionFailOpen.Inc()
		logger.WithCtx(ctx).Warn().Err(err).
			Str("drop_id", dropID.String()).
			Msg("rapid action count unavailable, scoring as zero")
		return 0
	}
	return n
}

func (s *DropService) recordAction(ctx context.Context, dropID, userID uuid.UUID) {
	if s.actions == nil {
		return
	}
	if err := s.actions.Record(ctx, dropID, userID, s.clock.Now()); err != nil {
		logger.WithCtx(ctx).Warn().Err(err).
			Str("drop_id", dropID.String()).
			Msg("record rapid action failed")
	}
}

// Leave removes a WAITING entry. CLAIMED entries are permanent.
func (s *DropService) Leave(ctx context.Context, dropID, userID uuid.UUID) error {
	err := s.store.WithEntryLock(ctx, appctx.TraceID(ctx), dropID, userID, func(tx domain.EntryTx) error {
		if tx.Entry().Status == domain.EntryClaimed {
			return domain.ErrCannotLeaveAfterClaim
		}
		return tx.Delete(ctx)
	})
	if errors.Is(err, domain.ErrEntryNotFound) {
		err = domain.ErrNotJoined
	}
	metrics.LeaveTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return err
	}

	s.recordAction(ctx, dropID, userID)
	s.audit.Left(ctx, dropID, userID)
	return nil
}

func joinOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, domain.ErrDropNotActive):
		return "not_active"
	}
	return outcome(err)
}

func outcome(err error) string {
	return string(domain.KindOf(err))
}

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

type ClaimResult struct {
	Message   string    `json:"message"`
	ClaimCode string    `json:"claim_code"`
	ExpiresAt time.Time `json:"expires_at"`
	// Replayed is true when the code was issued by an earlier call.
	Replayed bool `json:"replayed"`
}

const (
	msgClaimed        = "Claim successful"
	msgAlreadyClaimed = "Already claimed"
)

// codeAttempts bounds code generation: the first try plus one retry on a
// uniqueness collision.
const codeAttempts = 2

// Claim redeems one unit of stock for the caller. All checks and writes run
// while the drop's lock is held, so the stock check and the increment can
// never interleave with another claim on the same drop. A user who already
// claimed gets the stored code back.
func (s *DropService) Claim(ctx context.Context, dropID, userID uuid.UUID) (ClaimResult, error) {
	start := time.Now()
	var (
		res          ClaimResult
		claimedCount int
	)

	err := s.store.WithDropLock(ctx, appctx.TraceID(ctx), dropID, func(tx domain.DropTx) error {
		drop := tx.Drop()
		now := s.clock.Now()

		if !drop.WindowOpen(now) {
			return domain.ErrWindowClosed
		}

		entry, err := tx.LockEntry(ctx, userID)
		if errors.Is(err, domain.ErrEntryNotFound) {
			return domain.ErrNotInWaitlist
		}
		if err != nil {
			return err
		}

		switch entry.Status {
		case domain.EntryClaimed:
			code, err := tx.ClaimCode(ctx, entry.ID)
			if err != nil {
				return err
			}
			res = ClaimResult{Message: msgAlreadyClaimed, ClaimCode: code.Code, ExpiresAt: code.ExpiresAt, Replayed: true}
			return nil
		case domain.EntryWaiting:
		default:
			return domain.ErrNotInWaitlist
		}

		if drop.ClaimedCount >= drop.TotalStock {
			return domain.ErrOutOfStock
		}

		if err := tx.MarkClaimed(ctx, entry.ID, now); err != nil {
			return err
		}
		code, err := s.insertCode(ctx, tx, domain.ClaimCode{
			ID:         uuid.New(),
			WaitlistID: entry.ID,
			ExpiresAt:  now.Add(s.opts.CodeTTL),
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		if err := tx.IncrementClaimed(ctx); err != nil {
			return err
		}

		res = ClaimResult{Message: msgClaimed, ClaimCode: code.Code, ExpiresAt: code.ExpiresAt}
		claimedCount = drop.ClaimedCount + 1
		return nil
	})
	metrics.ClaimCriticalSection.Observe(time.Since(start).Seconds())
	metrics.ClaimTotal.WithLabelValues(claimOutcome(res, err)).Inc()

	if err != nil {
		if domain.KindOf(err) == domain.KindTransient {
			logger.WithCtx(ctx).Warn().Err(err).Str("drop_id", dropID.String()).Msg("claim aborted, retryable")
		}
		return ClaimResult{}, err
	}

	if res.Replayed {
		s.audit.ClaimReplayed(ctx, dropID, userID)
	} else {
		s.audit.ClaimIssued(ctx, dropID, userID, res.ClaimCode, res.ExpiresAt, claimedCount)
	}
	return res, nil
}

func (s *DropService) insertCode(ctx context.Context, tx domain.DropTx, c domain.ClaimCode) (domain.ClaimCode, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := s.codes.Issue()
		if err != nil {
			return domain.ClaimCode{}, err
		}
		c.Code = code

		ok, err := tx.InsertClaimCode(ctx, c)
		if err != nil {
			return domain.ClaimCode{}, err
		}
		if ok {
			return c, nil
		}
		metrics.CodeCollisions.Inc()
	}
	return domain.ClaimCode{}, domain.ErrCodeSpaceExhausted
}

func claimOutcome(res ClaimResult, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "issued"
	case errors.Is(err, domain.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, domain.ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, domain.ErrNotInWaitlist):
		return "not_in_waitlist"
	}
	return outcome(err)
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
)

type MyEntry struct {
	Status        domain.EntryStatus `json:"status"`
	Position      int                `json:"position,omitempty"`
	PriorityScore float64            `json:"priority_score"`
	ClaimedAt     *time.Time         `json:"claimed_at,omitempty"`
	ClaimCode     string             `json:"claim_code,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
}

// MyEntry reports the caller's entry. Position is only given while WAITING;
// a CLAIMED entry carries its code instead.
func (s *DropService) MyEntry(ctx context.Context, dropID, userID uuid.UUID) (MyEntry, error) {
	e, err := s.store.GetEntry(ctx, dropID, userID)
	if errors.Is(err, domain.ErrEntryNotFound) {
		return MyEntry{}, domain.ErrNotJoined
	}
	if err != nil {
		return MyEntry{}, err
	}

	out := MyEntry{Status: e.Status, PriorityScore: e.PriorityScore, ClaimedAt: e.ClaimedAt}
	switch e.Status {
	case domain.EntryWaiting:
		if out.Position, err = s.position(ctx, dropID, e.PriorityScore); err != nil {
			return MyEntry{}, err
		}
	case domain.EntryClaimed:
		code, err := s.store.GetClaimCode(ctx, e.ID)
		if err != nil {
			return MyEntry{}, err
		}
		exp := code.ExpiresAt
		out.ClaimCode = code.Code
		out.ExpiresAt = &exp
	}
	return out, nil
}

// ListWaitlist pages through the drop's entries in rank order.
func (s *DropService) ListWaitlist(ctx context.Context, dropID uuid.UUID, limit int, cursor *domain.RankCursor) ([]domain.WaitlistEntry, *domain.RankCursor, error) {
	if _, err := s.store.GetDrop(ctx, dropID); err != nil {
		return nil, nil, err
	}
	return s.store.ListWaitlist(ctx, dropID, limit, cursor)
}

func (s *DropService) Stats(ctx context.Context, dropID uuid.UUID) (domain.DropStats, error) {
	d, err := s.store.GetDrop(ctx, dropID)
	if err != nil {
		return domain.DropStats{}, err
	}
	waiting, err := s.store.CountWaiting(ctx, dropID)
	if err != nil {
		return domain.DropStats{}, err
	}
	return domain.DropStats{
		DropID:           d.ID,
		Status:           d.Status,
		TotalStock:       d.TotalStock,
		ClaimedCount:     d.ClaimedCount,
		Remaining:        d.Remaining(),
		WaitingCount:     waiting,
		ClaimWindowStart: d.ClaimWindowStart,
		ClaimWindowEnd:   d.ClaimWindowEnd,
		WindowOpen:       d.WindowOpen(s.clock.Now()),
	}, nil
}

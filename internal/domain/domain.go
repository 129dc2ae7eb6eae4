package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type DropStatus string

const (
	DropActive    DropStatus = "active"
	DropCompleted DropStatus = "completed"
	DropCancelled DropStatus = "cancelled"
)

func (s DropStatus) Valid() bool {
	switch s {
	case DropActive, DropCompleted, DropCancelled:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryWaiting EntryStatus = "waiting"
	EntryClaimed EntryStatus = "claimed"
	EntryExpired EntryStatus = "expired"
)

// Drop is the locally stored snapshot of an externally owned drop.
// Only ClaimedCount is written by this service.
type Drop struct {
	ID               uuid.UUID
	Name             string
	TotalStock       int
	ClaimedCount     int
	ClaimWindowStart time.Time
	ClaimWindowEnd   time.Time
	Status           DropStatus
	UpdatedAt        time.Time
}

// WindowOpen reports whether now lies in [start, end], both ends inclusive.
func (d Drop) WindowOpen(now time.Time) bool {
	return !now.Before(d.ClaimWindowStart) && !now.After(d.ClaimWindowEnd)
}

func (d Drop) Remaining() int {
	if d.ClaimedCount >= d.TotalStock {
		return 0
	}
	return d.TotalStock - d.ClaimedCount
}

// DropPatch is a catalog update. Nil fields keep their stored value; a new
// drop needs TotalStock and both window bounds.
type DropPatch struct {
	ID               uuid.UUID
	Name             *string
	TotalStock       *int
	ClaimWindowStart *time.Time
	ClaimWindowEnd   *time.Time
	Status           *DropStatus
}

type WaitlistEntry struct {
	ID     uuid.UUID
	DropID uuid.UUID
	UserID uuid.UUID

	// Seq is assigned by storage on insert and breaks score ties.
	Seq int64

	PriorityScore     float64
	SignupLatencyMs   int
	AccountAgeDays    int
	RapidActionsCount int

	Status    EntryStatus
	ClaimedAt *time.Time
	CreatedAt time.Time
}

type ClaimCode struct {
	ID         uuid.UUID
	Code       string
	WaitlistID uuid.UUID
	ExpiresAt  time.Time
	IsUsed     bool
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// InsertResult reports the outcome of an idempotent insert. Created=false
// means a row for the same (drop, user) already existed and Entry is that row.
type InsertResult struct {
	Entry   WaitlistEntry
	Created bool
}

// RankCursor is the keyset position in (priority_score ASC, seq ASC) order.
type RankCursor struct {
	Score float64
	Seq   int64
}

type DropStats struct {
	DropID           uuid.UUID  `json:"drop_id"`
	Status           DropStatus `json:"status"`
	TotalStock       int        `json:"total_stock"`
	ClaimedCount     int        `json:"claimed_count"`
	Remaining        int        `json:"remaining"`
	WaitingCount     int        `json:"waiting_count"`
	ClaimWindowStart time.Time  `json:"claim_window_start"`
	ClaimWindowEnd   time.Time  `json:"claim_window_end"`
	WindowOpen       bool       `json:"window_open"`
}

// EntryTx is a unit of work holding an exclusive lock on one waitlist entry.
type EntryTx interface {
	Entry() WaitlistEntry
	// Delete removes the entry and records a drop.waitlist.left event.
	Delete(ctx context.Context) error
}

// DropTx is a unit of work holding the exclusive per-drop lock. It is only
// valid inside WithDropLock; nothing is visible to others until fn returns nil.
type DropTx interface {
	Drop() Drop
	LockEntry(ctx context.Context, userID uuid.UUID) (WaitlistEntry, error)
	ClaimCode(ctx context.Context, entryID uuid.UUID) (ClaimCode, error)
	MarkClaimed(ctx context.Context, entryID uuid.UUID, at time.Time) error
	// InsertClaimCode returns inserted=false when the code collides with an
	// existing one; the transaction stays usable. A successful insert also
	// records a drop.claimed event.
	InsertClaimCode(ctx context.Context, code ClaimCode) (bool, error)
	IncrementClaimed(ctx context.Context) error
}

// WaitlistStore is the transactional storage the admission and claim flows run on.
type WaitlistStore interface {
	GetDrop(ctx context.Context, dropID uuid.UUID) (Drop, error)
	GetEntry(ctx context.Context, dropID, userID uuid.UUID) (WaitlistEntry, error)

	// InsertEntry inserts atomically; a (drop, user) uniqueness conflict is
	// reported through InsertResult, not as an error. New rows record a
	// drop.waitlist.joined event.
	InsertEntry(ctx context.Context, traceID string, e WaitlistEntry) (InsertResult, error)

	// CountAhead counts WAITING entries of the drop with a strictly lower score.
	CountAhead(ctx context.Context, dropID uuid.UUID, score float64) (int, error)
	CountWaiting(ctx context.Context, dropID uuid.UUID) (int, error)

	WithEntryLock(ctx context.Context, traceID string, dropID, userID uuid.UUID, fn func(tx EntryTx) error) error
	WithDropLock(ctx context.Context, traceID string, dropID uuid.UUID, fn func(tx DropTx) error) error

	GetClaimCode(ctx context.Context, entryID uuid.UUID) (ClaimCode, error)
	ListWaitlist(ctx context.Context, dropID uuid.UUID, limit int, cursor *RankCursor) ([]WaitlistEntry, *RankCursor, error)
}

// ActionTracker keeps the per (drop, user) join/leave history used for the
// rapid-action signal.
type ActionTracker interface {
	Record(ctx context.Context, dropID, userID uuid.UUID, at time.Time) error
	CountSince(ctx context.Context, dropID, userID uuid.UUID, since time.Time) (int, error)
}

// AccountDirectory exposes the identity service's account creation time.
type AccountDirectory interface {
	AccountCreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, error)
}

type CacheRepository interface {
	GetDropStatus(ctx context.Context, dropID uuid.UUID) (DropStatus, error)
	SetDropStatus(ctx context.Context, dropID uuid.UUID, status DropStatus) error

	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

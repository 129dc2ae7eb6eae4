package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionTracker keeps join/leave timestamps per (drop, user) in process.
// Keys whose whole history aged out are swept at most once per retain period.
type ActionTracker struct {
	mu        sync.Mutex
	actions   map[entryKey][]time.Time
	retain    time.Duration
	lastSweep time.Time
}

// NewActionTracker drops history older than retain on every write.
func NewActionTracker(retain time.Duration) *ActionTracker {
	return &ActionTracker{actions: make(map[entryKey][]time.Time), retain: retain}
}

func (a *ActionTracker) Record(ctx context.Context, dropID, userID uuid.UUID, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := entryKey{dropID, userID}
	cutoff := at.Add(-a.retain)
	a.actions[k] = append(trim(a.actions[k], cutoff), at)

	if at.Sub(a.lastSweep) >= a.retain {
		a.sweep(cutoff)
		a.lastSweep = at
	}
	return nil
}

// sweep trims every key and deletes the ones left empty.
func (a *ActionTracker) sweep(cutoff time.Time) {
	for k, ts := range a.actions {
		if kept := trim(ts, cutoff); len(kept) > 0 {
			a.actions[k] = kept
		} else {
			delete(a.actions, k)
		}
	}
}

func trim(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
)

// Accounts is an AccountDirectory backed by a map, for tests.
type Accounts struct {
	mu      sync.RWMutex
	created map[uuid.UUID]time.Time
}

func NewAccounts() *Accounts {
	return &Accounts{created: make(map[uuid.UUID]time.Time)}
}

func (a *Accounts) Put(userID uuid.UUID, createdAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created[userID] = createdAt
}

func (a *Accounts) AccountCreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.created[userID]
	if !ok {
		return time.Time{}, domain.ErrUnauthenticated
	}
	return t, nil
}

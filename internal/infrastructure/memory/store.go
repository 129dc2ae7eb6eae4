package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
)

// Event is an outbox row as the memory store records it.
type Event struct {
	RoutingKey string
	TraceID    string
	Payload    any
}

type entryKey struct {
	dropID uuid.UUID
	userID uuid.UUID
}

// Store is an in-process WaitlistStore. Each drop has a one-slot semaphore
// standing in for the row lock; writes made inside a lock scope are staged
// and applied only when fn returns nil.
type Store struct {
	mu        sync.RWMutex
	drops     map[uuid.UUID]domain.Drop
	entries   map[entryKey]domain.WaitlistEntry
	codes     map[uuid.UUID]domain.ClaimCode // by waitlist entry id
	codeIndex map[string]uuid.UUID
	seq       int64
	events    []Event

	locksMu sync.Mutex
	locks   map[uuid.UUID]chan struct{}
}

func NewStore() *Store {
	return &Store{
		drops:     make(map[uuid.UUID]domain.Drop),
		entries:   make(map[entryKey]domain.WaitlistEntry),
		codes:     make(map[uuid.UUID]domain.ClaimCode),
		codeIndex: make(map[string]uuid.UUID),
		locks:     make(map[uuid.UUID]chan struct{}),
	}
}

// PutDrop inserts or replaces a drop definition.
func (s *Store) PutDrop(d domain.Drop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops[d.ID] = d
}

// Events returns a copy of the recorded outbox events.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Store) GetDrop(ctx context.Context, dropID uuid.UUID) (domain.Drop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drops[dropID]
	if !ok {
		return domain.Drop{}, domain.ErrDropNotFound
	}
	return d, nil
}

func (s *Store) GetEntry(ctx context.Context, dropID, userID uuid.UUID) (domain.WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryKey{dropID, userID}]
	if !ok {
		return domain.WaitlistEntry{}, domain.ErrEntryNotFound
	}
	return e, nil
}

func (s *Store) InsertEntry(ctx context.Context, traceID string, e domain.WaitlistEntry) (domain.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.InsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{e.DropID, e.UserID}
	if existing, ok := s.entries[k]; ok {
		return domain.InsertResult{Entry: existing, Created: false}, nil
	}

	s.seq++
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.EntryWaiting
	}
	e.Seq = s.seq
	s.entries[k] = e

	s.events = append(s.events, Event{
		RoutingKey: event.RKWaitlistJoined,
		TraceID:    traceID,
		Payload: event.WaitlistJoinedPayload{
			DropID: e.DropID, UserID: e.UserID, EntryID: e.ID, PriorityScore: e.PriorityScore,
		},
	})
	return domain.InsertResult{Entry: e, Created: true}, nil
}

func (s *Store) CountAhead(ctx context.Context, dropID uuid.UUID, score float64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, e := range s.entries {
		if k.dropID == dropID && e.Status == domain.EntryWaiting && e.PriorityScore < score {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountWaiting(ctx context.Context, dropID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, e := range s.entries {
		if k.dropID == dropID && e.Status == domain.EntryWaiting {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetClaimCode(ctx context.Context, entryID uuid.UUID) (domain.ClaimCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[entryID]
	if !ok {
		return domain.ClaimCode{}, domain.ErrClaimCodeNotFound
	}
	return c, nil
}

func (s *Store) ListWaitlist(ctx context.Context, dropID uuid.UUID, limit int, cursor *domain.RankCursor) ([]domain.WaitlistEntry, *domain.RankCursor, error) {
	if limit <= 0 {
		limit = 1
	}

	s.mu.RLock()
	all := make([]domain.WaitlistEntry, 0)
	for k, e := range s.entries {
		if k.dropID == dropID {
			all = append(all, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return rankLess(all[i], all[j]) })

	out := make([]domain.WaitlistEntry, 0, limit)
	for _, e := range all {
		if cursor != nil && !afterCursor(e, *cursor) {
			continue
		}
		if len(out) == limit {
			last := out[len(out)-1]
			return out, &domain.RankCursor{Score: last.PriorityScore, Seq: last.Seq}, nil
		}
		out = append(out, e)
	}
	return out, nil, nil
}

func rankLess(a, b domain.WaitlistEntry) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore < b.PriorityScore
	}
	return a.Seq < b.Seq
}

func afterCursor(e domain.WaitlistEntry, c domain.RankCursor) bool {
	return e.PriorityScore > c.Score || (e.PriorityScore == c.Score && e.Seq > c.Seq)
}

// lock acquires the drop's semaphore, giving up when ctx ends.
func (s *Store) lock(ctx context.Context, dropID uuid.UUID) (func(), error) {
	s.locksMu.Lock()
	ch, ok := s.locks[dropID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[dropID] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, domain.Transient(ctx.Err())
	}
}

func (s *Store) WithEntryLock(ctx context.Context, traceID string, dropID, userID uuid.UUID, fn func(tx domain.EntryTx) error) error {
	unlock, err := s.lock(ctx, dropID)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.GetEntry(ctx, dropID, userID)
	if err != nil {
		return err
	}

	tx := &entryTx{entry: e}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.deleted {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryKey{dropID, userID})
	s.events = append(s.events, Event{
		RoutingKey: event.RKWaitlistLeft,
		TraceID:    traceID,
		Payload:    event.WaitlistLeftPayload{DropID: dropID, UserID: userID, EntryID: e.ID},
	})
	return nil
}

type entryTx struct {
	entry   domain.WaitlistEntry
	deleted bool
}

func (t *entryTx) Entry() domain.WaitlistEntry { return t.entry }

func (t *entryTx) Delete(ctx context.Context) error {
	t.deleted = true
	return nil
}

func (s *Store) WithDropLock(ctx context.Context, traceID string, dropID uuid.UUID, fn func(tx domain.DropTx) error) error {
	unlock, err := s.lock(ctx, dropID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.GetDrop(ctx, dropID)
	if err != nil {
		return err
	}

	tx := &dropTx{
		store:   s,
		traceID: traceID,
		drop:    d,
		claimed: make(map[uuid.UUID]time.Time),
	}
	if err := fn(tx); err != nil {
		return err
	}
	// a caller that went away mid-claim must not see its writes applied
	if err := ctx.Err(); err != nil {
		return domain.Transient(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if at, ok := tx.claimed[e.ID]; ok && k.dropID == dropID {
			e.Status = domain.EntryClaimed
			claimedAt := at
			e.ClaimedAt = &claimedAt
			s.entries[k] = e
		}
	}
	for _, c := range tx.codes {
		s.codes[c.WaitlistID] = c
		s.codeIndex[c.Code] = c.WaitlistID
	}
	cur := s.drops[dropID]
	cur.ClaimedCount += tx.increments
	s.drops[dropID] = cur
	s.events = append(s.events, tx.events...)
	return nil
}

type dropTx struct {
	store   *Store
	traceID string
	drop    domain.Drop

	claimed    map[uuid.UUID]time.Time
	codes      []domain.ClaimCode
	increments int
	events     []Event
}

func (t *dropTx) Drop() domain.Drop { return t.drop }

func (t *dropTx) LockEntry(ctx context.Context, userID uuid.UUID) (domain.WaitlistEntry, error) {
	e, err := t.store.GetEntry(ctx, t.drop.ID, userID)
	if err != nil {
		return domain.WaitlistEntry{}, err
	}
	if at, ok := t.claimed[e.ID]; ok {
		e.Status = domain.EntryClaimed
		e.ClaimedAt = &at
	}
	return e, nil
}

func (t *dropTx) ClaimCode(ctx context.Context, entryID uuid.UUID) (domain.ClaimCode, error) {
	for _, c := range t.codes {
		if c.WaitlistID == entryID {
			return c, nil
		}
	}
	return t.store.GetClaimCode(ctx, entryID)
}

func (t *dropTx) MarkClaimed(ctx context.Context, entryID uuid.UUID, at time.Time) error {
	t.claimed[entryID] = at
	return nil
}

func (t *dropTx) InsertClaimCode(ctx context.Context, code domain.ClaimCode) (bool, error) {
	t.store.mu.RLock()
	_, taken := t.store.codeIndex[code.Code]
	t.store.mu.RUnlock()
	if taken {
		return false, nil
	}
	for _, c := range t.codes {
		if c.Code == code.Code {
			return false, nil
		}
	}

	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}
	t.codes = append(t.codes, code)

	var userID uuid.UUID
	t.store.mu.RLock()
	for k, e := range t.store.entries {
		if e.ID == code.WaitlistID {
			userID = k.userID
			break
		}
	}
	t.store.mu.RUnlock()

	t.events = append(t.events, Event{
		RoutingKey: event.RKDropClaimed,
		TraceID:    t.traceID,
		Payload: event.DropClaimedPayload{
			DropID: t.drop.ID, UserID: userID, EntryID: code.WaitlistID, ExpiresAt: code.ExpiresAt,
		},
	})
	return true, nil
}

func (t *dropTx) IncrementClaimed(ctx context.Context) error {
	t.increments++
	return nil
}

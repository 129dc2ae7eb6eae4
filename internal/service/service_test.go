package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/memory"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// 1_700_000_003_456 ms: base term 3456, sub-second part 456 (456 % 8 == 0).
var t0 = time.UnixMilli(1_700_000_003_456).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type MockTracker struct{ mock.Mock }

func (m *MockTracker) Record(ctx context.Context, d, u uuid.UUID, at time.Time) error {
	return m.Called(ctx, d, u, at).Error(0)
}

func (m *MockTracker) CountSince(ctx context.Context, d, u uuid.UUID, since time.Time) (int, error) {
	args := m.Called(ctx, d, u, since)
	return args.Int(0), args.Error(1)
}

type MockCache struct{ mock.Mock }

func (m *MockCache) GetDropStatus(ctx context.Context, id uuid.UUID) (domain.DropStatus, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.DropStatus), args.Error(1)
}

func (m *MockCache) SetDropStatus(ctx context.Context, id uuid.UUID, st domain.DropStatus) error {
	return m.Called(ctx, id, st).Error(0)
}

func (m *MockCache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

// scriptedIssuer hands out codes in order, then falls back to random ones.
type scriptedIssuer struct {
	mu    sync.Mutex
	codes []string
	next  service.CodeIssuer
}

func (s *scriptedIssuer) Issue() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return s.next.Issue()
	}
	c := s.codes[0]
	s.codes = s.codes[1:]
	return c, nil
}

type fixture struct {
	svc      *service.DropService
	store    *memory.Store
	accounts *memory.Accounts
	clock    *fakeClock
	drop     domain.Drop
}

type fixtureOpt func(*service.Deps)

func newFixture(t *testing.T, stock int, opts ...fixtureOpt) *fixture {
	t.Helper()

	store := memory.NewStore()
	accounts := memory.NewAccounts()
	clock := &fakeClock{now: t0}

	drop := domain.Drop{
		ID:               uuid.New(),
		Name:             "limited sneaker",
		TotalStock:       stock,
		ClaimWindowStart: t0.Add(-time.Minute),
		ClaimWindowEnd:   t0.Add(time.Hour),
		Status:           domain.DropActive,
	}
	store.PutDrop(drop)

	deps := service.Deps{
		Store:    store,
		Actions:  memory.NewActionTracker(time.Minute),
		Accounts: accounts,
		Codes:    security.NewCodeIssuer("DROPSPOT-", 9),
		Clock:    clock,
	}
	for _, o := range opts {
		o(&deps)
	}

	return &fixture{
		svc:      service.NewDropService(deps, service.DefaultOptions()),
		store:    store,
		accounts: accounts,
		clock:    clock,
		drop:     drop,
	}
}

// user registers an account created ageDays before t0.
func (f *fixture) user(ageDays int) uuid.UUID {
	id := uuid.New()
	f.accounts.Put(id, t0.Add(-time.Duration(ageDays)*24*time.Hour))
	return id
}

func (f *fixture) joined(t *testing.T, ageDays int) uuid.UUID {
	t.Helper()
	id := f.user(ageDays)
	_, err := f.svc.Join(context.Background(), f.drop.ID, id, nil)
	require.NoError(t, err)
	return id
}

func (f *fixture) claimedCount(t *testing.T) int {
	t.Helper()
	d, err := f.store.GetDrop(context.Background(), f.drop.ID)
	require.NoError(t, err)
	return d.ClaimedCount
}

// --- join -----------------------------------------------------------------

func TestJoin_ScoreAndPosition(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// 40 days -> 40 % 15 = 10
	u1 := f.user(40)
	res, err := f.svc.Join(ctx, f.drop.ID, u1, nil)
	require.NoError(t, err)
	assert.Equal(t, 3466.0, res.PriorityScore)
	assert.Equal(t, 1, res.Position)

	// 3 days -> 3; lower score, goes in front
	u2 := f.user(3)
	res, err = f.svc.Join(ctx, f.drop.ID, u2, nil)
	require.NoError(t, err)
	assert.Equal(t, 3459.0, res.PriorityScore)
	assert.Equal(t, 1, res.Position)

	me, err := f.svc.MyEntry(ctx, f.drop.ID, u1)
	require.NoError(t, err)
	assert.Equal(t, 2, me.Position)
	assert.Equal(t, domain.EntryWaiting, me.Status)
}

func TestJoin_ClientLatencyClamped(t *testing.T) {
	f := newFixture(t, 1)
	u := f.user(0)

	// a forged timestamp far in the past clamps at 9999 -> 9999 % 8 = 7
	forged := t0.UnixMilli() - 1_000_000
	res, err := f.svc.Join(context.Background(), f.drop.ID, u, &forged)
	require.NoError(t, err)
	assert.Equal(t, 3456.0+7, res.PriorityScore)
}

func TestJoin_AlreadyJoinedReportsPosition(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.joined(t, 1)
	u := f.joined(t, 40)

	_, err := f.svc.Join(ctx, f.drop.ID, u, nil)
	require.ErrorIs(t, err, domain.ErrAlreadyJoined)

	var aj *domain.AlreadyJoinedError
	require.ErrorAs(t, err, &aj)
	assert.Equal(t, 2, aj.Position)
	assert.Equal(t, 3466.0, aj.PriorityScore)

	// same answer every time, still one entry
	_, err2 := f.svc.Join(ctx, f.drop.ID, u, nil)
	assert.Equal(t, err.Error(), err2.Error())
	stats, err := f.svc.Stats(ctx, f.drop.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.WaitingCount)
}

func TestJoin_DropChecks(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	u := f.user(1)

	_, err := f.svc.Join(ctx, uuid.New(), u, nil)
	assert.ErrorIs(t, err, domain.ErrDropNotFound)

	closed := f.drop
	closed.ID = uuid.New()
	closed.Status = domain.DropCancelled
	f.store.PutDrop(closed)
	_, err = f.svc.Join(ctx, closed.ID, u, nil)
	assert.ErrorIs(t, err, domain.ErrDropNotActive)
}

func TestJoin_UnknownAccount(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.Join(context.Background(), f.drop.ID, uuid.New(), nil)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestJoin_CachedInactiveStatusShortCircuits(t *testing.T) {
	cache := new(MockCache)
	f := newFixture(t, 1, func(d *service.Deps) { d.Cache = cache })
	cache.On("GetDropStatus", mock.Anything, f.drop.ID).Return(domain.DropCompleted, nil).Once()

	_, err := f.svc.Join(context.Background(), f.drop.ID, f.user(1), nil)
	assert.ErrorIs(t, err, domain.ErrDropNotActive)
	cache.AssertExpectations(t)
	cache.AssertNotCalled(t, "SetDropStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestJoin_CacheMissPopulates(t *testing.T) {
	cache := new(MockCache)
	f := newFixture(t, 1, func(d *service.Deps) { d.Cache = cache })
	cache.On("GetDropStatus", mock.Anything, f.drop.ID).Return(domain.DropStatus(""), domain.ErrCacheMiss).Once()
	cache.On("SetDropStatus", mock.Anything, f.drop.ID, domain.DropActive).Return(nil).Once()

	_, err := f.svc.Join(context.Background(), f.drop.ID, f.user(1), nil)
	require.NoError(t, err)
	cache.AssertExpectations(t)
}

func TestJoin_TrackerFailureFailsOpen(t *testing.T) {
	tracker := new(MockTracker)
	f := newFixture(t, 1, func(d *service.Deps) { d.Actions = tracker })
	tracker.On("CountSince", mock.Anything, f.drop.ID, mock.Anything, t0.Add(-time.Minute)).
		Return(0, errors.New("redis down")).Once()
	tracker.On("Record", mock.Anything, f.drop.ID, mock.Anything, t0).
		Return(errors.New("redis down")).Once()

	res, err := f.svc.Join(context.Background(), f.drop.ID, f.user(40), nil)
	require.NoError(t, err)
	assert.Equal(t, 3466.0, res.PriorityScore)
	tracker.AssertExpectations(t)
}

func TestJoin_LeaveRejoinCarriesRapidPenalty(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	u := f.user(40)

	first, err := f.svc.Join(ctx, f.drop.ID, u, nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Leave(ctx, f.drop.ID, u))

	// two actions in the window: 2 % 5 = 2 off the score
	second, err := f.svc.Join(ctx, f.drop.ID, u, nil)
	require.NoError(t, err)
	assert.Equal(t, first.PriorityScore-2, second.PriorityScore)
	assert.Equal(t, 1, second.Position)

	e, err := f.store.GetEntry(ctx, f.drop.ID, u)
	require.NoError(t, err)
	assert.Equal(t, 2, e.RapidActionsCount)

	// outside the window the history no longer counts
	require.NoError(t, f.svc.Leave(ctx, f.drop.ID, u))
	f.clock.Set(t0.Add(2 * time.Minute))
	third, err := f.svc.Join(ctx, f.drop.ID, u, nil)
	require.NoError(t, err)
	e, _ = f.store.GetEntry(ctx, f.drop.ID, u)
	assert.Zero(t, e.RapidActionsCount)
	assert.NotZero(t, third.PriorityScore)
}

func TestJoin_ConcurrentSameUserOneEntry(t *testing.T) {
	f := newFixture(t, 1)
	u := f.user(10)

	var ok, dup atomic.Int32
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := f.svc.Join(context.Background(), f.drop.ID, u, nil)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrAlreadyJoined):
				dup.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(24), dup.Load())
	stats, _ := f.svc.Stats(context.Background(), f.drop.ID)
	assert.Equal(t, 1, stats.WaitingCount)
}

// --- leave ----------------------------------------------------------------

func TestLeave(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Leave(ctx, f.drop.ID, uuid.New()), domain.ErrNotJoined)

	u := f.joined(t, 5)
	require.NoError(t, f.svc.Leave(ctx, f.drop.ID, u))
	assert.ErrorIs(t, f.svc.Leave(ctx, f.drop.ID, u), domain.ErrNotJoined)

	_, err := f.svc.MyEntry(ctx, f.drop.ID, u)
	assert.ErrorIs(t, err, domain.ErrNotJoined)
}

func TestLeave_AfterClaimRejected(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	u := f.joined(t, 5)
	_, err := f.svc.Claim(ctx, f.drop.ID, u)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Leave(ctx, f.drop.ID, u), domain.ErrCannotLeaveAfterClaim)
	e, err := f.store.GetEntry(ctx, f.drop.ID, u)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryClaimed, e.Status)
}

func TestLeave_DoesNotTouchOtherScores(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	a := f.joined(t, 1)
	b := f.joined(t, 2)
	c := f.joined(t, 3)

	before, _ := f.store.GetEntry(ctx, f.drop.ID, c)
	require.NoError(t, f.svc.Leave(ctx, f.drop.ID, a))
	after, _ := f.store.GetEntry(ctx, f.drop.ID, c)
	assert.Equal(t, before.PriorityScore, after.PriorityScore)

	me, err := f.svc.MyEntry(ctx, f.drop.ID, c)
	require.NoError(t, err)
	assert.Equal(t, 2, me.Position)
	_ = b
}

// --- claim ----------------------------------------------------------------

func TestClaim_StockTwoThreeUsers(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	a, b, c := f.joined(t, 1), f.joined(t, 2), f.joined(t, 3)

	ra, err := f.svc.Claim(ctx, f.drop.ID, a)
	require.NoError(t, err)
	assert.Regexp(t, `^DROPSPOT-[A-Z0-9]{9}$`, ra.ClaimCode)
	assert.Equal(t, t0.Add(24*time.Hour), ra.ExpiresAt)

	_, err = f.svc.Claim(ctx, f.drop.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 2, f.claimedCount(t))

	_, err = f.svc.Claim(ctx, f.drop.ID, c)
	assert.ErrorIs(t, err, domain.ErrOutOfStock)
	assert.Equal(t, 2, f.claimedCount(t))

	e, _ := f.store.GetEntry(ctx, f.drop.ID, c)
	assert.Equal(t, domain.EntryWaiting, e.Status)
}

func TestClaim_Idempotent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	u := f.joined(t, 1)

	first, err := f.svc.Claim(ctx, f.drop.ID, u)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	f.clock.Set(t0.Add(10 * time.Minute))
	second, err := f.svc.Claim(ctx, f.drop.ID, u)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ClaimCode, second.ClaimCode)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)
	assert.Equal(t, 1, f.claimedCount(t))

	me, err := f.svc.MyEntry(ctx, f.drop.ID, u)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryClaimed, me.Status)
	assert.Equal(t, first.ClaimCode, me.ClaimCode)
	require.NotNil(t, me.ClaimedAt)
	assert.Equal(t, t0, *me.ClaimedAt)
	assert.Zero(t, me.Position)
}

func TestClaim_ConcurrentRepeatsIssueOnce(t *testing.T) {
	f := newFixture(t, 5)
	u := f.joined(t, 1)

	codes := make([]string, 20)
	var g errgroup.Group
	for i := range codes {
		g.Go(func() error {
			res, err := f.svc.Claim(context.Background(), f.drop.ID, u)
			codes[i] = res.ClaimCode
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, c := range codes {
		assert.Equal(t, codes[0], c)
	}
	assert.Equal(t, 1, f.claimedCount(t))
}

func TestClaim_Window(t *testing.T) {
	tests := []struct {
		name string
		at   func(d domain.Drop) time.Time
		ok   bool
	}{
		{"before start", func(d domain.Drop) time.Time { return d.ClaimWindowStart.Add(-time.Millisecond) }, false},
		{"at start", func(d domain.Drop) time.Time { return d.ClaimWindowStart }, true},
		{"at end", func(d domain.Drop) time.Time { return d.ClaimWindowEnd }, true},
		{"after end", func(d domain.Drop) time.Time { return d.ClaimWindowEnd.Add(time.Millisecond) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			u := f.joined(t, 1)
			f.clock.Set(tt.at(f.drop))

			_, err := f.svc.Claim(context.Background(), f.drop.ID, u)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, 1, f.claimedCount(t))
				return
			}
			assert.ErrorIs(t, err, domain.ErrWindowClosed)
			assert.Equal(t, 0, f.claimedCount(t))
			e, _ := f.store.GetEntry(context.Background(), f.drop.ID, u)
			assert.Equal(t, domain.EntryWaiting, e.Status)
		})
	}
}

func TestClaim_PreconditionOrder(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Claim(ctx, uuid.New(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrDropNotFound)

	// window is checked before membership
	f.clock.Set(f.drop.ClaimWindowEnd.Add(time.Second))
	_, err = f.svc.Claim(ctx, f.drop.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrWindowClosed)

	f.clock.Set(t0)
	_, err = f.svc.Claim(ctx, f.drop.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotInWaitlist)
}

func TestClaim_ConcurrentRaceNeverOversells(t *testing.T) {
	const stock, users = 10, 60
	f := newFixture(t, stock)

	ids := make([]uuid.UUID, users)
	for i := range ids {
		ids[i] = f.joined(t, i)
	}

	var ok, sold atomic.Int32
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := f.svc.Claim(context.Background(), f.drop.ID, id)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				sold.Add(1)
			default:
				return fmt.Errorf("unexpected: %w", err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(stock), ok.Load())
	assert.Equal(t, int32(users-stock), sold.Load())
	assert.Equal(t, stock, f.claimedCount(t))

	entries, _, err := f.store.ListWaitlist(context.Background(), f.drop.ID, users, nil)
	require.NoError(t, err)
	claimed, codes := 0, map[string]struct{}{}
	for _, e := range entries {
		if e.Status == domain.EntryClaimed {
			claimed++
			c, err := f.store.GetClaimCode(context.Background(), e.ID)
			require.NoError(t, err)
			codes[c.Code] = struct{}{}
		}
	}
	assert.Equal(t, stock, claimed)
	assert.Len(t, codes, stock)
}

func TestClaim_CodeCollisionRetriedOnce(t *testing.T) {
	issuer := &scriptedIssuer{
		codes: []string{"DROPSPOT-AAAAAAAAA", "DROPSPOT-AAAAAAAAA", "DROPSPOT-BBBBBBBBB"},
		next:  security.NewCodeIssuer("DROPSPOT-", 9),
	}
	f := newFixture(t, 2, func(d *service.Deps) { d.Codes = issuer })
	ctx := context.Background()
	a, b := f.joined(t, 1), f.joined(t, 2)

	ra, err := f.svc.Claim(ctx, f.drop.ID, a)
	require.NoError(t, err)
	assert.Equal(t, "DROPSPOT-AAAAAAAAA", ra.ClaimCode)

	rb, err := f.svc.Claim(ctx, f.drop.ID, b)
	require.NoError(t, err)
	assert.Equal(t, "DROPSPOT-BBBBBBBBB", rb.ClaimCode)
	assert.Equal(t, 2, f.claimedCount(t))
}

func TestClaim_CodeCollisionTwiceRollsBack(t *testing.T) {
	issuer := &scriptedIssuer{
		codes: []string{"DROPSPOT-AAAAAAAAA", "DROPSPOT-AAAAAAAAA", "DROPSPOT-AAAAAAAAA"},
		next:  security.NewCodeIssuer("DROPSPOT-", 9),
	}
	f := newFixture(t, 2, func(d *service.Deps) { d.Codes = issuer })
	ctx := context.Background()
	a, b := f.joined(t, 1), f.joined(t, 2)

	_, err := f.svc.Claim(ctx, f.drop.ID, a)
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, f.drop.ID, b)
	assert.ErrorIs(t, err, domain.ErrCodeSpaceExhausted)
	assert.Equal(t, 1, f.claimedCount(t))
	e, _ := f.store.GetEntry(ctx, f.drop.ID, b)
	assert.Equal(t, domain.EntryWaiting, e.Status)

	// nothing half-applied: the next attempt draws a fresh code and succeeds
	_, err = f.svc.Claim(ctx, f.drop.ID, b)
	require.NoError(t, err)
}

func TestClaim_CanceledContextAppliesNothing(t *testing.T) {
	f := newFixture(t, 1)
	u := f.joined(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Claim(ctx, f.drop.ID, u)
	require.Error(t, err)
	assert.Equal(t, 0, f.claimedCount(t))
}

// --- reads ----------------------------------------------------------------

func TestStatsAndList(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	a := f.joined(t, 1)
	f.joined(t, 2)
	f.joined(t, 3)
	_, err := f.svc.Claim(ctx, f.drop.ID, a)
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx, f.drop.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalStock)
	assert.Equal(t, 1, st.ClaimedCount)
	assert.Equal(t, 2, st.Remaining)
	assert.Equal(t, 2, st.WaitingCount)
	assert.True(t, st.WindowOpen)

	page, next, err := f.svc.ListWaitlist(ctx, f.drop.ID, 2, nil)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotNil(t, next)
	rest, next, err := f.svc.ListWaitlist(ctx, f.drop.ID, 2, next)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.Nil(t, next)

	_, _, err = f.svc.ListWaitlist(ctx, uuid.New(), 10, nil)
	assert.ErrorIs(t, err, domain.ErrDropNotFound)
}

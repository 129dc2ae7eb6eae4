package rest

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserLimiter is a token bucket per authenticated user. It throttles claim
// bursts from one account before they queue on the drop lock.
type UserLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewUserLimiter(rps float64, burst int) *UserLimiter {
	if burst < 1 {
		burst = 1
	}
	return &UserLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
	}
}

func (l *UserLimiter) get(key string) *rate.Limiter {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if ent, ok := l.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

func (l *UserLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

func (l *UserLimiter) cleanup() {
	cutoff := time.Now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// Run evicts idle buckets until ctx ends.
func (l *UserLimiter) Run(ctx context.Context) error {
	t := time.NewTicker(2 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.cleanup()
		}
	}
}

// Throttle must run after AuthMiddleware.
func (l *UserLimiter) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := GetAuth(r.Context())
		if !ok {
			fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
			return
		}
		if !l.Allow(auth.UserID.String()) {
			w.Header().Set("Retry-After", retryAfter(time.Duration(float64(time.Second)/math.Max(float64(l.rps), 0.001))))
			fail(w, r, http.StatusTooManyRequests, "rate_limited", "too many claim attempts", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter renders d as whole seconds, at least 1.
func retryAfter(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

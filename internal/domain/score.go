package domain

import (
	"fmt"
	"time"
)

// ScoreParams are the tunable moduli of the priority formula.
// A dampens timing jitter, B caps the tenure term, C is the spam-penalty modulus.
type ScoreParams struct {
	A         int   `toml:"a"`
	B         int   `toml:"b"`
	C         int   `toml:"c"`
	BaseRange int64 `toml:"base_range"`
}

func DefaultScoreParams() ScoreParams {
	return ScoreParams{A: 8, B: 15, C: 5, BaseRange: 10000}
}

func (p ScoreParams) Validate() error {
	if p.A <= 0 || p.B <= 0 || p.C <= 0 {
		return fmt.Errorf("%w: score moduli must be positive (a=%d b=%d c=%d)", ErrInvalidDrop, p.A, p.B, p.C)
	}
	if p.BaseRange <= 0 {
		return fmt.Errorf("%w: base_range must be positive", ErrInvalidDrop)
	}
	return nil
}

// AccountAgeDays is the number of whole days between createdAt and now, never negative.
func AccountAgeDays(createdAt, now time.Time) int {
	if !now.After(createdAt) {
		return 0
	}
	return int(now.Sub(createdAt) / (24 * time.Hour))
}

// PriorityScore computes
//
//	base(now) + latency%A + ageDays%B - rapid%C
//
// Lower is better. base(now) is the epoch-millisecond clock folded into
// BaseRange; it is an offset, not a ranking signal.
func PriorityScore(p ScoreParams, accountCreatedAt time.Time, signupLatencyMs, rapidActions int, now time.Time) float64 {
	base := now.UnixMilli() % positive64(p.BaseRange)
	age := AccountAgeDays(accountCreatedAt, now)

	score := base +
		int64(nonNegative(signupLatencyMs)%positive(p.A)) +
		int64(age%positive(p.B)) -
		int64(nonNegative(rapidActions)%positive(p.C))
	return float64(score)
}

func positive(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func positive64(n int64) int64 {
	if n <= 0 {
		return 1
	}
	return n
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

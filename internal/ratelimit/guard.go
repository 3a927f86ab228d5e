package ratelimit

import (
	"context"
	"time"
)

// FailureGuard blocks keys that recorded Max failures inside Window. Unlike Handler it only counts failures,
// so well-behaved callers are never throttled.
type FailureGuard struct {
	Limiter Limiter
	Window  time.Duration
	Max     int
}

// Blocked reports whether key has exhausted its failure budget.
func (g FailureGuard) Blocked(ctx context.Context, key string) (bool, error) {
	if g.Max <= 0 {
		return false, nil
	}
	n, err := g.Limiter.Count(ctx, key, g.Window)
	if err != nil {
		return false, err
	}
	return n >= g.Max, nil
}

// Record adds one failure for key.
func (g FailureGuard) Record(ctx context.Context, key string) error {
	if g.Max <= 0 {
		return nil
	}
	_, _, _, err := g.Limiter.Allow(ctx, key, g.Window, g.Max)
	return err
}

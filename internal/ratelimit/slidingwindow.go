// Package ratelimit implements the rate/throttle engine: IP-level pre-auth
// fixed-window limiting, per-user tiered sliding-window limits (minute/hour/
// day), and the throttle queue fallback that delays rather than rejects a
// caller once limited. All state lives behind internal/counter so the engine
// is correct under both the in-process and Redis counter backends.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/doorman/gateway/internal/counter"
)

// SlidingWindow estimates request counts using the classic two-bucket
// sliding-window-counter approximation: the previous window's count is
// decayed by how far into the current window we are, and added to the
// current window's exact count.
type SlidingWindow struct {
	store counter.Store
}

// NewSlidingWindow wraps a counter.Store.
func NewSlidingWindow(s counter.Store) *SlidingWindow {
	return &SlidingWindow{store: s}
}

// Result carries the outcome of one Allow check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow increments key's current-window bucket and decides, via the
// estimated = prev_count*(1 - elapsed/window) + current_count formula,
// whether the call is within limit.
func (w *SlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	windowSeconds := int64(window / time.Second)
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	currentStart := now.Unix() / windowSeconds
	prevStart := currentStart - 1

	currentKey := bucketKey(key, currentStart)
	prevKey := bucketKey(key, prevStart)

	prevCount, err := w.store.Get(ctx, prevKey)
	if err != nil {
		return Result{}, err
	}

	// ttl covers the bucket's own window plus one extra window so it's still
	// readable as "previous" by the window that follows it.
	current, err := w.store.Incr(ctx, currentKey, 1, windowSeconds*2)
	if err != nil {
		return Result{}, err
	}

	elapsedIntoWindow := float64(now.Unix()%windowSeconds) / float64(windowSeconds)
	estimated := float64(prevCount)*(1-elapsedIntoWindow) + float64(current)

	windowEnd := time.Unix((currentStart+1)*windowSeconds, 0)
	remaining := limit - int(estimated)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   estimated <= float64(limit),
		Remaining: remaining,
		ResetAt:   windowEnd,
	}, nil
}

func bucketKey(key string, windowStart int64) string {
	return fmt.Sprintf("rl:%s:%d", key, windowStart)
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/doorman/gateway/internal/counter"
)

// FixedWindow implements the simple pre-auth, per-IP login rate limit: one
// counter per (key, window-bucket), reset entirely at each window boundary.
// It is cheaper and coarser than SlidingWindow and is used only for the
// login endpoint's IP guard, not for post-auth per-user limits.
type FixedWindow struct {
	store counter.Store
}

// NewFixedWindow wraps a counter.Store.
func NewFixedWindow(s counter.Store) *FixedWindow {
	return &FixedWindow{store: s}
}

// Allow increments the counter for key's current window and reports whether
// it is still within limit.
func (f *FixedWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	windowSeconds := int64(window / time.Second)
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	bucket := time.Now().Unix() / windowSeconds
	k := fmt.Sprintf("fw:%s:%d", key, bucket)
	count, err := f.store.Incr(ctx, k, 1, windowSeconds)
	if err != nil {
		return Result{}, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   time.Unix((bucket+1)*windowSeconds, 0),
	}, nil
}

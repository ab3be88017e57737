package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is the burst-tolerant variant used for tiered callers with a
// burst allowance: short spikes above the steady rate pass as long as the
// bucket holds tokens. In-process only — burst smoothing is a per-worker
// comfort feature; the sliding-window counters remain the shared source of
// truth across workers.
type TokenBucket struct {
	mu       sync.Mutex
	limiters map[string]*bucketEntry
	maxIdle  time.Duration
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket builds an empty bucket set.
func NewTokenBucket() *TokenBucket {
	return &TokenBucket{
		limiters: make(map[string]*bucketEntry),
		maxIdle:  time.Hour,
	}
}

// Allow reports whether one event for key passes at the given steady rate
// (events per window) with the given burst allowance.
func (b *TokenBucket) Allow(key string, limit int, window time.Duration, burst int) bool {
	if limit <= 0 {
		return true
	}
	if burst < 1 {
		burst = 1
	}
	perSecond := rate.Limit(float64(limit) / window.Seconds())

	b.mu.Lock()
	e, ok := b.limiters[key]
	if !ok || e.limiter.Limit() != perSecond || e.limiter.Burst() != burst {
		e = &bucketEntry{limiter: rate.NewLimiter(perSecond, burst)}
		b.limiters[key] = e
	}
	e.lastSeen = time.Now()
	b.mu.Unlock()

	return e.limiter.Allow()
}

// Sweep drops limiters not seen within the idle window, bounding memory for
// long-lived processes with churning keys. Called from the background tick.
func (b *TokenBucket) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, e := range b.limiters {
		if now.Sub(e.lastSeen) > b.maxIdle {
			delete(b.limiters, key)
			removed++
		}
	}
	return removed
}

// CheckBurst is the engine entry point for tiered callers whose tier has a
// burst allowance; callers without one use the sliding window alone.
func (e *Engine) CheckBurst(bucket *TokenBucket, username, apiID string, limit int, window time.Duration, burst int) bool {
	if bucket == nil || burst <= 0 {
		return true
	}
	return bucket.Allow("user:"+username+":"+apiID, limit, window, burst)
}

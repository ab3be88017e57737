package authn

import (
	"container/heap"
	"sync"
	"time"
)

// Blacklist holds revoked token IDs (jti) keyed by the token's own expiry,
// so the background purge task can evict them in one pass ordered by
// soonest-to-expire via a min-heap, rather than scanning every entry.
type Blacklist struct {
	mu    sync.Mutex
	set   map[string]time.Time
	order expiryHeap
}

// NewBlacklist returns an empty revocation list.
func NewBlacklist() *Blacklist {
	return &Blacklist{set: make(map[string]time.Time)}
}

type expiryEntry struct {
	jti     string
	expires time.Time
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expires.Before(h[j].expires) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Add blacklists jti until expiresAt.
func (b *Blacklist) Add(jti string, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.set[jti]; exists {
		return
	}
	b.set[jti] = expiresAt
	heap.Push(&b.order, expiryEntry{jti: jti, expires: expiresAt})
}

// Contains reports whether jti is currently blacklisted.
func (b *Blacklist) Contains(jti string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.set[jti]
	return ok
}

// Purge removes every entry whose token has already expired, returning the
// count removed. Intended to run on a periodic background tick.
func (b *Blacklist) Purge(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for b.order.Len() > 0 && b.order[0].expires.Before(now) {
		e := heap.Pop(&b.order).(expiryEntry)
		delete(b.set, e.jti)
		removed++
	}
	return removed
}

// Len reports the number of currently-blacklisted token IDs.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.set)
}

// Snapshot returns (jti, expiry) pairs for persistence.
func (b *Blacklist) Snapshot() map[string]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]time.Time, len(b.set))
	for k, v := range b.set {
		out[k] = v
	}
	return out
}

// Restore repopulates the blacklist from a previous Snapshot, e.g. after a
// startup restore from an encrypted snapshot file.
func (b *Blacklist) Restore(data map[string]time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set = make(map[string]time.Time, len(data))
	b.order = b.order[:0]
	for jti, exp := range data {
		b.set[jti] = exp
		heap.Push(&b.order, expiryEntry{jti: jti, expires: exp})
	}
}

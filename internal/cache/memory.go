package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// memEntry carries the stored bytes plus a per-entry deadline, since the
// underlying LRU applies one TTL to every entry and the Manager hands each
// prefix its own.
type memEntry struct {
	value   []byte
	expires time.Time
}

// MemoryBackend is the in-process cache backend: an expirable LRU with a
// size cap, per-entry TTL enforcement layered on top, and hit/miss/eviction
// counters. Safe only for a single worker process; the multi-worker gate in
// config refuses to start otherwise.
type MemoryBackend struct {
	lru       *expirable.LRU[string, memEntry]
	mu        sync.Mutex // guards DeleteByPrefix's key scan
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryBackend creates an in-memory backend. maxTTL bounds how long any
// entry can live regardless of its own TTL; entries whose per-entry TTL is
// shorter expire sooner via the deadline check in Get.
func NewMemoryBackend(maxSize int, maxTTL time.Duration) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}
	b := &MemoryBackend{maxSize: maxSize}
	b.lru = expirable.NewLRU[string, memEntry](maxSize, func(string, memEntry) {
		b.evictions.Add(1)
	}, maxTTL)
	return b
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := b.lru.Get(key)
	if !ok {
		b.misses.Add(1)
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		b.lru.Remove(key)
		b.misses.Add(1)
		return nil, false
	}
	b.hits.Add(1)
	return e.value, true
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	b.lru.Add(key, e)
}

func (b *MemoryBackend) Delete(_ context.Context, key string) {
	b.lru.Remove(key)
}

func (b *MemoryBackend) DeleteByPrefix(_ context.Context, prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range b.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			b.lru.Remove(key)
		}
	}
}

func (b *MemoryBackend) Purge(_ context.Context) {
	b.lru.Purge()
}

func (b *MemoryBackend) Stats() Stats {
	return Stats{
		Size:      b.lru.Len(),
		MaxSize:   b.maxSize,
		Hits:      b.hits.Load(),
		Misses:    b.misses.Load(),
		Evictions: b.evictions.Load(),
	}
}

// Dump returns every live entry with its remaining TTL, for the encrypted
// cache snapshot written at shutdown in MEM mode.
func (b *MemoryBackend) Dump() map[string]DumpEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	out := make(map[string]DumpEntry)
	for _, key := range b.lru.Keys() {
		e, ok := b.lru.Peek(key)
		if !ok {
			continue
		}
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		out[key] = DumpEntry{Value: e.value, Expires: e.expires}
	}
	return out
}

// Load repopulates the backend from a Dump, skipping entries that expired
// while the process was down.
func (b *MemoryBackend) Load(entries map[string]DumpEntry) {
	now := time.Now()
	for key, e := range entries {
		if !e.Expires.IsZero() && now.After(e.Expires) {
			continue
		}
		b.lru.Add(key, memEntry{value: e.Value, expires: e.Expires})
	}
}

// DumpEntry is one persisted cache entry.
type DumpEntry struct {
	Value   []byte    `json:"value"`
	Expires time.Time `json:"expires"`
}

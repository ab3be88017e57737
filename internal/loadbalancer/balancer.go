// Package loadbalancer picks which of an API's configured upstream servers
// receives the next dispatch. Round-robin is the default; a consistent-hash
// balancer pins callers with a routing client_key to a stable server. Health
// marking feeds back from the dispatcher: a connect failure marks the server
// unhealthy and the next pick skips it until it recovers.
package loadbalancer

import (
	"net/url"
	"sync"
	"sync/atomic"
)

// Backend represents one upstream server of an API.
type Backend struct {
	URL            string
	Healthy        bool
	ActiveRequests int64
	ParsedURL      *url.URL // pre-parsed to avoid per-request parsing
}

// InitParsedURL pre-parses the backend URL for the dispatch hot path.
// Errors are ignored; the dispatcher falls back to url.Parse when nil.
func (b *Backend) InitParsedURL() {
	b.ParsedURL, _ = url.Parse(b.URL)
}

// IncrActive atomically increments the active request count.
func (b *Backend) IncrActive() { atomic.AddInt64(&b.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (b *Backend) DecrActive() { atomic.AddInt64(&b.ActiveRequests, -1) }

// FromServers builds healthy backends from an API's api_servers list.
func FromServers(servers []string) []*Backend {
	out := make([]*Backend, 0, len(servers))
	for _, s := range servers {
		b := &Backend{URL: s, Healthy: true}
		b.InitParsedURL()
		out = append(out, b)
	}
	return out
}

// Balancer is the server-selection interface the dispatcher consumes.
type Balancer interface {
	// Next returns the next backend to use, or nil when none is healthy.
	Next() *Backend
	// UpdateBackends replaces the server list (e.g. after an API update).
	UpdateBackends(backends []*Backend)
	// MarkHealthy marks a backend as healthy.
	MarkHealthy(url string)
	// MarkUnhealthy marks a backend as unhealthy.
	MarkUnhealthy(url string)
	// GetBackends returns a copy of all backends.
	GetBackends() []*Backend
	// HealthyCount returns the number of healthy backends.
	HealthyCount() int
}

// baseBalancer provides backend bookkeeping shared by the implementations.
type baseBalancer struct {
	backends      []*Backend
	urlIndex      map[string]int // URL -> index for O(1) health marks
	cachedHealthy atomic.Value   // []*Backend, rebuilt on health changes
	mu            sync.RWMutex
}

// buildIndex rebuilds the URL index. Caller must hold the write lock.
func (b *baseBalancer) buildIndex() {
	b.urlIndex = make(map[string]int, len(b.backends))
	for i, backend := range b.backends {
		b.urlIndex[backend.URL] = i
	}
	b.rebuildHealthyCache()
}

// rebuildHealthyCache updates the lock-free healthy slice. Caller must hold
// the write lock.
func (b *baseBalancer) rebuildHealthyCache() {
	healthy := make([]*Backend, 0, len(b.backends))
	for _, be := range b.backends {
		if be.Healthy {
			healthy = append(healthy, be)
		}
	}
	b.cachedHealthy.Store(healthy)
}

// healthySnapshot returns the pre-computed healthy backends (lock-free).
func (b *baseBalancer) healthySnapshot() []*Backend {
	if v := b.cachedHealthy.Load(); v != nil {
		return v.([]*Backend)
	}
	return nil
}

func (b *baseBalancer) UpdateBackends(backends []*Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Preserve health status for servers that survive the update.
	if b.urlIndex != nil {
		for _, backend := range backends {
			if idx, ok := b.urlIndex[backend.URL]; ok {
				backend.Healthy = b.backends[idx].Healthy
			} else {
				backend.Healthy = true
			}
		}
	} else {
		for _, backend := range backends {
			backend.Healthy = true
		}
	}

	b.backends = backends
	b.buildIndex()
}

func (b *baseBalancer) MarkHealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.urlIndex[url]; ok {
		b.backends[idx].Healthy = true
		b.rebuildHealthyCache()
	}
}

func (b *baseBalancer) MarkUnhealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.urlIndex[url]; ok {
		b.backends[idx].Healthy = false
		b.rebuildHealthyCache()
	}
}

func (b *baseBalancer) GetBackends() []*Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]*Backend, len(b.backends))
	for i, backend := range b.backends {
		result[i] = &Backend{
			URL:            backend.URL,
			Healthy:        backend.Healthy,
			ActiveRequests: atomic.LoadInt64(&backend.ActiveRequests),
			ParsedURL:      backend.ParsedURL,
		}
	}
	return result
}

func (b *baseBalancer) HealthyCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, backend := range b.backends {
		if backend.Healthy {
			count++
		}
	}
	return count
}

package loadbalancer

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ConsistentHash is a ketama-style hash ring. Callers carrying a routing
// client_key are pinned to a stable server: adding or removing one server
// remaps only the keys that hashed to it, not the whole population.
type ConsistentHash struct {
	baseBalancer
	ring     []ringEntry
	ringMu   sync.RWMutex
	replicas int
}

type ringEntry struct {
	hash    uint64
	backend *Backend
}

// NewConsistentHash creates a consistent-hash balancer. replicas controls
// the virtual nodes per backend (0 means 150).
func NewConsistentHash(backends []*Backend, replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = 150
	}
	ch := &ConsistentHash{replicas: replicas}
	ch.backends = backends
	ch.buildIndex()
	ch.rebuildRing()
	return ch
}

func (ch *ConsistentHash) rebuildRing() {
	healthy := ch.healthySnapshot()

	ring := make([]ringEntry, 0, len(healthy)*ch.replicas)
	for _, b := range healthy {
		for i := 0; i < ch.replicas; i++ {
			h := xxhash.Sum64String(b.URL + "#" + strconv.Itoa(i))
			ring = append(ring, ringEntry{hash: h, backend: b})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	ch.ringMu.Lock()
	ch.ring = ring
	ch.ringMu.Unlock()
}

// Pick returns the backend owning key's position on the ring.
func (ch *ConsistentHash) Pick(key string) *Backend {
	ch.ringMu.RLock()
	ring := ch.ring
	ch.ringMu.RUnlock()

	if len(ring) == 0 {
		return nil
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx == len(ring) {
		idx = 0
	}
	return ring[idx].backend
}

// Next falls back to the first ring entry for callers without a key.
func (ch *ConsistentHash) Next() *Backend {
	ch.ringMu.RLock()
	defer ch.ringMu.RUnlock()
	if len(ch.ring) == 0 {
		return nil
	}
	return ch.ring[0].backend
}

// UpdateBackends replaces the server list and rebuilds the ring.
func (ch *ConsistentHash) UpdateBackends(backends []*Backend) {
	ch.baseBalancer.UpdateBackends(backends)
	ch.rebuildRing()
}

// MarkHealthy restores a server to the ring.
func (ch *ConsistentHash) MarkHealthy(url string) {
	ch.baseBalancer.MarkHealthy(url)
	ch.rebuildRing()
}

// MarkUnhealthy removes a server from the ring.
func (ch *ConsistentHash) MarkUnhealthy(url string) {
	ch.baseBalancer.MarkUnhealthy(url)
	ch.rebuildRing()
}

// Package metrics implements the gateway's in-memory request metrics: a ring
// of one-minute buckets updated in O(1) per request, rolled up into 5-minute,
// hourly, and daily bands by a background task, and queried through a
// range-snapshot API with percentile estimates from a bounded latency
// reservoir. A Prometheus registry mirrors the counters for scrape-based
// monitoring; the bucket ring is what the gateway's own snapshot API and the
// encrypted state snapshot persist.
package metrics

import (
	"math/rand"
	"time"
)

// Sample is one completed gateway request.
type Sample struct {
	Status   int
	Duration time.Duration
	Username string
	APIKey   string // e.g. "rest:customers"
	Endpoint string
	Method   string
	BytesIn  int64
	BytesOut int64
	Retries  int
}

// EndpointStats is the per-endpoint sub-bucket.
type EndpointStats struct {
	Count      int64   `json:"count"`
	ErrorCount int64   `json:"error_count"`
	TotalMS    float64 `json:"total_ms"`
}

// Bucket aggregates every request recorded within its time window (the
// pipeline records a request when it completes).
// All updates are O(1); the latency reservoir is bounded and uses classic
// reservoir sampling once full.
type Bucket struct {
	Start       time.Time                 `json:"start"`
	Count       int64                     `json:"count"`
	ErrorCount  int64                     `json:"error_count"`
	TotalMS     float64                   `json:"total_ms"`
	BytesIn     int64                     `json:"bytes_in"`
	BytesOut    int64                     `json:"bytes_out"`
	Retries     int64                     `json:"retries"`
	Latencies   []float64                 `json:"latencies"` // milliseconds, bounded reservoir
	seen        int64                     // total latencies offered to the reservoir
	StatusCodes map[int]int64             `json:"status_codes"`
	APIs        map[string]int64          `json:"apis"`
	Users       map[string]int64          `json:"users"`
	Endpoints   map[string]*EndpointStats `json:"endpoints"`
	UniqueUsers map[string]struct{}       `json:"unique_users"`
}

func newBucket(start time.Time) *Bucket {
	return &Bucket{
		Start:       start,
		StatusCodes: make(map[int]int64),
		APIs:        make(map[string]int64),
		Users:       make(map[string]int64),
		Endpoints:   make(map[string]*EndpointStats),
		UniqueUsers: make(map[string]struct{}),
	}
}

// add records one sample; reservoirSize bounds the latency sample.
func (b *Bucket) add(s Sample, reservoirSize int) {
	ms := float64(s.Duration) / float64(time.Millisecond)

	b.Count++
	b.TotalMS += ms
	b.BytesIn += s.BytesIn
	b.BytesOut += s.BytesOut
	b.Retries += int64(s.Retries)
	b.StatusCodes[s.Status]++
	if s.Status >= 400 {
		b.ErrorCount++
	}
	if s.APIKey != "" {
		b.APIs[s.APIKey]++
	}
	if s.Username != "" {
		b.Users[s.Username]++
		b.UniqueUsers[s.Username] = struct{}{}
	}
	if s.Endpoint != "" {
		key := s.Method + " " + s.Endpoint
		ep := b.Endpoints[key]
		if ep == nil {
			ep = &EndpointStats{}
			b.Endpoints[key] = ep
		}
		ep.Count++
		ep.TotalMS += ms
		if s.Status >= 400 {
			ep.ErrorCount++
		}
	}

	b.seen++
	if len(b.Latencies) < reservoirSize {
		b.Latencies = append(b.Latencies, ms)
	} else if j := rand.Int63n(b.seen); j < int64(reservoirSize) {
		b.Latencies[j] = ms
	}
}

// merge folds other into b (used by rollups). other's latencies are fed
// through the same reservoir sampling, bounded to reservoirSize.
func (b *Bucket) merge(other *Bucket, reservoirSize int) {
	b.Count += other.Count
	b.ErrorCount += other.ErrorCount
	b.TotalMS += other.TotalMS
	b.BytesIn += other.BytesIn
	b.BytesOut += other.BytesOut
	b.Retries += other.Retries
	for code, n := range other.StatusCodes {
		b.StatusCodes[code] += n
	}
	for k, n := range other.APIs {
		b.APIs[k] += n
	}
	for k, n := range other.Users {
		b.Users[k] += n
	}
	for k := range other.UniqueUsers {
		b.UniqueUsers[k] = struct{}{}
	}
	for k, ep := range other.Endpoints {
		dst := b.Endpoints[k]
		if dst == nil {
			dst = &EndpointStats{}
			b.Endpoints[k] = dst
		}
		dst.Count += ep.Count
		dst.ErrorCount += ep.ErrorCount
		dst.TotalMS += ep.TotalMS
	}
	for _, ms := range other.Latencies {
		b.seen++
		if len(b.Latencies) < reservoirSize {
			b.Latencies = append(b.Latencies, ms)
		} else if j := rand.Int63n(b.seen); j < int64(reservoirSize) {
			b.Latencies[j] = ms
		}
	}
}

// clone returns a deep copy, used when exporting the ring.
func (b *Bucket) clone() *Bucket {
	c := newBucket(b.Start)
	c.Count = b.Count
	c.ErrorCount = b.ErrorCount
	c.TotalMS = b.TotalMS
	c.BytesIn = b.BytesIn
	c.BytesOut = b.BytesOut
	c.Retries = b.Retries
	c.Latencies = append([]float64(nil), b.Latencies...)
	c.seen = b.seen
	for code, n := range b.StatusCodes {
		c.StatusCodes[code] = n
	}
	for k, n := range b.APIs {
		c.APIs[k] = n
	}
	for k, n := range b.Users {
		c.Users[k] = n
	}
	for k := range b.UniqueUsers {
		c.UniqueUsers[k] = struct{}{}
	}
	for k, ep := range b.Endpoints {
		cp := *ep
		c.Endpoints[k] = &cp
	}
	return c
}

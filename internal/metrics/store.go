package metrics

import (
	"sort"
	"sync"
	"time"
)

// Retention windows per band.
const (
	minuteRetention  = 24 * time.Hour
	fiveMinRetention = 7 * 24 * time.Hour
	hourRetention    = 30 * 24 * time.Hour
	dayRetention     = 90 * 24 * time.Hour
)

// Store holds the bucket bands and the Prometheus mirror.
type Store struct {
	mu            sync.RWMutex
	reservoirSize int

	minutes  map[int64]*Bucket // keyed by unix minute
	fiveMins map[int64]*Bucket // keyed by unix time / 300
	hours    map[int64]*Bucket
	days     map[int64]*Bucket

	rolledThrough time.Time // minute buckets at/before this are already rolled up

	prom *promMirror // nil when Prometheus exposition is disabled
}

// NewStore builds a Store. reservoirSize bounds each bucket's latency sample
// (METRICS_PCT_SAMPLES; default 500).
func NewStore(reservoirSize int) *Store {
	if reservoirSize <= 0 {
		reservoirSize = 500
	}
	return &Store{
		reservoirSize: reservoirSize,
		minutes:       make(map[int64]*Bucket),
		fiveMins:      make(map[int64]*Bucket),
		hours:         make(map[int64]*Bucket),
		days:          make(map[int64]*Bucket),
	}
}

// Record folds one sample into the current minute bucket. It is called
// fire-and-forget from the request pipeline and must stay cheap.
func (s *Store) Record(sample Sample) {
	s.recordAt(time.Now(), sample)
}

func (s *Store) recordAt(now time.Time, sample Sample) {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	b := s.minutes[minute.Unix()]
	if b == nil {
		b = newBucket(minute)
		s.minutes[minute.Unix()] = b
	}
	b.add(sample, s.reservoirSize)
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.observe(sample)
	}
}

// Rollup folds completed minute buckets into the 5-minute, hourly, and daily
// bands and evicts buckets past their band's retention. Runs on the
// background rollup tick (every 5 minutes) and once at shutdown.
func (s *Store) Rollup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentMinute := now.Truncate(time.Minute)
	for _, b := range s.minutes {
		// Only completed minutes roll up; the in-progress bucket would
		// double-count if merged now and appended to again afterward.
		if !b.Start.Before(currentMinute) || !b.Start.After(s.rolledThrough) {
			continue
		}
		s.mergeInto(s.fiveMins, b.Start.Truncate(5*time.Minute), b)
		s.mergeInto(s.hours, b.Start.Truncate(time.Hour), b)
		s.mergeInto(s.days, b.Start.Truncate(24*time.Hour), b)
	}
	s.rolledThrough = currentMinute.Add(-time.Minute)

	evict(s.minutes, now, minuteRetention)
	evict(s.fiveMins, now, fiveMinRetention)
	evict(s.hours, now, hourRetention)
	evict(s.days, now, dayRetention)
}

func (s *Store) mergeInto(band map[int64]*Bucket, start time.Time, b *Bucket) {
	dst := band[start.Unix()]
	if dst == nil {
		dst = newBucket(start)
		band[start.Unix()] = dst
	}
	dst.merge(b, s.reservoirSize)
}

func evict(band map[int64]*Bucket, now time.Time, retention time.Duration) {
	cutoff := now.Add(-retention)
	for key, b := range band {
		if b.Start.Before(cutoff) {
			delete(band, key)
		}
	}
}

// Granularity is the bucket width a query aggregates at.
type Granularity string

const (
	GranularityFiveMin Granularity = "5m"
	GranularityHour    Granularity = "1h"
	GranularityDay     Granularity = "1d"
)

// granularityFor auto-selects by range width.
func granularityFor(from, to time.Time) Granularity {
	span := to.Sub(from)
	switch {
	case span <= 24*time.Hour:
		return GranularityFiveMin
	case span <= 7*24*time.Hour:
		return GranularityHour
	default:
		return GranularityDay
	}
}

// SeriesPoint is one time-series element of a range snapshot.
type SeriesPoint struct {
	Time       time.Time `json:"time"`
	Count      int64     `json:"count"`
	ErrorCount int64     `json:"error_count"`
	AvgMS      float64   `json:"avg_ms"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
}

// TopEntry is one row of a top-N table.
type TopEntry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// RangeSnapshot is the query result for a time range.
type RangeSnapshot struct {
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	Granularity Granularity        `json:"granularity"`
	Count       int64              `json:"count"`
	ErrorCount  int64              `json:"error_count"`
	AvgMS       float64            `json:"avg_ms"`
	BytesIn     int64              `json:"bytes_in"`
	BytesOut    int64              `json:"bytes_out"`
	Retries     int64              `json:"retries"`
	UniqueUsers int                `json:"unique_users"`
	StatusCodes map[int]int64      `json:"status_codes"`
	TopAPIs     []TopEntry         `json:"top_apis"`
	TopUsers    []TopEntry         `json:"top_users"`
	Percentiles map[string]float64 `json:"percentiles"` // p50/p75/p90/p95/p99 in ms
	Series      []SeriesPoint      `json:"series"`
}

// Query aggregates the range [from, to] at an auto-selected granularity.
// Minute buckets not yet rolled up are folded in so the most recent minutes
// are never missing from a ≤24h query.
func (s *Store) Query(from, to time.Time, topN int) *RangeSnapshot {
	if topN <= 0 {
		topN = 10
	}
	gran := granularityFor(from, to)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var band map[int64]*Bucket
	var width time.Duration
	switch gran {
	case GranularityFiveMin:
		band, width = s.fiveMins, 5*time.Minute
	case GranularityHour:
		band, width = s.hours, time.Hour
	default:
		band, width = s.days, 24*time.Hour
	}

	// Aggregate the band plus any not-yet-rolled-up minute buckets.
	agg := newBucket(from)
	series := make(map[int64]*SeriesPoint)

	fold := func(b *Bucket, slot time.Time) {
		if b.Start.Before(from) || b.Start.After(to) {
			return
		}
		agg.merge(b, s.reservoirSize)
		p := series[slot.Unix()]
		if p == nil {
			p = &SeriesPoint{Time: slot}
			series[slot.Unix()] = p
		}
		p.Count += b.Count
		p.ErrorCount += b.ErrorCount
		p.BytesIn += b.BytesIn
		p.BytesOut += b.BytesOut
	}

	totalsMS := make(map[int64]float64)
	for _, b := range band {
		fold(b, b.Start)
		totalsMS[b.Start.Unix()] += b.TotalMS
	}
	for _, b := range s.minutes {
		if b.Start.After(s.rolledThrough) {
			slot := b.Start.Truncate(width)
			fold(b, slot)
			totalsMS[slot.Unix()] += b.TotalMS
		}
	}

	points := make([]SeriesPoint, 0, len(series))
	for key, p := range series {
		if p.Count > 0 {
			p.AvgMS = totalsMS[key] / float64(p.Count)
		}
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })

	snap := &RangeSnapshot{
		From:        from,
		To:          to,
		Granularity: gran,
		Count:       agg.Count,
		ErrorCount:  agg.ErrorCount,
		BytesIn:     agg.BytesIn,
		BytesOut:    agg.BytesOut,
		Retries:     agg.Retries,
		UniqueUsers: len(agg.UniqueUsers),
		StatusCodes: agg.StatusCodes,
		TopAPIs:     topEntries(agg.APIs, topN),
		TopUsers:    topEntries(agg.Users, topN),
		Percentiles: percentiles(agg.Latencies),
		Series:      points,
	}
	if agg.Count > 0 {
		snap.AvgMS = agg.TotalMS / float64(agg.Count)
	}
	return snap
}

func topEntries(m map[string]int64, n int) []TopEntry {
	entries := make([]TopEntry, 0, len(m))
	for k, v := range m {
		entries = append(entries, TopEntry{Key: k, Count: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// percentiles estimates p50/p75/p90/p95/p99 from the reservoir by the
// nearest-rank method.
func percentiles(samples []float64) map[string]float64 {
	out := map[string]float64{"p50": 0, "p75": 0, "p90": 0, "p95": 0, "p99": 0}
	if len(samples) == 0 {
		return out
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	rank := func(p float64) float64 {
		idx := int(p*float64(len(sorted))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	out["p50"] = rank(0.50)
	out["p75"] = rank(0.75)
	out["p90"] = rank(0.90)
	out["p95"] = rank(0.95)
	out["p99"] = rank(0.99)
	return out
}

// Ring is the serializable form of every band, persisted inside the
// encrypted state snapshot and restored at startup.
type Ring struct {
	Minutes  []*Bucket `json:"minutes"`
	FiveMins []*Bucket `json:"five_mins"`
	Hours    []*Bucket `json:"hours"`
	Days     []*Bucket `json:"days"`
}

// Export deep-copies every band.
func (s *Store) Export() *Ring {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dump := func(band map[int64]*Bucket) []*Bucket {
		out := make([]*Bucket, 0, len(band))
		for _, b := range band {
			out = append(out, b.clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
		return out
	}
	return &Ring{
		Minutes:  dump(s.minutes),
		FiveMins: dump(s.fiveMins),
		Hours:    dump(s.hours),
		Days:     dump(s.days),
	}
}

// Import replaces every band's contents from a previously Exported ring.
func (s *Store) Import(r *Ring) {
	if r == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	load := func(band map[int64]*Bucket, buckets []*Bucket) {
		for _, b := range buckets {
			if b.StatusCodes == nil {
				b.StatusCodes = make(map[int]int64)
			}
			if b.APIs == nil {
				b.APIs = make(map[string]int64)
			}
			if b.Users == nil {
				b.Users = make(map[string]int64)
			}
			if b.Endpoints == nil {
				b.Endpoints = make(map[string]*EndpointStats)
			}
			if b.UniqueUsers == nil {
				b.UniqueUsers = make(map[string]struct{})
			}
			b.seen = int64(len(b.Latencies))
			band[b.Start.Unix()] = b
		}
	}
	load(s.minutes, r.Minutes)
	load(s.fiveMins, r.FiveMins)
	load(s.hours, r.Hours)
	load(s.days, r.Days)

	// Restored minute buckets are already present in the restored rollup
	// bands; marking them rolled-through prevents both a re-rollup and a
	// double count in Query.
	for _, b := range s.minutes {
		if b.Start.After(s.rolledThrough) {
			s.rolledThrough = b.Start
		}
	}
}

// Package circuitbreaker short-circuits dispatch to an upstream that keeps
// failing: one breaker per api_id, opened after a consecutive-failure
// threshold, half-opened after a cooldown to probe recovery. Built on
// sony/gobreaker; the registry keeps per-API breakers and rebuilds them when
// the breaker settings hot-reload.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Settings configures every breaker the registry creates.
type Settings struct {
	Enabled          bool
	FailureThreshold uint32        // consecutive failures that trip the breaker
	OpenTimeout      time.Duration // how long to stay open before half-open
	HalfOpenRequests uint32        // probes allowed while half-open
}

// ErrOpen is returned by Execute when the breaker rejects the call; the
// dispatcher translates it into a synthetic 503.
var ErrOpen = errors.New("circuitbreaker: open")

// Registry holds one breaker per api_id.
type Registry struct {
	mu       sync.RWMutex
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewRegistry builds a Registry with the given settings.
func NewRegistry(s Settings) *Registry {
	normalize(&s)
	return &Registry{
		settings: s,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

func normalize(s *Settings) {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
}

// Reconfigure replaces the settings and drops existing breakers so they are
// rebuilt lazily with the new thresholds. Called on hot reload.
func (r *Registry) Reconfigure(s Settings) {
	normalize(&s)
	r.mu.Lock()
	r.settings = s
	r.breakers = make(map[string]*gobreaker.CircuitBreaker[any])
	r.mu.Unlock()
}

func (r *Registry) breakerFor(apiID string) *gobreaker.CircuitBreaker[any] {
	r.mu.RLock()
	cb, ok := r.breakers[apiID]
	s := r.settings
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[apiID]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        apiID,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
	})
	r.breakers[apiID] = cb
	return cb
}

// Execute runs fn under apiID's breaker. When the breaker is open the call
// is rejected with ErrOpen without invoking fn. fn's error return feeds the
// failure counter; a nil error counts as success.
func (r *Registry) Execute(apiID string, fn func() error) error {
	r.mu.RLock()
	enabled := r.settings.Enabled
	r.mu.RUnlock()
	if !enabled {
		return fn()
	}

	_, err := r.breakerFor(apiID).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports apiID's breaker state as a string for the readiness detail
// view ("closed", "open", "half-open"); APIs with no breaker yet are closed.
func (r *Registry) State(apiID string) string {
	r.mu.RLock()
	cb, ok := r.breakers[apiID]
	r.mu.RUnlock()
	if !ok {
		return "closed"
	}
	return cb.State().String()
}

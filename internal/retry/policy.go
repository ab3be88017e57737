// Package retry implements the dispatcher's retry loop: up to
// 1 + api_allowed_retry_count attempts, each against a freshly selected
// server, with exponential backoff between attempts. An attempt is retried
// when the connection failed, the attempt timed out, or the upstream
// answered 502/503/504; any other definite status — including other 4xx/5xx —
// is final. Retries are not idempotency-keyed; POSTs retry like GETs.
package retry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryableStatuses are the upstream statuses that indicate a transient
// server-side condition worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// Retryable reports whether a status code triggers another attempt.
func Retryable(status int) bool { return retryableStatuses[status] }

// Policy drives the attempt loop for one API.
type Policy struct {
	MaxRetries    int           // attempts = 1 + MaxRetries
	BackoffBase   time.Duration // first backoff interval
	BackoffMax    time.Duration // backoff ceiling
	PerTryTimeout time.Duration // per-attempt deadline; 0 = context only
	Stats         *Stats
}

// Stats tracks attempt outcomes across the policy's lifetime.
type Stats struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Requests:  s.Requests.Load(),
		Retries:   s.Retries.Load(),
		Successes: s.Successes.Load(),
		Failures:  s.Failures.Load(),
	}
}

// NewPolicy builds a Policy; zero backoff values get the usual defaults.
func NewPolicy(maxRetries int, base, max, perTry time.Duration) *Policy {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	return &Policy{
		MaxRetries:    maxRetries,
		BackoffBase:   base,
		BackoffMax:    max,
		PerTryTimeout: perTry,
		Stats:         &Stats{},
	}
}

// Attempt performs one upstream try; implementations select a server, build
// the outbound request, and round-trip it. attempt is zero-based.
type Attempt func(ctx context.Context, attempt int) (*http.Response, error)

// Result carries the final outcome plus how many retries were spent, so the
// pipeline can record them in metrics.
type Result struct {
	Response *http.Response
	Retries  int
	Err      error
}

// Execute runs the attempt loop. The last definite upstream status is
// returned even when every attempt failed with a retriable 5xx, matching the
// "client sees the last upstream status" contract; a nil Response with a
// non-nil Err means no attempt ever produced a definite status.
func (p *Policy) Execute(ctx context.Context, attempt Attempt) Result {
	p.Stats.Requests.Add(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BackoffBase
	bo.MaxInterval = p.BackoffMax
	bo.MaxElapsedTime = 0 // the request context bounds the loop
	bo.Reset()

	var lastResp *http.Response
	var lastErr error
	retries := 0

	for i := 0; i <= p.MaxRetries; i++ {
		if i > 0 {
			retries++
			p.Stats.Retries.Add(1)
			select {
			case <-ctx.Done():
				p.Stats.Failures.Add(1)
				return Result{Response: lastResp, Retries: retries, Err: ctx.Err()}
			case <-time.After(bo.NextBackOff()):
			}
		}

		resp, err := p.try(ctx, attempt, i)
		if err != nil {
			lastErr = err
			if lastResp != nil {
				lastResp.Body.Close()
				lastResp = nil
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !Retryable(resp.StatusCode) {
			p.Stats.Successes.Add(1)
			return Result{Response: resp, Retries: retries}
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
		lastErr = nil
	}

	p.Stats.Failures.Add(1)
	return Result{Response: lastResp, Retries: retries, Err: lastErr}
}

func (p *Policy) try(ctx context.Context, attempt Attempt, i int) (*http.Response, error) {
	if p.PerTryTimeout > 0 {
		tryCtx, cancel := context.WithTimeout(ctx, p.PerTryTimeout)
		defer cancel()
		return attempt(tryCtx, i)
	}
	return attempt(ctx, i)
}

// Package counter implements the shared-state counter primitive every
// rate/throttle/credit component builds its bookkeeping on: a named,
// TTL-bearing integer that can be atomically incremented and read back,
// backed either by an in-process shard map or by Redis, chosen so that
// rate-limit and throttle state is correct no matter how many worker
// processes the gateway runs under.
package counter

import "context"

// Store is the minimal counter surface every backend implements.
type Store interface {
	// Incr atomically adds delta to key, creating it with the given ttl if it
	// doesn't exist yet, and returns the new value. ttl is only applied on
	// creation; it does not refresh on existing keys.
	Incr(ctx context.Context, key string, delta int64, ttl int64) (int64, error)

	// Get returns the current value of key, or 0 if it doesn't exist/expired.
	Get(ctx context.Context, key string) (int64, error)

	// Set unconditionally sets key to value with the given ttl (seconds).
	Set(ctx context.Context, key string, value int64, ttl int64) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Distributed reports whether this backend is safe to share across
	// multiple OS processes. The in-process backend is not; Redis is.
	Distributed() bool
}

// multiWorkerError is returned by RequireSafeForWorkers when
// THREADS > 1 but the configured counter backend is not distributed. The
// gateway must refuse to start in that configuration: an in-process counter
// map would give every worker its own independent view of rate limits and
// credit balances, silently defeating them.
type multiWorkerError struct {
	workers int
}

func (e *multiWorkerError) Error() string {
	return "counter: in-process backend cannot be shared across multiple worker processes (THREADS > 1); configure a distributed backend (Redis) or run a single worker"
}

// RequireSafeForWorkers enforces the multi-worker safety gate described by
// the shared-state counter component: starting more than one worker against
// an in-process (non-distributed) backend is a configuration error, not a
// degraded mode.
func RequireSafeForWorkers(s Store, workers int) error {
	if workers > 1 && !s.Distributed() {
		return &multiWorkerError{workers: workers}
	}
	return nil
}

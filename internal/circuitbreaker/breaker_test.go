package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream exploded")

func TestClosedPassesThrough(t *testing.T) {
	r := NewRegistry(Settings{Enabled: true, FailureThreshold: 3})
	calls := 0
	err := r.Execute("api-1", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "closed", r.State("api-1"))
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(Settings{Enabled: true, FailureThreshold: 3, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		err := r.Execute("api-1", func() error { return errUpstream })
		assert.ErrorIs(t, err, errUpstream)
	}

	err := r.Execute("api-1", func() error {
		t.Fatal("open breaker must not invoke the call")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, "open", r.State("api-1"))
}

func TestHalfOpenRecovers(t *testing.T) {
	r := NewRegistry(Settings{Enabled: true, FailureThreshold: 2, OpenTimeout: 20 * time.Millisecond, HalfOpenRequests: 1})

	for i := 0; i < 2; i++ {
		_ = r.Execute("api-1", func() error { return errUpstream })
	}
	require.ErrorIs(t, r.Execute("api-1", func() error { return nil }), ErrOpen)

	time.Sleep(30 * time.Millisecond)

	// First probe in half-open succeeds, closing the breaker again.
	require.NoError(t, r.Execute("api-1", func() error { return nil }))
	assert.NoError(t, r.Execute("api-1", func() error { return nil }))
}

func TestBreakersAreIsolatedPerAPI(t *testing.T) {
	r := NewRegistry(Settings{Enabled: true, FailureThreshold: 1, OpenTimeout: time.Minute})

	_ = r.Execute("api-1", func() error { return errUpstream })
	require.ErrorIs(t, r.Execute("api-1", func() error { return nil }), ErrOpen)

	assert.NoError(t, r.Execute("api-2", func() error { return nil }))
}

func TestDisabledNeverTrips(t *testing.T) {
	r := NewRegistry(Settings{Enabled: false, FailureThreshold: 1})
	for i := 0; i < 5; i++ {
		err := r.Execute("api-1", func() error { return errUpstream })
		assert.ErrorIs(t, err, errUpstream)
	}
}

func TestReconfigureRebuildsBreakers(t *testing.T) {
	r := NewRegistry(Settings{Enabled: true, FailureThreshold: 1, OpenTimeout: time.Minute})
	_ = r.Execute("api-1", func() error { return errUpstream })
	require.ErrorIs(t, r.Execute("api-1", func() error { return nil }), ErrOpen)

	r.Reconfigure(Settings{Enabled: true, FailureThreshold: 10, OpenTimeout: time.Minute})
	assert.NoError(t, r.Execute("api-1", func() error { return nil }), "reconfigure resets breaker state")
}

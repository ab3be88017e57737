package retry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respWithStatus(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func fastPolicy(retries int) *Policy {
	return NewPolicy(retries, time.Millisecond, 5*time.Millisecond, 0)
}

func TestSucceedsFirstAttempt(t *testing.T) {
	p := fastPolicy(2)
	res := p.Execute(context.Background(), func(_ context.Context, _ int) (*http.Response, error) {
		return respWithStatus(200), nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.Response.StatusCode)
	assert.Equal(t, 0, res.Retries)
}

func TestRetriesOn503ThenSucceeds(t *testing.T) {
	statuses := []int{503, 503, 200}
	var attempts []int

	p := fastPolicy(2)
	res := p.Execute(context.Background(), func(_ context.Context, i int) (*http.Response, error) {
		attempts = append(attempts, i)
		return respWithStatus(statuses[i]), nil
	})

	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.Response.StatusCode)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, []int{0, 1, 2}, attempts)
	assert.Equal(t, int64(2), p.Stats.Retries.Load())
}

func TestDoesNotRetryOn4xx(t *testing.T) {
	calls := 0
	p := fastPolicy(3)
	res := p.Execute(context.Background(), func(_ context.Context, _ int) (*http.Response, error) {
		calls++
		return respWithStatus(404), nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 404, res.Response.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestAllAttemptsExhaustedReturnsLastStatus(t *testing.T) {
	p := fastPolicy(2)
	res := p.Execute(context.Background(), func(_ context.Context, _ int) (*http.Response, error) {
		return respWithStatus(503), nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 503, res.Response.StatusCode)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, int64(1), p.Stats.Failures.Load())
}

func TestConnectErrorRetriesThenSurfaces(t *testing.T) {
	connErr := errors.New("dial tcp: connection refused")
	p := fastPolicy(1)
	res := p.Execute(context.Background(), func(_ context.Context, _ int) (*http.Response, error) {
		return nil, connErr
	})
	assert.Nil(t, res.Response)
	assert.ErrorIs(t, res.Err, connErr)
	assert.Equal(t, 1, res.Retries)
}

func TestContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := NewPolicy(5, 50*time.Millisecond, time.Second, 0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := p.Execute(ctx, func(_ context.Context, _ int) (*http.Response, error) {
		calls++
		return respWithStatus(503), nil
	})
	assert.Error(t, res.Err)
	assert.LessOrEqual(t, calls, 2)
}

func TestRetryableStatuses(t *testing.T) {
	assert.True(t, Retryable(502))
	assert.True(t, Retryable(503))
	assert.True(t, Retryable(504))
	assert.False(t, Retryable(500))
	assert.False(t, Retryable(429))
	assert.False(t, Retryable(200))
}

func TestPerTryTimeout(t *testing.T) {
	p := NewPolicy(0, time.Millisecond, time.Millisecond, 10*time.Millisecond)
	res := p.Execute(context.Background(), func(ctx context.Context, _ int) (*http.Response, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return respWithStatus(200), nil
		}
	})
	assert.Error(t, res.Err)
	assert.Nil(t, res.Response)
}

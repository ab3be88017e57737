package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewMemoryBackend(100, time.Minute), time.Minute, nil)
}

func TestGetSetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, m.Set(ctx, PrefixAPI, "echo/v1", payload{Name: "echo", Count: 3}))

	var got payload
	require.True(t, m.Get(ctx, PrefixAPI, "echo/v1", &got))
	assert.Equal(t, payload{Name: "echo", Count: 3}, got)
}

func TestGetMissOnUnknownKey(t *testing.T) {
	m := newTestManager(t)
	var got string
	assert.False(t, m.Get(context.Background(), PrefixAPI, "nope", &got))
}

func TestLastSetWins(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, PrefixUser, "alice", "v1"))
	require.NoError(t, m.Set(ctx, PrefixUser, "alice", "v2"))

	var got string
	require.True(t, m.Get(ctx, PrefixUser, "alice", &got))
	assert.Equal(t, "v2", got)
}

func TestPrefixesAreIsolated(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, PrefixAPI, "k", "api-value"))
	require.NoError(t, m.Set(ctx, PrefixUser, "k", "user-value"))

	m.ClearPrefix(ctx, PrefixAPI)

	var got string
	assert.False(t, m.Get(ctx, PrefixAPI, "k", &got))
	require.True(t, m.Get(ctx, PrefixUser, "k", &got))
	assert.Equal(t, "user-value", got)
}

func TestDeleteRemovesEntry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, PrefixRole, "admin", "x"))
	m.Delete(ctx, PrefixRole, "admin")

	var got string
	assert.False(t, m.Get(ctx, PrefixRole, "admin", &got))
}

func TestClearAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, p := range Prefixes {
		require.NoError(t, m.Set(ctx, p, "k", "v"))
	}
	m.ClearAll(ctx)
	for _, p := range Prefixes {
		var got string
		assert.False(t, m.Get(ctx, p, "k", &got), "prefix %s should be empty", p)
	}
}

func TestPerEntryTTLExpiry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetTTL(ctx, PrefixLoadBalancer, "api-1", 7, 20*time.Millisecond))

	var got int
	require.True(t, m.Get(ctx, PrefixLoadBalancer, "api-1", &got))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.Get(ctx, PrefixLoadBalancer, "api-1", &got), "entry should expire after its TTL")
}

func TestCorruptEntryIsEvicted(t *testing.T) {
	backend := NewMemoryBackend(10, time.Minute)
	m := NewManager(backend, time.Minute, nil)
	ctx := context.Background()

	backend.Set(ctx, PrefixAPI+":bad", []byte("{not json"), time.Minute)

	var got map[string]any
	assert.False(t, m.Get(ctx, PrefixAPI, "bad", &got))
	_, live := backend.Get(ctx, PrefixAPI+":bad")
	assert.False(t, live, "corrupt entry should have been evicted")
}

func TestHealthCheck(t *testing.T) {
	m := newTestManager(t)
	assert.NoError(t, m.HealthCheck(context.Background()))
}

func TestInvalidateAPIClearsBothLookupKeys(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, PrefixAPI, "echo/v1", "by-name"))
	require.NoError(t, m.Set(ctx, PrefixAPIID, "/echo/v1", "by-path"))
	require.NoError(t, m.Set(ctx, PrefixEndpoint, "echo/v1", "endpoints"))

	m.InvalidateAPI(ctx, "echo", "v1")

	var got string
	assert.False(t, m.Get(ctx, PrefixAPI, "echo/v1", &got))
	assert.False(t, m.Get(ctx, PrefixAPIID, "/echo/v1", &got))
	assert.False(t, m.Get(ctx, PrefixEndpoint, "echo/v1", &got))
}

func TestTTLForHonorsOverrides(t *testing.T) {
	m := NewManager(NewMemoryBackend(10, time.Hour), time.Hour, map[string]time.Duration{
		PrefixLoadBalancer: 5 * time.Second,
	})
	assert.Equal(t, 5*time.Second, m.TTLFor(PrefixLoadBalancer))
	assert.Equal(t, time.Hour, m.TTLFor(PrefixAPI))
}

func TestMemoryBackendDumpLoad(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryBackend(10, time.Minute)
	src.Set(ctx, "api_cache:a", []byte(`"one"`), time.Minute)
	src.Set(ctx, "user_cache:b", []byte(`"two"`), time.Minute)

	dump := src.Dump()
	require.Len(t, dump, 2)

	dst := NewMemoryBackend(10, time.Minute)
	dst.Load(dump)

	v, ok := dst.Get(ctx, "api_cache:a")
	require.True(t, ok)
	assert.Equal(t, `"one"`, string(v))
}

func TestMemoryBackendLRUEviction(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(2, time.Minute)
	b.Set(ctx, "k1", []byte("1"), time.Minute)
	b.Set(ctx, "k2", []byte("2"), time.Minute)
	b.Set(ctx, "k3", []byte("3"), time.Minute)

	_, ok := b.Get(ctx, "k1")
	assert.False(t, ok, "oldest entry should have been evicted at capacity")
	assert.GreaterOrEqual(t, b.Stats().Evictions, int64(1))
}

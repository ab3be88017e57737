package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinCyclesHealthy(t *testing.T) {
	rr := NewRoundRobin(FromServers([]string{"http://a", "http://b", "http://c"}))

	got := []string{rr.Next().URL, rr.Next().URL, rr.Next().URL, rr.Next().URL}
	assert.Equal(t, []string{"http://a", "http://b", "http://c", "http://a"}, got)
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	rr := NewRoundRobin(FromServers([]string{"http://a", "http://b"}))
	rr.MarkUnhealthy("http://a")

	for i := 0; i < 4; i++ {
		b := rr.Next()
		require.NotNil(t, b)
		assert.Equal(t, "http://b", b.URL)
	}

	rr.MarkHealthy("http://a")
	assert.Equal(t, 2, rr.HealthyCount())
}

func TestRoundRobinAllUnhealthy(t *testing.T) {
	rr := NewRoundRobin(FromServers([]string{"http://a"}))
	rr.MarkUnhealthy("http://a")
	assert.Nil(t, rr.Next())
}

func TestRoundRobinSeedRestoresCursor(t *testing.T) {
	rr := NewRoundRobin(FromServers([]string{"http://a", "http://b", "http://c"}))
	rr.Seed(1)
	assert.Equal(t, "http://b", rr.Next().URL)
	assert.Equal(t, uint64(2), rr.Cursor())
}

func TestUpdateBackendsPreservesHealth(t *testing.T) {
	rr := NewRoundRobin(FromServers([]string{"http://a", "http://b"}))
	rr.MarkUnhealthy("http://a")

	rr.UpdateBackends(FromServers([]string{"http://a", "http://b", "http://c"}))

	assert.Equal(t, 2, rr.HealthyCount(), "a stays unhealthy, c starts healthy")
}

func TestConsistentHashStablePick(t *testing.T) {
	ch := NewConsistentHash(FromServers([]string{"http://a", "http://b", "http://c"}), 100)

	first := ch.Pick("client-42")
	require.NotNil(t, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first.URL, ch.Pick("client-42").URL)
	}
}

func TestConsistentHashSpreadsKeys(t *testing.T) {
	ch := NewConsistentHash(FromServers([]string{"http://a", "http://b", "http://c"}), 100)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[ch.Pick(string(rune('a'+i%26))+"-key").URL] = true
	}
	assert.Greater(t, len(seen), 1, "keys should not all land on one server")
}

func TestConsistentHashRemapsOnUnhealthy(t *testing.T) {
	ch := NewConsistentHash(FromServers([]string{"http://a", "http://b"}), 100)

	pinned := ch.Pick("key-1")
	require.NotNil(t, pinned)

	ch.MarkUnhealthy(pinned.URL)
	moved := ch.Pick("key-1")
	require.NotNil(t, moved)
	assert.NotEqual(t, pinned.URL, moved.URL)
}

func TestGetBackendsReturnsCopies(t *testing.T) {
	rr := NewRoundRobin(FromServers([]string{"http://a"}))
	copies := rr.GetBackends()
	require.Len(t, copies, 1)
	copies[0].Healthy = false
	assert.Equal(t, 1, rr.HealthyCount(), "mutating the copy must not affect the balancer")
}

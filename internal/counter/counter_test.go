package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrCreatesAndAccumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v, err := s.Incr(ctx, "k", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.Incr(ctx, "k", 2, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestGetMissingIsZero(t *testing.T) {
	s := NewMemoryStore()
	v, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Incr(ctx, "k", 5, 1)
	require.NoError(t, err)

	sh := s.shardFor("k")
	sh.mu.Lock()
	sh.m["k"].expires = time.Now().Add(-time.Second)
	sh.mu.Unlock()

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, v, "expired keys read as zero")

	// An Incr on an expired key starts a fresh window.
	v, err = s.Incr(ctx, "k", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestSetAndDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 42, 60))
	v, _ := s.Get(ctx, "k")
	assert.Equal(t, int64(42), v)

	require.NoError(t, s.Delete(ctx, "k"))
	v, _ = s.Get(ctx, "k")
	assert.Zero(t, v)
}

func TestNegativeDelta(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Incr(ctx, "k", 5, 60)
	v, err := s.Incr(ctx, "k", -2, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestConcurrentIncrs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Incr(ctx, "shared", 1, 60)
			}
		}()
	}
	wg.Wait()

	v, _ := s.Get(ctx, "shared")
	assert.Equal(t, int64(1000), v)
}

func TestMultiWorkerGate(t *testing.T) {
	mem := NewMemoryStore()
	assert.NoError(t, RequireSafeForWorkers(mem, 1))
	assert.Error(t, RequireSafeForWorkers(mem, 2))
	assert.False(t, mem.Distributed())
}

package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/doorman/gateway/internal/logging"
)

// RedisBackend is the distributed cache backend, required whenever the
// gateway runs more than one worker so every worker sees the same
// invalidations. Failures degrade to cache misses: a Redis outage slows the
// gateway down (every read falls through to the store) but never breaks it.
type RedisBackend struct {
	client    *redis.Client
	keyspace  string // namespaces this gateway's keys, e.g. "doorman:"
	opTimeout time.Duration
}

// NewRedisBackend wraps an already-configured *redis.Client.
func NewRedisBackend(client *redis.Client, keyspace string) *RedisBackend {
	if keyspace == "" {
		keyspace = "doorman:"
	}
	return &RedisBackend{client: client, keyspace: keyspace, opTimeout: 250 * time.Millisecond}
}

func (b *RedisBackend) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.opTimeout)
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	data, err := b.client.Get(ctx, b.keyspace+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("redis cache get failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := b.client.Set(ctx, b.keyspace+key, value, ttl).Err(); err != nil {
		logging.Warn("redis cache set failed", zap.Error(err))
	}
}

func (b *RedisBackend) Delete(ctx context.Context, key string) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	if err := b.client.Del(ctx, b.keyspace+key).Err(); err != nil {
		logging.Warn("redis cache delete failed", zap.Error(err))
	}
}

func (b *RedisBackend) DeleteByPrefix(ctx context.Context, prefix string) {
	b.scanAndDelete(ctx, b.keyspace+prefix)
}

func (b *RedisBackend) Purge(ctx context.Context) {
	b.scanAndDelete(ctx, b.keyspace)
}

func (b *RedisBackend) scanAndDelete(ctx context.Context, pattern string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				logging.Warn("redis cache bulk delete failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func (b *RedisBackend) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var count int
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.keyspace+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache stats scan failed", zap.Error(err))
			return Stats{}
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return Stats{Size: count}
}

package counter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the distributed counter backend, used whenever the gateway
// runs more than one worker process. Incr is implemented with INCRBY plus a
// conditional EXPIRE (NX) so the ttl is applied only on the key's creation,
// matching the in-process backend's semantics exactly.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var incrScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[2], "NX")
end
return v
`)

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64, ttl int64) (int64, error) {
	res, err := incrScript.Run(ctx, s.client, []string{key}, delta, ttl).Result()
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	default:
		return 0, nil
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value int64, ttl int64) error {
	return s.client.Set(ctx, key, value, time.Duration(ttl)*time.Second).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Distributed() bool { return true }

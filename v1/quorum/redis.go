package quorum

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var cadScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements NodeStore on a Redis backend. SETNX with expiry gives
// the conditional put; the compare-and-delete runs as a Lua script so the
// get-and-delete pair is atomic on the node.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a node store backed by the provided client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// TryPut implements NodeStore.TryPut.
func (s *RedisStore) TryPut(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// CompareAndDelete implements NodeStore.CompareAndDelete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := cadScript.Run(ctx, s.client, []string{key}, value).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

package registry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter wraps *redis.Client to satisfy the narrow redisClient
// interface this package depends on.
type RedisAdapter struct {
	Client *redis.Client
}

func (a RedisAdapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return a.Client.SetNX(ctx, key, value, ttl).Result()
}

func (a RedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return a.Client.Expire(ctx, key, ttl).Result()
}

func (a RedisAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	return a.Client.Del(ctx, keys...).Result()
}

func (a RedisAdapter) Exists(ctx context.Context, keys ...string) (int64, error) {
	return a.Client.Exists(ctx, keys...).Result()
}

func (a RedisAdapter) Get(ctx context.Context, key string) (string, error) {
	return a.Client.Get(ctx, key).Result()
}

// Keys iterates the keyspace with SCAN rather than the blocking KEYS
// command; registry key cardinality is one per in-flight run, so a full
// iteration stays cheap.
func (a RedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := a.Client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// NewClient returns an *redis.Client wrapped for use with New.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

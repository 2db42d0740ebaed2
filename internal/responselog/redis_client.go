package responselog

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

func (a RedisAdapter) RPush(ctx context.Context, key string, value string) (int64, error) {
	return a.Client.RPush(ctx, key, value).Result()
}

func (a RedisAdapter) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.Client.LRange(ctx, key, start, stop).Result()
}

func (a RedisAdapter) LLen(ctx context.Context, key string) (int64, error) {
	return a.Client.LLen(ctx, key).Result()
}

func (a RedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return a.Client.Expire(ctx, key, ttl).Result()
}

func (a RedisAdapter) Publish(ctx context.Context, channel string, message string) (int64, error) {
	return a.Client.Publish(ctx, channel, message).Result()
}

func (a RedisAdapter) Subscribe(ctx context.Context, channels ...string) PubSub {
	ps := a.Client.Subscribe(ctx, channels...)
	out := &redisPubSub{ps: ps, ch: make(chan string, 16)}
	go out.pump()
	return out
}

// redisPubSub adapts *redis.PubSub's <-chan *redis.Message onto the plain
// <-chan string the responselog package depends on, so callers never need
// to import go-redis directly.
type redisPubSub struct {
	ps *redis.PubSub
	ch chan string
}

func (r *redisPubSub) pump() {
	defer close(r.ch)
	for msg := range r.ps.Channel() {
		r.ch <- msg.Payload
	}
}

func (r *redisPubSub) Channel() <-chan string { return r.ch }

func (r *redisPubSub) Close() error { return r.ps.Close() }

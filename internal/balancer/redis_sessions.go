package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStoreTimeout = 500 * time.Millisecond

// RedisSessionStore backs sticky sessions with Redis instead of the
// in-process striped map, so a sticky binding survives a process restart
// and is shared across gateway replicas. Adapted from the teacher's
// internal/cache.ExactCache: same graceful-degradation contract — a Redis
// error never fails the request, it just falls back to a fresh selection.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore parses redisURL, verifies connectivity with a PING,
// and returns a store whose sticky bindings expire after ttl.
func NewRedisSessionStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("balancer: parse redis url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("balancer: redis ping: %w", err)
	}

	return &RedisSessionStore{client: cli, ttl: ttl}, nil
}

// NewRedisSessionStoreFromClient wraps an already-connected client. Used in
// tests against a miniredis instance, mirroring the teacher's
// NewExactCacheFromClient constructor shape.
func NewRedisSessionStoreFromClient(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

func (s *RedisSessionStore) get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "session_store_get_error", slog.String("key", key), slog.String("error", err.Error()))
		}
		return "", false
	}
	return val, true
}

func (s *RedisSessionStore) set(ctx context.Context, key, instanceName string) {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, instanceName, s.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "session_store_set_error", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Close releases the underlying Redis connection pool.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

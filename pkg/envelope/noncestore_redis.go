package envelope

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore shares the replay window across controller processes.
// Entries expire server-side, so capacity management is Redis's problem.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore creates a store backed by Redis.
func NewRedisNonceStore(addr, password string, db int) *RedisNonceStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisNonceStore{client: rdb, prefix: "nonce:"}
}

// NewRedisNonceStoreFromClient wraps an existing client, sharing the
// connection pool with the pub/sub transport.
func NewRedisNonceStoreFromClient(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "nonce:"}
}

// Contains reports whether the nonce is recorded.
func (s *RedisNonceStore) Contains(ctx context.Context, nonce string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+nonce).Result()
	if err != nil {
		return false, fmt.Errorf("redis nonce lookup: %w", err)
	}
	return n > 0, nil
}

// Record stores the nonce with a server-side TTL.
func (s *RedisNonceStore) Record(ctx context.Context, nonce string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+nonce, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis nonce record: %w", err)
	}
	return nil
}

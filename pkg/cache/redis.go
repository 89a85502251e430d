package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "hoist:cache:"

// RedisStore is a Store backed by Redis for shared deployments. Eviction is
// delegated to the server's maxmemory policy; reads are atomic there, so no
// pinning is needed.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis URL (redis://...). A zero ttl stores
// entries without expiry.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	return &RedisStore{client: redis.NewClient(options), ttl: ttl}, nil
}

func (s *RedisStore) Put(ctx context.Context, fingerprint string, blob []byte) error {
	err := s.client.Set(ctx, redisKeyPrefix+fingerprint, blob, s.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", fingerprint, err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	blob, err := s.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to read cache entry %s: %w", fingerprint, err)
	}

	return blob, true, nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

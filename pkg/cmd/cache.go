package cmd

import (
	"fmt"
	"time"

	"github.com/hoistci/hoist/pkg/cache"
)

const defaultCacheCapacity = 4 << 30 // 4 GiB

// NewCacheStore builds the artifact store. An empty redisURL selects the
// in-memory LRU store.
func NewCacheStore(redisURL string, ttl time.Duration) (cache.Store, error) {
	if redisURL == "" {
		return cache.NewMemoryStore(defaultCacheCapacity), nil
	}

	store, err := cache.NewRedisStore(redisURL, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache store: %w", err)
	}

	return store, nil
}

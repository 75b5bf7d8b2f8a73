package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RedisClient is the narrow surface this package needs from a Redis
// driver. go-redis satisfies it via a thin adapter at the composition
// root; the package itself never imports the driver.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RedisResolutionCache shares resolutions across gateway instances so a
// name resolved on one pod is warm on the next. The resolver consults it
// after the in-process cache misses; it is strictly optional.
type RedisResolutionCache struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisResolutionCache(client RedisClient, keyPrefix string, ttl time.Duration) *RedisResolutionCache {
	if keyPrefix == "" {
		keyPrefix = "ro:index:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisResolutionCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisResolutionCache) Get(ctx context.Context, key string) (Resolution, bool) {
	data, err := r.client.Get(ctx, r.keyPrefix+key)
	if err != nil || len(data) == 0 {
		return Resolution{}, false
	}
	var res Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return Resolution{}, false
	}
	return res, true
}

func (r *RedisResolutionCache) Put(ctx context.Context, key string, res Resolution) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("index: marshal resolution: %w", err)
	}
	return r.client.Set(ctx, r.keyPrefix+key, data, r.ttl)
}

package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dedupe:"

// RedisFilter shares the dedupe window across server instances.
type RedisFilter struct {
	client *redis.Client
	window time.Duration
	scope  string
}

func NewRedisFilter(client *redis.Client, scope string, window time.Duration) *RedisFilter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisFilter{client: client, window: window, scope: scope}
}

func (f *RedisFilter) Seen(ctx context.Context, key string) (bool, error) {
	fullKey := redisKeyPrefix + f.scope + ":" + key
	created, err := f.client.SetNX(ctx, fullKey, time.Now().UnixMilli(), f.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	if !created {
		duplicateHitsTotal.Inc()
	}
	return !created, nil
}

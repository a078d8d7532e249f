package geocode

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs the geocode cache with Redis. Cache errors are treated
// as misses; the provider call is the fallback.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	_ = r.client.Set(ctx, key, value, ttl).Err()
}

package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScoreCacheTTL bounds staleness of the cached score; the store stays
// authoritative.
const ScoreCacheTTL = time.Hour

// RedisScoreCache mirrors trust scores into Redis for cheap reads.
type RedisScoreCache struct {
	Client *redis.Client
}

func (c *RedisScoreCache) SetTrustScore(ctx context.Context, userID string, score int) error {
	key := fmt.Sprintf("user:%s:trustScore", userID)
	return c.Client.Set(ctx, key, score, ScoreCacheTTL).Err()
}

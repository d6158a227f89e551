package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentfabric/agentfabric/core"
)

// RedisRateLimiter implements sliding window rate limiting using Redis
// sorted sets. This provides more accurate limiting than fixed windows
// and shares state with any other process pointed at the same keyspace.
type RedisRateLimiter struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisRateLimiter creates a Redis-backed rate limiter with sliding window
func NewRedisRateLimiter(redisURL string, logger core.Logger) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL for rate limiting: %w", err)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	rl := &RedisRateLimiter{
		client:    redis.NewClient(opts),
		namespace: "agentfabric:ratelimit",
		logger:    logger,
	}

	logger.Info("Redis rate limiter initialized", map[string]interface{}{
		"operation": "ratelimit_init",
		"namespace": rl.namespace,
		"algorithm": "sliding_window",
	})
	return rl, nil
}

// Allow checks if a request is allowed using a sliding window over a
// sorted set of request timestamps. Redis errors fail open: the secrets
// bus must keep working when the limiter backend is down.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int) {
	now := time.Now()
	windowStart := now.Add(-Window)
	rateLimitKey := fmt.Sprintf("%s:%s", r.namespace, key)

	if err := r.client.ZRemRangeByScore(ctx, rateLimitKey, "0", fmt.Sprintf("%d", windowStart.UnixMicro())).Err(); err != nil {
		r.logger.Error("Failed to prune rate limit window", map[string]interface{}{
			"operation": "ratelimit_prune",
			"key":       key,
			"error":     err.Error(),
		})
	}

	count, err := r.client.ZCount(ctx, rateLimitKey, fmt.Sprintf("%d", windowStart.UnixMicro()), "+inf").Result()
	if err != nil {
		r.logger.Error("Failed to count rate limit window", map[string]interface{}{
			"operation": "ratelimit_count",
			"key":       key,
			"error":     err.Error(),
		})
		return true, 0
	}

	if count >= int64(limit) {
		oldest, err := r.client.ZRangeWithScores(ctx, rateLimitKey, 0, 0).Result()
		retryAfter := int(Window.Seconds())
		if err == nil && len(oldest) == 1 {
			oldestAt := time.UnixMicro(int64(oldest[0].Score))
			retryAfter = int(oldestAt.Add(Window).Sub(now).Seconds()) + 1
		}
		return false, retryAfter
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.client.ZAdd(ctx, rateLimitKey, &redis.Z{Score: float64(now.UnixMicro()), Member: member}).Err(); err != nil {
		return true, 0
	}
	// TTL at twice the window keeps abandoned keys from accumulating
	r.client.Expire(ctx, rateLimitKey, 2*Window)

	return true, 0
}

// Close releases the underlying Redis connection
func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}

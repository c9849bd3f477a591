// Package redisclient bootstraps the shared Redis connection used for
// event dedup, consent pre-flight caching, and API rate counters.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightpath-edu/cdp/config"
)

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Ping verifies connectivity with a short deadline.
func Ping(ctx context.Context, c *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Ping(pingCtx).Err()
}

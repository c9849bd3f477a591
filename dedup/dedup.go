// Package dedup suppresses duplicate event deliveries. The bus is
// at-least-once, so redelivered event IDs are expected; a Redis SETNX
// set with a TTL keeps reprocessing bounded without unbounded memory.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Deduplicator answers "was this event ID seen recently?".
type Deduplicator interface {
	// Seen marks the ID and reports whether it was already present.
	Seen(ctx context.Context, eventID string) (bool, error)
}

// defaultTTL bounds how long processed event IDs are remembered.
const defaultTTL = 24 * time.Hour

// RedisDeduplicator backs the dedup set with Redis SETNX.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedis builds a Redis-backed deduplicator. ttl <= 0 uses the default.
func NewRedis(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "dedup").Logger(),
	}
}

// Seen implements Deduplicator. Redis being down degrades to "not
// seen": duplicate processing is preferable to dropping events.
func (d *RedisDeduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	set, err := d.client.SetNX(ctx, "cdp:dedup:"+eventID, 1, d.ttl).Result()
	if err != nil {
		d.log.Warn().Err(err).Msg("dedup check unavailable, processing anyway")
		return false, nil
	}
	return !set, nil
}

// MemoryDeduplicator is a process-local dedup set for tests.
type MemoryDeduplicator struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewMemory returns an empty in-memory deduplicator.
func NewMemory() *MemoryDeduplicator {
	return &MemoryDeduplicator{seen: make(map[string]bool)}
}

// Seen implements Deduplicator.
func (d *MemoryDeduplicator) Seen(_ context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[eventID] {
		return true, nil
	}
	d.seen[eventID] = true
	return false, nil
}

// Package cache provides a degrade-gracefully key/value abstraction over Valkey for opaque string values: permission
// decisions, circuit breaker state, and service credentials all flow through the same Cache interface.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const scanBatchSize = 100

// Cache is the opaque string key/value contract every higher layer composes against. Every method degrades
// gracefully on backend failure: Get reports a miss, Set/Delete/InvalidatePattern report false, and the error is
// logged rather than propagated. Callers proceed as if uncached rather than failing the request.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	InvalidatePattern(ctx context.Context, glob string) bool
}

// ValkeyCache implements Cache over a go-redis client.
type ValkeyCache struct {
	client *redis.Client
	log    zerolog.Logger
}

// New wraps an established Valkey connection as a Cache.
func New(client *redis.Client, logger zerolog.Logger) *ValkeyCache {
	return &ValkeyCache{client: client, log: logger}
}

func (c *ValkeyCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		return "", false
	}
	return val, true
}

func (c *ValkeyCache) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache set failed")
		return false
	}
	return true
}

func (c *ValkeyCache) Delete(ctx context.Context, key string) bool {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache delete failed")
		return false
	}
	return true
}

// InvalidatePattern removes every key matching glob via cursor-based SCAN, avoiding the O(n) blocking KEYS command.
func (c *ValkeyCache) InvalidatePattern(ctx context.Context, glob string) bool {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, glob, scanBatchSize).Result()
		if err != nil {
			c.log.Warn().Err(err).Str("pattern", glob).Msg("cache scan failed")
			return false
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.log.Warn().Err(err).Str("pattern", glob).Msg("cache pattern delete failed")
				return false
			}
		}
		cursor = next
		if cursor == 0 {
			return true
		}
	}
}

// Package cache provides Redis-based caching for report results
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL applies when Config.TTL is zero
const DefaultTTL = 5 * time.Minute

// ErrMiss is returned by Get when the key is absent or caching is disabled
var ErrMiss = errors.New("cache miss")

// Config holds cache configuration
type Config struct {
	KeyPrefix string
	TTL       time.Duration
}

// Cache stores JSON-encoded values in Redis under a common prefix.
// A Cache built without a client is disabled and never hits.
type Cache struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	enabled   bool
}

// New creates a Cache. client may be nil to disable caching.
func New(client redis.UniversalClient, cfg Config) *Cache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "oeetrack:cache"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Cache{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		enabled:   client != nil,
	}
}

// Disabled returns a cache that never stores anything
func Disabled() *Cache {
	return New(nil, Config{})
}

// IsEnabled returns whether caching is enabled
func (c *Cache) IsEnabled() bool {
	return c.enabled
}

// key generates a cache key with prefix
func (c *Cache) key(parts ...string) string {
	key := c.keyPrefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

// Get decodes a cached value into dest
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	if !c.enabled {
		return ErrMiss
	}

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("failed to read cache key %s: %w", key, err)
	}

	return json.Unmarshal(data, dest)
}

// Set stores a value with the configured TTL
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.key(key), data, c.ttl).Err()
}

// DeletePattern removes all keys matching a glob pattern
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	if !c.enabled {
		return nil
	}

	iter := c.client.Scan(ctx, 0, c.key(pattern), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	return c.client.Del(ctx, keys...).Err()
}

// ReportKey builds the key for a report from its generation, kind and parameters
func ReportKey(gen int64, kind string, params ...string) string {
	key := fmt.Sprintf("report:%d:%s", gen, kind)
	for _, p := range params {
		if p == "" {
			p = "-"
		}
		key += ":" + p
	}
	return key
}

// Generation returns the current report generation. Reports written under an
// older generation are never read again.
func (c *Cache) Generation(ctx context.Context) (int64, error) {
	if !c.enabled {
		return 0, nil
	}

	gen, err := c.client.Get(ctx, c.key("report-generation")).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read report generation: %w", err)
	}
	return gen, nil
}

// InvalidateReports retires the current report generation and drops every cached report
func (c *Cache) InvalidateReports(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	if err := c.client.Incr(ctx, c.key("report-generation")).Err(); err != nil {
		return fmt.Errorf("failed to bump report generation: %w", err)
	}
	return c.DeletePattern(ctx, "report:*")
}

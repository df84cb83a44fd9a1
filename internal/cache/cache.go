// Package cache wraps the redis cache used by the serving layer. The
// orchestrator registers it as a lazy service: the connection is only
// established the first time something demands it.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/GigaElk/worrybox-sub002/internal/config"
	"github.com/GigaElk/worrybox-sub002/pkg/logger"
)

// Cache owns the redis client.
type Cache struct {
	client *redis.Client
	log    *logger.Logger
}

// Open connects to redis and verifies the connection.
func Open(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Cache, error) {
	if log == nil {
		log = logger.NewDefault("cache")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Cache{client: client, log: log.WithCategory("cache")}, nil
}

// Healthy reports whether redis answers a ping. Satisfies the
// orchestrator's health-check predicate signature.
func (c *Cache) Healthy(ctx context.Context) (bool, error) {
	return c.client.Ping(ctx).Err() == nil, nil
}

// Get fetches a cached value. A cache miss returns ("", false, nil).
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores a value with a TTL.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Close releases the redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

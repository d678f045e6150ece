package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookingsync/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// RedisSecretCache stores credential material in redis. Values expire with
// redis TTLs so a restart keeps the remaining lifetime intact.
type RedisSecretCache struct {
	client *redis.Client
	prefix string
}

func NewRedisSecretCache(client *redis.Client, prefix string) *RedisSecretCache {
	return &RedisSecretCache{client: client, prefix: prefix}
}

func (c *RedisSecretCache) key(k string) string {
	if c.prefix == "" {
		return "secret:" + k
	}
	return c.prefix + ":secret:" + k
}

func (c *RedisSecretCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c.client == nil {
		return "", false, fmt.Errorf("redis client is nil")
	}
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get secret from redis: %w", err)
	}
	return val, true, nil
}

func (c *RedisSecretCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set secret in redis: %w", err)
	}
	return nil
}

func (c *RedisSecretCache) Delete(ctx context.Context, key string) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete secret from redis: %w", err)
	}
	return nil
}

// TTL reports the remaining lifetime of a cached value, zero when absent.
func (c *RedisSecretCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.TTL(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read secret ttl: %w", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

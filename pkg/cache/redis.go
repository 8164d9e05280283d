package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the connection and key layout for the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// KeyPrefix namespaces every key, e.g. "waterbridge:liveness:".
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// TTL of zero keeps entries forever.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 200

// RedisPresenceCache stores each device's value as a JSON string under
// KeyPrefix+deviceID. Several bridge replicas can share one instance.
type RedisPresenceCache[V any] struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisPresenceCache connects and pings Redis before returning.
func NewRedisPresenceCache[V any](ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisPresenceCache[V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	c := &RedisPresenceCache[V]{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger.With().Str("component", "RedisPresenceCache").Logger(),
	}
	c.logger.Info().Str("redis_address", cfg.Addr).Str("key_prefix", cfg.KeyPrefix).Msg("Connected to Redis presence store.")
	return c, nil
}

func (c *RedisPresenceCache[V]) Set(ctx context.Context, deviceID string, value V) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode presence for %s: %w", deviceID, err)
	}
	if err := c.rdb.Set(ctx, c.prefix+deviceID, body, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set for %s: %w", deviceID, err)
	}
	return nil
}

func (c *RedisPresenceCache[V]) Fetch(ctx context.Context, deviceID string) (V, error) {
	var value V
	body, err := c.rdb.Get(ctx, c.prefix+deviceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, notFound(deviceID)
	}
	if err != nil {
		return value, fmt.Errorf("redis get for %s: %w", deviceID, err)
	}
	if err := json.Unmarshal(body, &value); err != nil {
		return value, fmt.Errorf("decode presence for %s: %w", deviceID, err)
	}
	return value, nil
}

func (c *RedisPresenceCache[V]) Delete(ctx context.Context, deviceID string) error {
	if err := c.rdb.Del(ctx, c.prefix+deviceID).Err(); err != nil {
		return fmt.Errorf("redis del for %s: %w", deviceID, err)
	}
	return nil
}

// Scan walks the prefix with SCAN, never KEYS. Entries that expire between
// the SCAN and the GET are skipped.
func (c *RedisPresenceCache[V]) Scan(ctx context.Context, fn func(deviceID string, value V) error) error {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		deviceID := strings.TrimPrefix(iter.Val(), c.prefix)
		value, err := c.Fetch(ctx, deviceID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(deviceID, value); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s*: %w", c.prefix, err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisPresenceCache[V]) Close() error {
	return c.rdb.Close()
}

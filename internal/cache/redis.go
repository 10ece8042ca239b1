package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetActiveVersion retrieves the cached active model version.
func (c *RedisCache) GetActiveVersion(ctx context.Context, tenantID string) (*domain.ModelVersion, error) {
	data, err := c.Get(ctx, tenantID, keyActiveVersion)
	if err != nil || data == nil {
		return nil, err
	}

	var mv domain.ModelVersion
	if err := json.Unmarshal(data, &mv); err != nil {
		return nil, err
	}
	return &mv, nil
}

// SetActiveVersion caches the active model version.
func (c *RedisCache) SetActiveVersion(ctx context.Context, tenantID string, mv *domain.ModelVersion, ttl time.Duration) error {
	bytes, err := json.Marshal(mv)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, keyActiveVersion, bytes, ttl)
}

// DeleteActiveVersion drops the cached active version.
func (c *RedisCache) DeleteActiveVersion(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, keyActiveVersion)
}

// GetRunningExperiments retrieves the cached running-experiment list.
func (c *RedisCache) GetRunningExperiments(ctx context.Context, tenantID string) ([]*domain.ABExperiment, error) {
	data, err := c.Get(ctx, tenantID, keyRunningExperiments)
	if err != nil || data == nil {
		return nil, err
	}

	var exps []*domain.ABExperiment
	if err := json.Unmarshal(data, &exps); err != nil {
		return nil, err
	}
	return exps, nil
}

// SetRunningExperiments caches the running-experiment list.
func (c *RedisCache) SetRunningExperiments(ctx context.Context, tenantID string, exps []*domain.ABExperiment, ttl time.Duration) error {
	bytes, err := json.Marshal(exps)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, keyRunningExperiments, bytes, ttl)
}

// DeleteRunningExperiments drops the cached experiment list.
func (c *RedisCache) DeleteRunningExperiments(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, keyRunningExperiments)
}

// IncrementCounter atomically increments a counter using Redis INCR with EXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, "counter:"+key)

	// Use Lua script for atomic increment with TTL
	script := redis.NewScript(`
		local current = redis.call('INCR', KEYS[1])
		if current == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return current
	`)

	result, err := script.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}

	return result, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "kestrel:" + tenantID + ":" + key
}

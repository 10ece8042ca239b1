package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
)

// Well-known keys for the typed helpers on the assignment hot path.
const (
	keyActiveVersion      = "model:active"
	keyRunningExperiments = "experiments:running"
)

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache implements the two-phase caching strategy.
// L1: Local LRU cache for fast reads
// L2: Redis for distributed caching and persistence
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	local := NewLRUCache(cfg.LocalMaxSize)

	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	// Check L1 first
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	// Check L2
	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		// Populate L1 for future reads
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	// Write to L1 with shorter TTL
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, tenantID, key, value, l1TTL); err != nil {
		return err
	}

	// Write to L2 with full TTL
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// GetActiveVersion retrieves the cached active model version, L1 first.
func (c *TwoPhaseCache) GetActiveVersion(ctx context.Context, tenantID string) (*domain.ModelVersion, error) {
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

// SetActiveVersion caches the active model version in both phases.
func (c *TwoPhaseCache) SetActiveVersion(ctx context.Context, tenantID string, mv *domain.ModelVersion, ttl time.Duration) error {
	bytes, err := json.Marshal(mv)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, keyActiveVersion, bytes, ttl)
}

// DeleteActiveVersion drops the cached active version from both phases.
func (c *TwoPhaseCache) DeleteActiveVersion(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, keyActiveVersion)
}

// GetRunningExperiments retrieves the cached running-experiment list.
func (c *TwoPhaseCache) GetRunningExperiments(ctx context.Context, tenantID string) ([]*domain.ABExperiment, error) {
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

// SetRunningExperiments caches the running-experiment list in both phases.
func (c *TwoPhaseCache) SetRunningExperiments(ctx context.Context, tenantID string, exps []*domain.ABExperiment, ttl time.Duration) error {
	bytes, err := json.Marshal(exps)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, keyRunningExperiments, bytes, ttl)
}

// DeleteRunningExperiments drops the cached experiment list from both phases.
func (c *TwoPhaseCache) DeleteRunningExperiments(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, keyRunningExperiments)
}

// IncrementCounter uses Redis for distributed atomic counters.
// L1 is not used for counters to ensure accuracy across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, tenantID, key, window)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}

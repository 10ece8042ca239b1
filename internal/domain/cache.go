package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations on the assignment hot
// path. Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetActiveVersion retrieves the cached active model version.
	// Returns nil, nil on a miss.
	GetActiveVersion(ctx context.Context, tenantID string) (*ModelVersion, error)

	// SetActiveVersion caches the active model version. Invalidated on
	// promotion via DeleteActiveVersion.
	SetActiveVersion(ctx context.Context, tenantID string, mv *ModelVersion, ttl time.Duration) error

	// DeleteActiveVersion drops the cached active version.
	DeleteActiveVersion(ctx context.Context, tenantID string) error

	// GetRunningExperiments retrieves the cached running-experiment list.
	// Returns nil, nil on a miss.
	GetRunningExperiments(ctx context.Context, tenantID string) ([]*ABExperiment, error)

	// SetRunningExperiments caches the running-experiment list in assignment
	// order. Invalidated on any experiment lifecycle transition.
	SetRunningExperiments(ctx context.Context, tenantID string, exps []*ABExperiment, ttl time.Duration) error

	// DeleteRunningExperiments drops the cached experiment list.
	DeleteRunningExperiments(ctx context.Context, tenantID string) error

	// IncrementCounter atomically increments a windowed counter and returns
	// the new value. Used for assignment exposure tracking.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}

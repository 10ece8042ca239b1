// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// ArmCounter names one of the monotonically increasing experiment counters.
type ArmCounter string

const (
	CounterRequests ArmCounter = "requests"
	CounterOutcomes ArmCounter = "outcomes"
	CounterDefaults ArmCounter = "defaults"
)

// ModelStore persists model versions and their feature-performance records.
// Owned by this engine.
type ModelStore interface {
	SaveModelVersion(ctx context.Context, tenantID string, mv *ModelVersion) error
	GetModelVersion(ctx context.Context, tenantID string, id string) (*ModelVersion, error)

	// GetLatestModelVersion returns the most recently created version,
	// archived or not, used for semantic version generation.
	GetLatestModelVersion(ctx context.Context, tenantID string) (*ModelVersion, error)

	// GetActiveModelVersion resolves the active version via the singleton
	// active-model reference. Returns ErrNotFound when no version is active.
	GetActiveModelVersion(ctx context.Context, tenantID string) (*ModelVersion, error)

	// ListModelVersions excludes archived versions unless includeArchived.
	ListModelVersions(ctx context.Context, tenantID string, includeArchived bool) ([]*ModelVersion, error)

	UpdateModelStatus(ctx context.Context, tenantID string, id string, status ModelStatus) error

	// UpdateModelMetrics writes validation results without touching lifecycle
	// columns, so recording metrics can never race a concurrent promotion.
	UpdateModelMetrics(ctx context.Context, tenantID string, id string, metrics *ValidationMetrics, validationSamples int, improvementPct float64) error

	// PromoteModelVersion atomically deprecates the currently active version
	// (if any), activates the given one and moves the singleton active-model
	// reference, all in one transaction.
	PromoteModelVersion(ctx context.Context, tenantID string, id string, promotedBy string) error

	SaveFeaturePerformance(ctx context.Context, tenantID string, records []*FeaturePerformance) error
	ListFeaturePerformance(ctx context.Context, tenantID string, modelVersionID string) ([]*FeaturePerformance, error)
}

// ExperimentStore persists experiments and their arm counters.
// Owned by this engine.
type ExperimentStore interface {
	SaveExperiment(ctx context.Context, tenantID string, exp *ABExperiment) error
	GetExperiment(ctx context.Context, tenantID string, id string) (*ABExperiment, error)
	ListExperiments(ctx context.Context, tenantID string, status ExperimentStatus) ([]*ABExperiment, error)

	// ListRunningExperiments returns running experiments in stable
	// (started_at, id) order so traffic assignment is deterministic.
	ListRunningExperiments(ctx context.Context, tenantID string) ([]*ABExperiment, error)

	UpdateExperiment(ctx context.Context, tenantID string, exp *ABExperiment) error

	// IncrementArmCounter applies an atomic in-store increment. Counters must
	// never be read-modify-written in application code.
	IncrementArmCounter(ctx context.Context, tenantID string, experimentID string, variant Variant, counter ArmCounter) error
}

// OutcomeStore provides closed loan outcomes for analysis. Consumed.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, tenantID string, outcome *LoanOutcome) error

	// ListClosedOutcomes returns up to limit closed outcomes, newest first.
	// Returns whatever is available even below minSampleSize; callers decide
	// how to degrade.
	ListClosedOutcomes(ctx context.Context, tenantID string, minSampleSize, limit int) ([]*LoanOutcome, error)
}

// FeatureStore joins scoring requests to the feature values that produced
// them. Consumed.
type FeatureStore interface {
	SaveFeatureSnapshot(ctx context.Context, tenantID string, snap *FeatureSnapshot) error
	GetFeaturesForRequests(ctx context.Context, tenantID string, requestIDs []string) (map[string]*FeatureSnapshot, error)
}

// Repository aggregates all persistence concerns behind one implementation.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	ModelStore
	ExperimentStore
	OutcomeStore
	FeatureStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

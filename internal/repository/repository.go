// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Model versions
// ---------------------------------------------------------------------------

const modelVersionColumns = `id, tenant_id, version, name, description,
	feature_weights, sub_score_weights, fraud_rules, thresholds, metrics,
	training_samples, validation_samples, based_on_version_id, improvement_pct,
	status, is_active, promoted_at, promoted_by, created_at, updated_at`

// SaveModelVersion stores a model version with tenant isolation. On conflict
// only the content columns are rewritten; lifecycle columns (status,
// is_active, promotion audit) change exclusively through UpdateModelStatus
// and PromoteModelVersion so a stale read can never resurrect an active flag.
func (r *SQLRepository) SaveModelVersion(ctx context.Context, tenantID string, mv *domain.ModelVersion) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	featureWeights, _ := json.Marshal(mv.FeatureWeights)
	subScoreWeights, _ := json.Marshal(mv.SubScoreWeights)
	fraudRules, _ := json.Marshal(mv.FraudRules)
	thresholds, _ := json.Marshal(mv.Thresholds)

	var metrics []byte
	if mv.Metrics != nil {
		metrics, _ = json.Marshal(mv.Metrics)
	}

	isActive := 0
	if mv.IsActive {
		isActive = 1
	}

	query := `
		INSERT INTO model_versions (
			id, tenant_id, version, name, description,
			feature_weights, sub_score_weights, fraud_rules, thresholds, metrics,
			training_samples, validation_samples, based_on_version_id, improvement_pct,
			status, is_active, promoted_at, promoted_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			metrics = excluded.metrics,
			validation_samples = excluded.validation_samples,
			improvement_pct = excluded.improvement_pct,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		mv.ID, tenantID, mv.Version, mv.Name, mv.Description,
		string(featureWeights), string(subScoreWeights), string(fraudRules), string(thresholds), nullString(metrics),
		mv.TrainingSamples, mv.ValidationSamples, mv.BasedOnVersionID, mv.ImprovementPct,
		string(mv.Status), isActive, nullTime(mv.PromotedAt), mv.PromotedBy,
		mv.CreatedAt, mv.UpdatedAt,
	)
	return err
}

// UpdateModelMetrics writes validation results onto a version without
// touching any lifecycle column.
func (r *SQLRepository) UpdateModelMetrics(ctx context.Context, tenantID string, id string, metrics *domain.ValidationMetrics, validationSamples int, improvementPct float64) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var encoded []byte
	if metrics != nil {
		encoded, _ = json.Marshal(metrics)
	}

	query := `
		UPDATE model_versions
		SET metrics = ?, validation_samples = ?, improvement_pct = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		nullString(encoded), validationSamples, improvementPct, time.Now().UTC(), tenantID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetModelVersion retrieves a model version by ID with tenant isolation.
func (r *SQLRepository) GetModelVersion(ctx context.Context, tenantID string, id string) (*domain.ModelVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + modelVersionColumns + `
		FROM model_versions
		WHERE tenant_id = ? AND id = ?`

	return r.scanModelVersion(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
}

// GetLatestModelVersion retrieves the most recently created version.
func (r *SQLRepository) GetLatestModelVersion(ctx context.Context, tenantID string) (*domain.ModelVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + modelVersionColumns + `
		FROM model_versions
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	return r.scanModelVersion(r.db.QueryRowContext(ctx, r.rebind(query), tenantID))
}

// GetActiveModelVersion resolves the active version via the singleton
// active_model reference.
func (r *SQLRepository) GetActiveModelVersion(ctx context.Context, tenantID string) (*domain.ModelVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + modelVersionColumns + `
		FROM model_versions
		WHERE tenant_id = ? AND id = (
			SELECT model_version_id FROM active_model WHERE tenant_id = ?
		)`

	return r.scanModelVersion(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, tenantID))
}

// ListModelVersions retrieves versions for a tenant, newest first.
// Archived versions are excluded unless includeArchived is set.
func (r *SQLRepository) ListModelVersions(ctx context.Context, tenantID string, includeArchived bool) ([]*domain.ModelVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + modelVersionColumns + `
		FROM model_versions
		WHERE tenant_id = ?`
	args := []any{tenantID}

	if !includeArchived {
		query += ` AND status <> ?`
		args = append(args, string(domain.ModelStatusArchived))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*domain.ModelVersion
	for rows.Next() {
		mv, err := r.scanModelVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, mv)
	}
	return versions, rows.Err()
}

// UpdateModelStatus updates the lifecycle state of a version.
func (r *SQLRepository) UpdateModelStatus(ctx context.Context, tenantID string, id string, status domain.ModelStatus) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE model_versions
		SET status = ?, is_active = CASE WHEN ? = 'active' THEN is_active ELSE 0 END, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(status), string(status), time.Now().UTC(), tenantID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteModelVersion atomically deprecates the currently active version,
// activates the given one and moves the active_model reference. Promoting the
// already-active version is a no-op.
func (r *SQLRepository) PromoteModelVersion(ctx context.Context, tenantID string, id string, promotedBy string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	var isActive int
	query := `SELECT status, is_active FROM model_versions WHERE tenant_id = ? AND id = ?`
	err = tx.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(&status, &isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if isActive == 1 {
		// Idempotent: already serving production.
		return tx.Commit()
	}
	switch domain.ModelStatus(status) {
	case domain.ModelStatusDraft, domain.ModelStatusTesting:
	case domain.ModelStatusDeprecated:
		// Re-promoting a deprecated version rolls production back to it.
	default:
		return fmt.Errorf("%w: cannot promote %s version %s", ErrInvalidState, status, id)
	}

	now := time.Now().UTC()

	deprecate := `
		UPDATE model_versions
		SET is_active = 0, status = ?, updated_at = ?
		WHERE tenant_id = ? AND is_active = 1 AND id <> ?
	`
	if _, err := tx.ExecContext(ctx, r.rebind(deprecate),
		string(domain.ModelStatusDeprecated), now, tenantID, id); err != nil {
		return err
	}

	activate := `
		UPDATE model_versions
		SET is_active = 1, status = ?, promoted_at = ?, promoted_by = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	if _, err := tx.ExecContext(ctx, r.rebind(activate),
		string(domain.ModelStatusActive), now, promotedBy, now, tenantID, id); err != nil {
		return err
	}

	reference := `
		INSERT INTO active_model (tenant_id, model_version_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			model_version_id = excluded.model_version_id,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, r.rebind(reference), tenantID, id, now); err != nil {
		return err
	}

	return tx.Commit()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanModelVersion(row rowScanner) (*domain.ModelVersion, error) {
	var mv domain.ModelVersion
	var featureWeights, subScoreWeights, fraudRules, thresholds string
	var metrics sql.NullString
	var status string
	var isActive int
	var promotedAt sql.NullTime
	var promotedBy sql.NullString

	err := row.Scan(
		&mv.ID, &mv.TenantID, &mv.Version, &mv.Name, &mv.Description,
		&featureWeights, &subScoreWeights, &fraudRules, &thresholds, &metrics,
		&mv.TrainingSamples, &mv.ValidationSamples, &mv.BasedOnVersionID, &mv.ImprovementPct,
		&status, &isActive, &promotedAt, &promotedBy, &mv.CreatedAt, &mv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	mv.Status = domain.ModelStatus(status)
	mv.IsActive = isActive == 1
	if promotedAt.Valid {
		t := promotedAt.Time
		mv.PromotedAt = &t
	}
	mv.PromotedBy = promotedBy.String

	json.Unmarshal([]byte(featureWeights), &mv.FeatureWeights)
	json.Unmarshal([]byte(subScoreWeights), &mv.SubScoreWeights)
	json.Unmarshal([]byte(fraudRules), &mv.FraudRules)
	json.Unmarshal([]byte(thresholds), &mv.Thresholds)
	if metrics.Valid && metrics.String != "" {
		var m domain.ValidationMetrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err == nil {
			mv.Metrics = &m
		}
	}

	return &mv, nil
}

// ---------------------------------------------------------------------------
// Feature performance
// ---------------------------------------------------------------------------

// SaveFeaturePerformance stores immutable analysis records.
func (r *SQLRepository) SaveFeaturePerformance(ctx context.Context, tenantID string, records []*domain.FeaturePerformance) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO feature_performance (
			id, tenant_id, model_version_id, feature_id, feature_name,
			current_weight, correlation, predictive_power, information_value, data_availability,
			baseline_mean, baseline_stddev, current_mean, current_stddev,
			drift_score, drift_severity, suggested_weight, adjustment_confidence,
			adjustment_reason, sample_size, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	bound := r.rebind(query)

	for _, fp := range records {
		_, err := r.db.ExecContext(ctx, bound,
			fp.ID, tenantID, fp.ModelVersionID, fp.FeatureID, fp.FeatureName,
			fp.CurrentWeight, fp.Correlation, fp.PredictivePower, fp.InformationValue, fp.DataAvailability,
			fp.BaselineMean, fp.BaselineStddev, fp.CurrentMean, fp.CurrentStddev,
			fp.DriftScore, string(fp.DriftSeverity), fp.SuggestedWeight, fp.AdjustmentConfidence,
			fp.AdjustmentReason, fp.SampleSize, fp.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListFeaturePerformance retrieves analysis records for a model version.
func (r *SQLRepository) ListFeaturePerformance(ctx context.Context, tenantID string, modelVersionID string) ([]*domain.FeaturePerformance, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, model_version_id, feature_id, feature_name,
			   current_weight, correlation, predictive_power, information_value, data_availability,
			   baseline_mean, baseline_stddev, current_mean, current_stddev,
			   drift_score, drift_severity, suggested_weight, adjustment_confidence,
			   adjustment_reason, sample_size, created_at
		FROM feature_performance
		WHERE tenant_id = ? AND model_version_id = ?
		ORDER BY feature_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, modelVersionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.FeaturePerformance
	for rows.Next() {
		var fp domain.FeaturePerformance
		var severity string
		var reason sql.NullString

		if err := rows.Scan(
			&fp.ID, &fp.TenantID, &fp.ModelVersionID, &fp.FeatureID, &fp.FeatureName,
			&fp.CurrentWeight, &fp.Correlation, &fp.PredictivePower, &fp.InformationValue, &fp.DataAvailability,
			&fp.BaselineMean, &fp.BaselineStddev, &fp.CurrentMean, &fp.CurrentStddev,
			&fp.DriftScore, &severity, &fp.SuggestedWeight, &fp.AdjustmentConfidence,
			&reason, &fp.SampleSize, &fp.CreatedAt,
		); err != nil {
			return nil, err
		}

		fp.DriftSeverity = domain.DriftSeverity(severity)
		fp.AdjustmentReason = reason.String
		records = append(records, &fp)
	}
	return records, rows.Err()
}

// ---------------------------------------------------------------------------
// Experiments
// ---------------------------------------------------------------------------

const experimentColumns = `id, tenant_id, name, description, hypothesis,
	control_version_id, treatment_version_id, traffic_split,
	target_countries, target_partners, min_sample_size,
	control_requests, treatment_requests, control_outcomes, treatment_outcomes,
	control_defaults, treatment_defaults,
	control_default_rate, treatment_default_rate, significance_pct,
	status, winner, started_at, ended_at, created_at, updated_at`

// SaveExperiment stores an experiment with tenant isolation.
func (r *SQLRepository) SaveExperiment(ctx context.Context, tenantID string, exp *domain.ABExperiment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	countries, _ := json.Marshal(exp.TargetCountries)
	partners, _ := json.Marshal(exp.TargetPartners)

	query := `
		INSERT INTO experiments (
			id, tenant_id, name, description, hypothesis,
			control_version_id, treatment_version_id, traffic_split,
			target_countries, target_partners, min_sample_size,
			control_requests, treatment_requests, control_outcomes, treatment_outcomes,
			control_defaults, treatment_defaults,
			control_default_rate, treatment_default_rate, significance_pct,
			status, winner, started_at, ended_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		exp.ID, tenantID, exp.Name, exp.Description, exp.Hypothesis,
		exp.ControlVersionID, exp.TreatmentVersionID, exp.TrafficSplit,
		string(countries), string(partners), exp.MinSampleSize,
		exp.ControlRequests, exp.TreatmentRequests, exp.ControlOutcomes, exp.TreatmentOutcomes,
		exp.ControlDefaults, exp.TreatmentDefaults,
		exp.ControlDefaultRate, exp.TreatmentDefaultRate, exp.SignificancePct,
		string(exp.Status), exp.Winner, nullTime(exp.StartedAt), nullTime(exp.EndedAt),
		exp.CreatedAt, exp.UpdatedAt,
	)
	return err
}

// GetExperiment retrieves an experiment by ID with tenant isolation.
func (r *SQLRepository) GetExperiment(ctx context.Context, tenantID string, id string) (*domain.ABExperiment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + experimentColumns + `
		FROM experiments
		WHERE tenant_id = ? AND id = ?`

	return r.scanExperiment(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
}

// ListExperiments retrieves experiments for a tenant, optionally filtered by
// status, newest first.
func (r *SQLRepository) ListExperiments(ctx context.Context, tenantID string, status domain.ExperimentStatus) ([]*domain.ABExperiment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + experimentColumns + `
		FROM experiments
		WHERE tenant_id = ?`
	args := []any{tenantID}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	return r.queryExperiments(ctx, query, args...)
}

// ListRunningExperiments returns running experiments in stable
// (started_at, id) order so traffic assignment is deterministic.
func (r *SQLRepository) ListRunningExperiments(ctx context.Context, tenantID string) ([]*domain.ABExperiment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + experimentColumns + `
		FROM experiments
		WHERE tenant_id = ? AND status = ?
		ORDER BY started_at, id`

	return r.queryExperiments(ctx, query, tenantID, string(domain.ExperimentStatusRunning))
}

// UpdateExperiment updates the mutable fields of an experiment.
// Counters are excluded; they only change through IncrementArmCounter.
func (r *SQLRepository) UpdateExperiment(ctx context.Context, tenantID string, exp *domain.ABExperiment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	countries, _ := json.Marshal(exp.TargetCountries)
	partners, _ := json.Marshal(exp.TargetPartners)

	query := `
		UPDATE experiments
		SET name = ?, description = ?, hypothesis = ?,
			traffic_split = ?, target_countries = ?, target_partners = ?,
			min_sample_size = ?,
			control_default_rate = ?, treatment_default_rate = ?, significance_pct = ?,
			status = ?, winner = ?, started_at = ?, ended_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		exp.Name, exp.Description, exp.Hypothesis,
		exp.TrafficSplit, string(countries), string(partners),
		exp.MinSampleSize,
		exp.ControlDefaultRate, exp.TreatmentDefaultRate, exp.SignificancePct,
		string(exp.Status), exp.Winner, nullTime(exp.StartedAt), nullTime(exp.EndedAt), exp.UpdatedAt,
		tenantID, exp.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementArmCounter applies an atomic in-store increment to one arm
// counter. Counters only move while the experiment is running.
func (r *SQLRepository) IncrementArmCounter(ctx context.Context, tenantID string, experimentID string, variant domain.Variant, counter domain.ArmCounter) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	column, err := armColumn(variant, counter)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE experiments
		SET %s = %s + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`, column, column)

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		time.Now().UTC(), tenantID, experimentID, string(domain.ExperimentStatusRunning))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing experiment from a non-running one.
		if _, err := r.GetExperiment(ctx, tenantID, experimentID); err != nil {
			return err
		}
		return fmt.Errorf("%w: experiment %s is not running", ErrInvalidState, experimentID)
	}
	return nil
}

// armColumn maps (variant, counter) onto a whitelisted column name.
func armColumn(variant domain.Variant, counter domain.ArmCounter) (string, error) {
	var prefix string
	switch variant {
	case domain.VariantControl:
		prefix = "control"
	case domain.VariantTreatment:
		prefix = "treatment"
	default:
		return "", fmt.Errorf("%w: unknown variant %q", ErrInvalidInput, variant)
	}

	switch counter {
	case domain.CounterRequests, domain.CounterOutcomes, domain.CounterDefaults:
		return prefix + "_" + string(counter), nil
	default:
		return "", fmt.Errorf("%w: unknown counter %q", ErrInvalidInput, counter)
	}
}

func (r *SQLRepository) queryExperiments(ctx context.Context, query string, args ...any) ([]*domain.ABExperiment, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []*domain.ABExperiment
	for rows.Next() {
		exp, err := r.scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	return experiments, rows.Err()
}

func (r *SQLRepository) scanExperiment(row rowScanner) (*domain.ABExperiment, error) {
	var exp domain.ABExperiment
	var countries, partners string
	var status string
	var winner sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&exp.ID, &exp.TenantID, &exp.Name, &exp.Description, &exp.Hypothesis,
		&exp.ControlVersionID, &exp.TreatmentVersionID, &exp.TrafficSplit,
		&countries, &partners, &exp.MinSampleSize,
		&exp.ControlRequests, &exp.TreatmentRequests, &exp.ControlOutcomes, &exp.TreatmentOutcomes,
		&exp.ControlDefaults, &exp.TreatmentDefaults,
		&exp.ControlDefaultRate, &exp.TreatmentDefaultRate, &exp.SignificancePct,
		&status, &winner, &startedAt, &endedAt, &exp.CreatedAt, &exp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	exp.Status = domain.ExperimentStatus(status)
	exp.Winner = winner.String
	if startedAt.Valid {
		t := startedAt.Time
		exp.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		exp.EndedAt = &t
	}

	json.Unmarshal([]byte(countries), &exp.TargetCountries)
	json.Unmarshal([]byte(partners), &exp.TargetPartners)

	return &exp, nil
}

// ---------------------------------------------------------------------------
// Loan outcomes and feature snapshots
// ---------------------------------------------------------------------------

// SaveOutcome stores a closed loan outcome with tenant isolation.
func (r *SQLRepository) SaveOutcome(ctx context.Context, tenantID string, outcome *domain.LoanOutcome) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	granted := 0
	if outcome.LoanGranted {
		granted = 1
	}

	query := `
		INSERT INTO loan_outcomes (
			id, tenant_id, scoring_request_id, loan_granted, repayment_status,
			score_at_decision, grade_at_decision, partner_id, country,
			amount, currency, closed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		outcome.ID, tenantID, outcome.ScoringRequestID, granted, string(outcome.RepaymentStatus),
		outcome.ScoreAtDecision, outcome.GradeAtDecision, outcome.PartnerID, outcome.Country,
		outcome.Amount, outcome.Currency, outcome.ClosedAt, outcome.CreatedAt,
	)
	return err
}

// ListClosedOutcomes returns up to limit closed outcomes, newest first.
// Pending loans are excluded; everything else counts as closed.
func (r *SQLRepository) ListClosedOutcomes(ctx context.Context, tenantID string, minSampleSize, limit int) ([]*domain.LoanOutcome, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10000
	}

	query := `
		SELECT id, tenant_id, scoring_request_id, loan_granted, repayment_status,
			   score_at_decision, grade_at_decision, partner_id, country,
			   amount, currency, closed_at, created_at
		FROM loan_outcomes
		WHERE tenant_id = ? AND repayment_status <> ?
		ORDER BY closed_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		tenantID, string(domain.RepaymentPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*domain.LoanOutcome
	for rows.Next() {
		var o domain.LoanOutcome
		var granted int
		var repaymentStatus string
		var grade, partner, country, currency sql.NullString

		if err := rows.Scan(
			&o.ID, &o.TenantID, &o.ScoringRequestID, &granted, &repaymentStatus,
			&o.ScoreAtDecision, &grade, &partner, &country,
			&o.Amount, &currency, &o.ClosedAt, &o.CreatedAt,
		); err != nil {
			return nil, err
		}

		o.LoanGranted = granted == 1
		o.RepaymentStatus = domain.RepaymentStatus(repaymentStatus)
		o.GradeAtDecision = grade.String
		o.PartnerID = partner.String
		o.Country = country.String
		o.Currency = currency.String
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

// SaveFeatureSnapshot stores the feature values recorded for a scoring
// request.
func (r *SQLRepository) SaveFeatureSnapshot(ctx context.Context, tenantID string, snap *domain.FeatureSnapshot) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(snap.Features)

	query := `
		INSERT INTO feature_snapshots (scoring_request_id, tenant_id, features, captured_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scoring_request_id, tenant_id) DO UPDATE SET
			features = excluded.features,
			captured_at = excluded.captured_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		snap.ScoringRequestID, tenantID, string(features), snap.CapturedAt)
	return err
}

// GetFeaturesForRequests joins scoring request IDs to their feature
// snapshots. Requests without a snapshot are simply absent from the result.
func (r *SQLRepository) GetFeaturesForRequests(ctx context.Context, tenantID string, requestIDs []string) (map[string]*domain.FeatureSnapshot, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	result := make(map[string]*domain.FeatureSnapshot, len(requestIDs))
	if len(requestIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT scoring_request_id, tenant_id, features, captured_at
		FROM feature_snapshots
		WHERE tenant_id = ? AND scoring_request_id = ?
	`
	bound := r.rebind(query)

	for _, id := range requestIDs {
		var snap domain.FeatureSnapshot
		var features string

		err := r.db.QueryRowContext(ctx, bound, tenantID, id).Scan(
			&snap.ScoringRequestID, &snap.TenantID, &features, &snap.CapturedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(features), &snap.Features); err != nil {
			return nil, fmt.Errorf("failed to parse feature snapshot %s: %w", id, err)
		}
		result[id] = &snap
	}
	return result, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

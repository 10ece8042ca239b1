package repository

// Schema definitions for the Kestrel governance store.
// Compatible with both SQLite and PostgreSQL.

const schemaModelVersions = `
CREATE TABLE IF NOT EXISTS model_versions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    version TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    feature_weights TEXT NOT NULL,
    sub_score_weights TEXT,
    fraud_rules TEXT,
    thresholds TEXT,
    metrics TEXT,
    training_samples INTEGER NOT NULL DEFAULT 0,
    validation_samples INTEGER NOT NULL DEFAULT 0,
    based_on_version_id TEXT,
    improvement_pct REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    promoted_at TIMESTAMP,
    promoted_by TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_versions_tenant ON model_versions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_model_versions_status ON model_versions(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_model_versions_created ON model_versions(tenant_id, created_at);
`

// active_model is a per-tenant singleton reference to the active version.
// It is only ever written inside the promotion transaction, so readers can
// never observe zero or two active versions.
const schemaActiveModel = `
CREATE TABLE IF NOT EXISTS active_model (
    tenant_id TEXT PRIMARY KEY,
    model_version_id TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaFeaturePerformance = `
CREATE TABLE IF NOT EXISTS feature_performance (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    model_version_id TEXT NOT NULL,
    feature_id TEXT NOT NULL,
    feature_name TEXT NOT NULL,
    current_weight REAL NOT NULL,
    correlation REAL NOT NULL,
    predictive_power REAL NOT NULL,
    information_value REAL NOT NULL,
    data_availability REAL NOT NULL,
    baseline_mean REAL NOT NULL,
    baseline_stddev REAL NOT NULL,
    current_mean REAL NOT NULL,
    current_stddev REAL NOT NULL,
    drift_score REAL NOT NULL,
    drift_severity TEXT NOT NULL,
    suggested_weight REAL NOT NULL,
    adjustment_confidence REAL NOT NULL,
    adjustment_reason TEXT,
    sample_size INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feature_performance_tenant ON feature_performance(tenant_id);
CREATE INDEX IF NOT EXISTS idx_feature_performance_version ON feature_performance(tenant_id, model_version_id);
`

const schemaExperiments = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    hypothesis TEXT,
    control_version_id TEXT NOT NULL,
    treatment_version_id TEXT NOT NULL,
    traffic_split REAL NOT NULL,
    target_countries TEXT,
    target_partners TEXT,
    min_sample_size INTEGER NOT NULL DEFAULT 0,
    control_requests INTEGER NOT NULL DEFAULT 0,
    treatment_requests INTEGER NOT NULL DEFAULT 0,
    control_outcomes INTEGER NOT NULL DEFAULT 0,
    treatment_outcomes INTEGER NOT NULL DEFAULT 0,
    control_defaults INTEGER NOT NULL DEFAULT 0,
    treatment_defaults INTEGER NOT NULL DEFAULT 0,
    control_default_rate REAL NOT NULL DEFAULT 0,
    treatment_default_rate REAL NOT NULL DEFAULT 0,
    significance_pct REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    winner TEXT,
    started_at TIMESTAMP,
    ended_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_tenant ON experiments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(tenant_id, status);
`

const schemaLoanOutcomes = `
CREATE TABLE IF NOT EXISTS loan_outcomes (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    scoring_request_id TEXT NOT NULL,
    loan_granted INTEGER NOT NULL,
    repayment_status TEXT NOT NULL,
    score_at_decision REAL NOT NULL,
    grade_at_decision TEXT,
    partner_id TEXT,
    country TEXT,
    amount REAL NOT NULL,
    currency TEXT,
    closed_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loan_outcomes_tenant ON loan_outcomes(tenant_id);
CREATE INDEX IF NOT EXISTS idx_loan_outcomes_request ON loan_outcomes(tenant_id, scoring_request_id);
CREATE INDEX IF NOT EXISTS idx_loan_outcomes_closed ON loan_outcomes(tenant_id, closed_at);
`

const schemaFeatureSnapshots = `
CREATE TABLE IF NOT EXISTS feature_snapshots (
    scoring_request_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    features TEXT NOT NULL,
    captured_at TIMESTAMP NOT NULL,
    PRIMARY KEY (scoring_request_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_feature_snapshots_tenant ON feature_snapshots(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaModelVersions,
		schemaActiveModel,
		schemaFeaturePerformance,
		schemaExperiments,
		schemaLoanOutcomes,
		schemaFeatureSnapshots,
	}
}

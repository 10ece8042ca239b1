package domain

import "time"

// ModelStatus is the lifecycle state of a model version.
type ModelStatus string

const (
	// ModelStatusDraft is the initial state of a newly created version.
	ModelStatusDraft ModelStatus = "draft"

	// ModelStatusTesting marks a version under evaluation (offline or A/B).
	ModelStatusTesting ModelStatus = "testing"

	// ModelStatusActive marks the single version serving production traffic.
	ModelStatusActive ModelStatus = "active"

	// ModelStatusDeprecated marks a previously active version.
	ModelStatusDeprecated ModelStatus = "deprecated"

	// ModelStatusArchived removes a version from default listings.
	// Reachable from any non-active state. Archived versions are never deleted.
	ModelStatusArchived ModelStatus = "archived"
)

// FraudRule is a typed fraud check carried by a model version.
// The optional CEL expression is validated when the version is created.
type FraudRule struct {
	ID          string  `json:"id"`
	Description string  `json:"description,omitempty"`
	Threshold   float64 `json:"threshold"`
	Weight      float64 `json:"weight"`
	Expression  string  `json:"expression,omitempty"`
}

// ValidationMetrics holds model quality metrics recorded after evaluation.
// Nil on a version means no evaluation has been recorded yet.
type ValidationMetrics struct {
	AUC       float64 `json:"auc"`
	Gini      float64 `json:"gini"`
	KS        float64 `json:"ks"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// ModelVersion is an immutable, versioned bundle of scoring configuration:
// feature weights, sub-score weights, fraud rules and decision thresholds.
// At most one version per tenant is active at any time.
type ModelVersion struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Version     string `json:"version"` // vMAJOR.MINOR.PATCH
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	FeatureWeights  map[string]float64 `json:"featureWeights"`
	SubScoreWeights map[string]float64 `json:"subScoreWeights,omitempty"`
	FraudRules      []FraudRule        `json:"fraudRules,omitempty"`
	Thresholds      map[string]float64 `json:"thresholds,omitempty"`

	Metrics           *ValidationMetrics `json:"metrics,omitempty"`
	TrainingSamples   int                `json:"trainingSamples"`
	ValidationSamples int                `json:"validationSamples"`

	// Lineage
	BasedOnVersionID string  `json:"basedOnVersionId,omitempty"`
	ImprovementPct   float64 `json:"improvementPct"`

	Status     ModelStatus `json:"status"`
	IsActive   bool        `json:"isActive"`
	PromotedAt *time.Time  `json:"promotedAt,omitempty"`
	PromotedBy string      `json:"promotedBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ModelComparison is the structural diff between two model versions.
type ModelComparison struct {
	VersionA string `json:"versionA"`
	VersionB string `json:"versionB"`

	FeatureWeightDiffs  []WeightDiff `json:"featureWeightDiffs"`
	SubScoreWeightDiffs []WeightDiff `json:"subScoreWeightDiffs,omitempty"`
	MetricDiffs         []MetricDiff `json:"metricDiffs,omitempty"`
}

// WeightDiff is one weight key compared across two versions.
type WeightDiff struct {
	Key     string  `json:"key"`
	WeightA float64 `json:"weightA"`
	WeightB float64 `json:"weightB"`
	Delta   float64 `json:"delta"`
}

// MetricDiff is one validation metric compared across two versions.
// ImprovementPct is (b-a)/a*100, zero when a is zero.
type MetricDiff struct {
	Metric         string  `json:"metric"`
	ValueA         float64 `json:"valueA"`
	ValueB         float64 `json:"valueB"`
	ImprovementPct float64 `json:"improvementPct"`
}

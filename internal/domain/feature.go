package domain

import "time"

// DriftSeverity classifies a population drift score.
type DriftSeverity string

const (
	DriftNone     DriftSeverity = "none"
	DriftMinor    DriftSeverity = "minor"
	DriftModerate DriftSeverity = "moderate"
	DriftMajor    DriftSeverity = "major"
	DriftCritical DriftSeverity = "critical"
)

// FeaturePerformance is the per-feature result of one analysis run.
// Records are immutable once written and always reference the model version
// they were computed against.
type FeaturePerformance struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenantId"`
	ModelVersionID string `json:"modelVersionId"`
	FeatureID      string `json:"featureId"`
	FeatureName    string `json:"featureName"`

	CurrentWeight    float64 `json:"currentWeight"`
	Correlation      float64 `json:"correlation"`      // with default, [-1,1]
	PredictivePower  float64 `json:"predictivePower"`  // Gini, [0,1]
	InformationValue float64 `json:"informationValue"` // >= 0
	DataAvailability float64 `json:"dataAvailability"` // [0,1]

	BaselineMean   float64       `json:"baselineMean"`
	BaselineStddev float64       `json:"baselineStddev"`
	CurrentMean    float64       `json:"currentMean"`
	CurrentStddev  float64       `json:"currentStddev"`
	DriftScore     float64       `json:"driftScore"`
	DriftSeverity  DriftSeverity `json:"driftSeverity"`

	SuggestedWeight      float64 `json:"suggestedWeight"`
	AdjustmentConfidence float64 `json:"adjustmentConfidence"`
	AdjustmentReason     string  `json:"adjustmentReason"`

	SampleSize int       `json:"sampleSize"`
	CreatedAt  time.Time `json:"createdAt"`
}

// WeightAdjustment is the recommendation produced by an analysis run.
// SuggestedWeights sum to 1.0 when the run had sufficient data.
type WeightAdjustment struct {
	TenantID         string `json:"tenantId"`
	BasedOnVersionID string `json:"basedOnVersionId"`

	Features         []*FeaturePerformance `json:"features"`
	SuggestedWeights map[string]float64    `json:"suggestedWeights"`

	// OverallImprovement is the estimated relative gain of adopting the
	// suggested weights. Zero when the served score already discriminates.
	OverallImprovement float64 `json:"overallImprovement"`
	Confidence         float64 `json:"confidence"`
	SampleSize         int     `json:"sampleSize"`
	Reason             string  `json:"reason"`

	GeneratedAt time.Time `json:"generatedAt"`
}

package domain

import "time"

// ExperimentStatus is the lifecycle state of an A/B experiment.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusPaused    ExperimentStatus = "paused"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusCancelled ExperimentStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentStatusCompleted || s == ExperimentStatusCancelled
}

// Variant identifies one arm of an experiment.
type Variant string

const (
	VariantControl   Variant = "control"
	VariantTreatment Variant = "treatment"
)

// WinnerInconclusive is set when the experiment ends without significance.
const WinnerInconclusive = "inconclusive"

// ABExperiment is a controlled comparison between exactly two model versions.
// Arm counters only increase while the experiment is running; Winner is set
// only when the experiment completes.
type ABExperiment struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Hypothesis  string `json:"hypothesis,omitempty"`

	ControlVersionID   string  `json:"controlVersionId"`
	TreatmentVersionID string  `json:"treatmentVersionId"`
	TrafficSplit       float64 `json:"trafficSplit"` // fraction routed to treatment, [0,1]

	// Optional targeting filters. Empty means no restriction.
	TargetCountries []string `json:"targetCountries,omitempty"`
	TargetPartners  []string `json:"targetPartners,omitempty"`

	MinSampleSize int `json:"minSampleSize"`

	ControlRequests   int64 `json:"controlRequests"`
	TreatmentRequests int64 `json:"treatmentRequests"`
	ControlOutcomes   int64 `json:"controlOutcomes"`
	TreatmentOutcomes int64 `json:"treatmentOutcomes"`
	ControlDefaults   int64 `json:"controlDefaults"`
	TreatmentDefaults int64 `json:"treatmentDefaults"`

	// Final statistics, persisted on stop.
	ControlDefaultRate   float64 `json:"controlDefaultRate"`
	TreatmentDefaultRate float64 `json:"treatmentDefaultRate"`
	SignificancePct      float64 `json:"significancePct"`

	Status ExperimentStatus `json:"status"`
	Winner string           `json:"winner,omitempty"` // control, treatment or inconclusive

	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Matches reports whether a request with the given partner and country is
// eligible for this experiment under its targeting filters.
func (e *ABExperiment) Matches(partnerID, country string) bool {
	if len(e.TargetCountries) > 0 && !contains(e.TargetCountries, country) {
		return false
	}
	if len(e.TargetPartners) > 0 && !contains(e.TargetPartners, partnerID) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Assignment is the result of routing a scoring request through experiments.
type Assignment struct {
	Assigned       bool    `json:"assigned"`
	ExperimentID   string  `json:"experimentId,omitempty"`
	Variant        Variant `json:"variant,omitempty"`
	ModelVersionID string  `json:"modelVersionId"`
}

// ArmStats summarizes one experiment arm for evaluation.
type ArmStats struct {
	Variant     Variant `json:"variant"`
	Requests    int64   `json:"requests"`
	Outcomes    int64   `json:"outcomes"`
	Defaults    int64   `json:"defaults"`
	DefaultRate float64 `json:"defaultRate"`
}

// ExperimentResults is the read-only statistical evaluation of an experiment.
type ExperimentResults struct {
	ExperimentID   string   `json:"experimentId"`
	Control        ArmStats `json:"control"`
	Treatment      ArmStats `json:"treatment"`
	PValue         float64  `json:"pValue"`
	EffectSize     float64  `json:"effectSize"`
	ConfidenceLow  float64  `json:"confidenceLow"`
	ConfidenceHigh float64  `json:"confidenceHigh"`
	Significant    bool     `json:"significant"`
	SufficientData bool     `json:"sufficientData"`
	Winner         string   `json:"winner"`
	Recommendation string   `json:"recommendation"`
}

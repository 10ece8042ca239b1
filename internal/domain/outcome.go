package domain

import "time"

// RepaymentStatus is the final repayment state of a closed loan.
type RepaymentStatus string

const (
	RepaymentPending   RepaymentStatus = "pending"
	RepaymentOnTime    RepaymentStatus = "on_time"
	RepaymentLate30    RepaymentStatus = "late_30"
	RepaymentLate60    RepaymentStatus = "late_60"
	RepaymentLate90    RepaymentStatus = "late_90"
	RepaymentDefault   RepaymentStatus = "default"
	RepaymentEarly     RepaymentStatus = "early_repayment"
)

// Defaulted reports whether this status counts as a binary default outcome.
// late_90 is treated as default for statistics.
func (s RepaymentStatus) Defaulted() bool {
	return s == RepaymentDefault || s == RepaymentLate90
}

// LoanOutcome is a closed loan joined to the scoring decision that granted it.
type LoanOutcome struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	ScoringRequestID string          `json:"scoringRequestId"`
	LoanGranted      bool            `json:"loanGranted"`
	RepaymentStatus  RepaymentStatus `json:"repaymentStatus"`
	ScoreAtDecision  float64         `json:"scoreAtDecision"`
	GradeAtDecision  string          `json:"gradeAtDecision,omitempty"`
	PartnerID        string          `json:"partnerId,omitempty"`
	Country          string          `json:"country,omitempty"`
	Amount           float64         `json:"amount"`
	Currency         string          `json:"currency,omitempty"`
	ClosedAt         time.Time       `json:"closedAt"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// FeatureSnapshot holds the feature values recorded for one scoring request.
type FeatureSnapshot struct {
	ScoringRequestID string             `json:"scoringRequestId"`
	TenantID         string             `json:"tenantId"`
	Features         map[string]float64 `json:"features"`
	CapturedAt       time.Time          `json:"capturedAt"`
}

// Package analyzer turns historical loan outcomes into per-feature
// performance statistics and weight-adjustment recommendations.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/stats"
)

const (
	// Suggested weights are clamped to this range before renormalization so
	// no single feature dominates and none disappears entirely.
	minSuggestedWeight = 0.01
	maxSuggestedWeight = 0.35

	// servedScoreCorrelation is the |r| above which the served score is
	// considered to already discriminate, making a reweight pointless.
	servedScoreCorrelation = 0.3

	// fullConfidenceSamples is the joined sample count at which the
	// sample-size component of confidence saturates.
	fullConfidenceSamples = 1000
)

// Analyzer computes feature performance against the active model version.
type Analyzer struct {
	repo domain.Repository
	cfg  domain.GovernanceConfig
}

// New creates an analyzer.
func New(repo domain.Repository, cfg domain.GovernanceConfig) *Analyzer {
	return &Analyzer{repo: repo, cfg: cfg}
}

// AnalyzeFeaturePerformance joins closed outcomes to their feature snapshots
// and produces a weight-adjustment recommendation for the active model
// version. Thin data never fails the run: the result carries the current
// weights with confidence 0 and an explanatory reason.
func (a *Analyzer) AnalyzeFeaturePerformance(ctx context.Context, tenantID string, minSampleSize int) (*domain.WeightAdjustment, error) {
	if minSampleSize <= 0 {
		minSampleSize = a.cfg.AnalysisMinSampleSize
	}

	active, err := a.repo.GetActiveModelVersion(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("no active model version to analyze: %w", err)
	}

	outcomes, err := a.repo.ListClosedOutcomes(ctx, tenantID, minSampleSize, a.cfg.AnalysisMaxSampleSize)
	if err != nil {
		return nil, err
	}
	if len(outcomes) < minSampleSize {
		return a.insufficient(active, len(outcomes), minSampleSize), nil
	}

	requestIDs := make([]string, len(outcomes))
	for i, o := range outcomes {
		requestIDs[i] = o.ScoringRequestID
	}
	snapshots, err := a.repo.GetFeaturesForRequests(ctx, tenantID, requestIDs)
	if err != nil {
		return nil, err
	}

	// Keep only outcomes that joined to a snapshot.
	joined := outcomes[:0:0]
	for _, o := range outcomes {
		if _, ok := snapshots[o.ScoringRequestID]; ok {
			joined = append(joined, o)
		}
	}
	if len(joined) < minSampleSize {
		return a.insufficient(active, len(joined), minSampleSize), nil
	}

	n := len(joined)
	defaults := make([]float64, n)
	scores := make([]float64, n)
	for i, o := range joined {
		if o.RepaymentStatus.Defaulted() {
			defaults[i] = 1
		}
		scores[i] = o.ScoreAtDecision
	}

	featureIDs := make([]string, 0, len(active.FeatureWeights))
	for id := range active.FeatureWeights {
		featureIDs = append(featureIDs, id)
	}
	sort.Strings(featureIDs)

	now := time.Now().UTC()
	records := make([]*domain.FeaturePerformance, 0, len(featureIDs))
	rawScores := make(map[string]float64, len(featureIDs))

	for _, featureID := range featureIDs {
		fp := a.analyzeFeature(featureID, active, joined, snapshots, defaults, n, now)
		records = append(records, fp)
		rawScores[featureID] = rawScore(fp)
	}

	suggested := normalizeWeights(rawScores)
	var confidence float64
	for _, fp := range records {
		fp.SuggestedWeight = suggested[fp.FeatureID]
		confidence += fp.AdjustmentConfidence
	}
	confidence /= float64(len(records))

	adjustment := &domain.WeightAdjustment{
		TenantID:         tenantID,
		BasedOnVersionID: active.ID,
		Features:         records,
		SuggestedWeights: suggested,
		Confidence:       confidence,
		SampleSize:       n,
		GeneratedAt:      now,
	}

	scoreCorr := stats.PearsonCorrelation(scores, defaults)
	if math.Abs(scoreCorr) > servedScoreCorrelation {
		adjustment.OverallImprovement = 0
		adjustment.Reason = fmt.Sprintf("served score already discriminates (|r| = %.2f)", math.Abs(scoreCorr))
	} else {
		adjustment.OverallImprovement = estimateImprovement(records, active.FeatureWeights, suggested)
		adjustment.Reason = fmt.Sprintf("reweighted %d features over %d closed outcomes", len(records), n)
	}

	if err := a.repo.SaveFeaturePerformance(ctx, tenantID, records); err != nil {
		return nil, err
	}

	slog.Info("feature performance analysis complete",
		"tenant", tenantID,
		"model_version", active.Version,
		"sample_size", n,
		"features", len(records),
		"confidence", confidence,
	)
	return adjustment, nil
}

func (a *Analyzer) analyzeFeature(featureID string, active *domain.ModelVersion, joined []*domain.LoanOutcome, snapshots map[string]*domain.FeatureSnapshot, defaults []float64, n int, now time.Time) *domain.FeaturePerformance {
	// Pair up feature values with outcomes where the feature is present.
	values := make([]float64, 0, n)
	pairedDefaults := make([]float64, 0, n)
	for i, o := range joined {
		snap := snapshots[o.ScoringRequestID]
		v, ok := snap.Features[featureID]
		if !ok {
			continue
		}
		values = append(values, v)
		pairedDefaults = append(pairedDefaults, defaults[i])
	}

	availability := float64(len(values)) / float64(n)
	correlation := stats.PearsonCorrelation(values, pairedDefaults)

	// Gini ranks by predicted default, so flip features that protect
	// against default before scoring their discriminative power.
	ranked := values
	if correlation < 0 {
		ranked = make([]float64, len(values))
		for i, v := range values {
			ranked[i] = -v
		}
	}
	gini := stats.Gini(ranked, pairedDefaults)
	iv := stats.InformationValue(values, pairedDefaults, stats.DefaultIVBins)

	// Outcomes arrive newest first: the first half is the current
	// population, the second half the baseline.
	half := len(values) / 2
	currentVals, baselineVals := values[:half], values[half:]
	baselineMean := stats.Mean(baselineVals)
	baselineStddev := stats.Stddev(baselineVals)
	currentMean := stats.Mean(currentVals)
	currentStddev := stats.Stddev(currentVals)
	drift := stats.PopulationDrift(baselineMean, baselineStddev, currentMean, currentStddev)

	fp := &domain.FeaturePerformance{
		ID:             uuid.New().String(),
		TenantID:       active.TenantID,
		ModelVersionID: active.ID,
		FeatureID:      featureID,
		FeatureName:    featureID,
		CurrentWeight:  active.FeatureWeights[featureID],

		Correlation:      correlation,
		PredictivePower:  gini,
		InformationValue: iv,
		DataAvailability: availability,

		BaselineMean:   baselineMean,
		BaselineStddev: baselineStddev,
		CurrentMean:    currentMean,
		CurrentStddev:  currentStddev,
		DriftScore:     drift.Score,
		DriftSeverity:  domain.DriftSeverity(drift.Severity),

		AdjustmentConfidence: availability * math.Min(1, float64(len(values))/fullConfidenceSamples),
		AdjustmentReason:     adjustmentReason(correlation, gini, iv, availability, drift),
		SampleSize:           len(values),
		CreatedAt:            now,
	}
	return fp
}

func (a *Analyzer) insufficient(active *domain.ModelVersion, have, need int) *domain.WeightAdjustment {
	suggested := make(map[string]float64, len(active.FeatureWeights))
	for k, v := range active.FeatureWeights {
		suggested[k] = v
	}

	slog.Info("feature performance analysis skipped",
		"tenant", active.TenantID,
		"model_version", active.Version,
		"have", have,
		"need", need,
	)
	return &domain.WeightAdjustment{
		TenantID:         active.TenantID,
		BasedOnVersionID: active.ID,
		SuggestedWeights: suggested,
		Confidence:       0,
		SampleSize:       have,
		Reason:           fmt.Sprintf("insufficient data: %d closed outcomes, need %d", have, need),
		GeneratedAt:      time.Now().UTC(),
	}
}

// rawScore combines the discriminative statistics into an unnormalized
// importance score, discounted by availability.
func rawScore(fp *domain.FeaturePerformance) float64 {
	return (math.Abs(fp.Correlation) + fp.PredictivePower + math.Min(fp.InformationValue, 1)) / 3 * fp.DataAvailability
}

// normalizeWeights turns raw importance scores into weights that sum to 1.0,
// clamped to [minSuggestedWeight, maxSuggestedWeight] before a final
// renormalization. A degenerate input (all zeros) falls back to uniform.
func normalizeWeights(raw map[string]float64) map[string]float64 {
	var total float64
	for _, v := range raw {
		total += v
	}

	weights := make(map[string]float64, len(raw))
	if total == 0 {
		uniform := 1.0 / float64(len(raw))
		for k := range raw {
			weights[k] = uniform
		}
		return weights
	}

	var clampedTotal float64
	for k, v := range raw {
		w := v / total
		if w < minSuggestedWeight {
			w = minSuggestedWeight
		}
		if w > maxSuggestedWeight {
			w = maxSuggestedWeight
		}
		weights[k] = w
		clampedTotal += w
	}
	for k := range weights {
		weights[k] /= clampedTotal
	}
	return weights
}

// estimateImprovement compares the Gini-weighted power of the suggested
// weights against the current ones, as a relative percentage.
func estimateImprovement(records []*domain.FeaturePerformance, current, suggested map[string]float64) float64 {
	var currentPower, suggestedPower float64
	for _, fp := range records {
		currentPower += current[fp.FeatureID] * fp.PredictivePower
		suggestedPower += suggested[fp.FeatureID] * fp.PredictivePower
	}
	if currentPower == 0 {
		return 0
	}
	improvement := (suggestedPower - currentPower) / currentPower * 100
	if improvement < 0 {
		return 0
	}
	return improvement
}

func adjustmentReason(correlation, gini, iv, availability float64, drift stats.DriftResult) string {
	switch {
	case availability < 0.5:
		return fmt.Sprintf("low availability (%.0f%% of samples)", availability*100)
	case drift.Severity == stats.SeverityCritical || drift.Severity == stats.SeverityMajor:
		return fmt.Sprintf("population drift %s (score %.2f)", drift.Severity, drift.Score)
	case gini >= 0.4 || iv >= 0.3:
		return fmt.Sprintf("strong predictor (gini %.2f, iv %.2f)", gini, iv)
	case math.Abs(correlation) < 0.05 && gini < 0.1:
		return "weak predictor, weight reduced"
	default:
		return fmt.Sprintf("moderate predictor (gini %.2f, iv %.2f)", gini, iv)
	}
}

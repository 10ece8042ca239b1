// Package registry manages the model version lifecycle: creation with
// validation, semantic versioning, promotion and archival.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/repository"
)

const (
	// weightSumTolerance is the allowed deviation of a weight map sum from 1.0.
	weightSumTolerance = 0.01

	// versionRollover carries patch into minor and minor into major.
	versionRollover = 100

	// activeVersionTTL bounds staleness of the cached active version.
	activeVersionTTL = 5 * time.Minute
)

// Service manages model versions for all tenants.
type Service struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	validator *RuleValidator
}

// NewService creates a registry service. Cache and bus may be nil.
func NewService(repo domain.Repository, cache domain.Cache, bus domain.EventBus) (*Service, error) {
	validator, err := NewRuleValidator()
	if err != nil {
		return nil, err
	}

	return &Service{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		validator: validator,
	}, nil
}

// CreateVersionInput holds the configuration for a new model version.
type CreateVersionInput struct {
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	FeatureWeights   map[string]float64 `json:"featureWeights"`
	SubScoreWeights  map[string]float64 `json:"subScoreWeights,omitempty"`
	FraudRules       []domain.FraudRule `json:"fraudRules,omitempty"`
	Thresholds       map[string]float64 `json:"thresholds,omitempty"`
	TrainingSamples  int                `json:"trainingSamples"`
	BasedOnVersionID string             `json:"basedOnVersionId,omitempty"`
}

// CreateVersion validates the input, assigns the next semantic version and
// stores a new draft version.
func (s *Service) CreateVersion(ctx context.Context, tenantID string, input *CreateVersionInput) (*domain.ModelVersion, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("%w: name is required", repository.ErrInvalidInput)
	}
	if err := validateWeights("feature weights", input.FeatureWeights, true); err != nil {
		return nil, err
	}
	if err := validateWeights("sub-score weights", input.SubScoreWeights, false); err != nil {
		return nil, err
	}
	if err := validateThresholds(input.Thresholds); err != nil {
		return nil, err
	}
	if err := validateFraudRuleBounds(input.FraudRules); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(input.FraudRules); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidInput, err)
	}

	if input.BasedOnVersionID != "" {
		if _, err := s.repo.GetModelVersion(ctx, tenantID, input.BasedOnVersionID); err != nil {
			return nil, fmt.Errorf("based-on version %s: %w", input.BasedOnVersionID, err)
		}
	}

	version := "v1.0.0"
	latest, err := s.repo.GetLatestModelVersion(ctx, tenantID)
	switch {
	case err == nil:
		version, err = NextVersion(latest.Version)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, repository.ErrNotFound):
		// First version for this tenant.
	default:
		return nil, err
	}

	now := time.Now().UTC()
	mv := &domain.ModelVersion{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		Version:          version,
		Name:             input.Name,
		Description:      input.Description,
		FeatureWeights:   input.FeatureWeights,
		SubScoreWeights:  input.SubScoreWeights,
		FraudRules:       input.FraudRules,
		Thresholds:       input.Thresholds,
		TrainingSamples:  input.TrainingSamples,
		BasedOnVersionID: input.BasedOnVersionID,
		Status:           domain.ModelStatusDraft,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.SaveModelVersion(ctx, tenantID, mv); err != nil {
		return nil, err
	}

	slog.Info("model version created",
		"tenant", tenantID,
		"id", mv.ID,
		"version", mv.Version,
		"features", len(mv.FeatureWeights),
	)
	return mv, nil
}

// CreateVersionFromAdjustment materializes an analysis recommendation as a
// new draft version. The suggested weights replace the feature weights of the
// version the analysis ran against; everything else (sub-score weights, fraud
// rules, thresholds) carries over from that version, and lineage is recorded.
func (s *Service) CreateVersionFromAdjustment(ctx context.Context, tenantID string, adj *domain.WeightAdjustment) (*domain.ModelVersion, error) {
	if adj == nil || len(adj.SuggestedWeights) == 0 {
		return nil, fmt.Errorf("%w: adjustment with suggested weights is required", repository.ErrInvalidInput)
	}
	if adj.BasedOnVersionID == "" {
		return nil, fmt.Errorf("%w: adjustment must reference the version it was computed against", repository.ErrInvalidInput)
	}
	if adj.Confidence <= 0 {
		return nil, fmt.Errorf("%w: adjustment carries no confidence, refusing to create a version from it", repository.ErrInvalidInput)
	}

	base, err := s.repo.GetModelVersion(ctx, tenantID, adj.BasedOnVersionID)
	if err != nil {
		return nil, fmt.Errorf("based-on version %s: %w", adj.BasedOnVersionID, err)
	}

	description := adj.Reason
	if description == "" {
		description = fmt.Sprintf("reweighted from %s over %d outcomes", base.Version, adj.SampleSize)
	}

	mv, err := s.CreateVersion(ctx, tenantID, &CreateVersionInput{
		Name:             base.Name + " (reweighted)",
		Description:      description,
		FeatureWeights:   adj.SuggestedWeights,
		SubScoreWeights:  base.SubScoreWeights,
		FraudRules:       base.FraudRules,
		Thresholds:       base.Thresholds,
		TrainingSamples:  base.TrainingSamples,
		BasedOnVersionID: base.ID,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("version created from adjustment",
		"tenant", tenantID,
		"id", mv.ID,
		"based_on", base.ID,
		"confidence", adj.Confidence,
	)
	return mv, nil
}

// GetVersion retrieves a model version by ID.
func (s *Service) GetVersion(ctx context.Context, tenantID, id string) (*domain.ModelVersion, error) {
	return s.repo.GetModelVersion(ctx, tenantID, id)
}

// ListVersions lists versions for a tenant, newest first.
func (s *Service) ListVersions(ctx context.Context, tenantID string, includeArchived bool) ([]*domain.ModelVersion, error) {
	return s.repo.ListModelVersions(ctx, tenantID, includeArchived)
}

// GetActiveVersion resolves the version serving production traffic,
// cache-first.
func (s *Service) GetActiveVersion(ctx context.Context, tenantID string) (*domain.ModelVersion, error) {
	if s.cache != nil {
		if mv, err := s.cache.GetActiveVersion(ctx, tenantID); err == nil && mv != nil {
			return mv, nil
		}
	}

	mv, err := s.repo.GetActiveModelVersion(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetActiveVersion(ctx, tenantID, mv, activeVersionTTL); err != nil {
			slog.Warn("failed to cache active version", "tenant", tenantID, "error", err)
		}
	}
	return mv, nil
}

// SubmitForTesting moves a draft version into testing.
func (s *Service) SubmitForTesting(ctx context.Context, tenantID, id string) (*domain.ModelVersion, error) {
	mv, err := s.repo.GetModelVersion(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if mv.Status != domain.ModelStatusDraft {
		return nil, fmt.Errorf("%w: version %s is %s, only drafts can be submitted", repository.ErrInvalidState, id, mv.Status)
	}

	if err := s.repo.UpdateModelStatus(ctx, tenantID, id, domain.ModelStatusTesting); err != nil {
		return nil, err
	}
	mv.Status = domain.ModelStatusTesting
	return mv, nil
}

// RecordMetrics stores validation metrics on a version and recomputes its
// improvement over the version it was based on (Gini, relative).
func (s *Service) RecordMetrics(ctx context.Context, tenantID, id string, metrics *domain.ValidationMetrics, validationSamples int) (*domain.ModelVersion, error) {
	if metrics == nil {
		return nil, fmt.Errorf("%w: metrics are required", repository.ErrInvalidInput)
	}

	mv, err := s.repo.GetModelVersion(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	improvementPct := mv.ImprovementPct
	if mv.BasedOnVersionID != "" {
		base, err := s.repo.GetModelVersion(ctx, tenantID, mv.BasedOnVersionID)
		if err == nil && base.Metrics != nil && base.Metrics.Gini > 0 {
			improvementPct = (metrics.Gini - base.Metrics.Gini) / base.Metrics.Gini * 100
		}
	}

	// Dedicated metrics write: the version read above may be stale, and a
	// full upsert would overwrite whatever a concurrent promotion did.
	if err := s.repo.UpdateModelMetrics(ctx, tenantID, id, metrics, validationSamples, improvementPct); err != nil {
		return nil, err
	}

	slog.Info("validation metrics recorded",
		"tenant", tenantID,
		"id", id,
		"gini", metrics.Gini,
		"improvement_pct", improvementPct,
	)
	return s.repo.GetModelVersion(ctx, tenantID, id)
}

// Promote makes a version the single active one for its tenant, invalidates
// the cached active version and announces the change on the bus.
func (s *Service) Promote(ctx context.Context, tenantID, id, promotedBy string) (*domain.ModelVersion, error) {
	if err := s.repo.PromoteModelVersion(ctx, tenantID, id, promotedBy); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.DeleteActiveVersion(ctx, tenantID); err != nil {
			slog.Warn("failed to invalidate active version cache", "tenant", tenantID, "error", err)
		}
	}

	mv, err := s.repo.GetModelVersion(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, tenantID, domain.TopicModelPromoted, map[string]any{
		"modelVersionId": mv.ID,
		"version":        mv.Version,
		"promotedBy":     promotedBy,
	})

	slog.Info("model version promoted",
		"tenant", tenantID,
		"id", mv.ID,
		"version", mv.Version,
		"promoted_by", promotedBy,
	)
	return mv, nil
}

// Archive removes a version from default listings. The active version cannot
// be archived; promote a replacement first.
func (s *Service) Archive(ctx context.Context, tenantID, id string) error {
	mv, err := s.repo.GetModelVersion(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if mv.IsActive {
		return fmt.Errorf("%w: version %s is active and cannot be archived", repository.ErrInvalidState, id)
	}

	if err := s.repo.UpdateModelStatus(ctx, tenantID, id, domain.ModelStatusArchived); err != nil {
		return err
	}

	s.publish(ctx, tenantID, domain.TopicModelArchived, map[string]any{
		"modelVersionId": mv.ID,
		"version":        mv.Version,
	})

	slog.Info("model version archived", "tenant", tenantID, "id", id, "version", mv.Version)
	return nil
}

// Compare produces a structural diff of two versions: weight deltas and
// relative metric changes.
func (s *Service) Compare(ctx context.Context, tenantID, idA, idB string) (*domain.ModelComparison, error) {
	a, err := s.repo.GetModelVersion(ctx, tenantID, idA)
	if err != nil {
		return nil, err
	}
	b, err := s.repo.GetModelVersion(ctx, tenantID, idB)
	if err != nil {
		return nil, err
	}

	cmp := &domain.ModelComparison{
		VersionA:            a.Version,
		VersionB:            b.Version,
		FeatureWeightDiffs:  diffWeights(a.FeatureWeights, b.FeatureWeights),
		SubScoreWeightDiffs: diffWeights(a.SubScoreWeights, b.SubScoreWeights),
	}

	if a.Metrics != nil && b.Metrics != nil {
		cmp.MetricDiffs = diffMetrics(a.Metrics, b.Metrics)
	}
	return cmp, nil
}

// ListPerformance returns the stored feature-performance records for a
// version.
func (s *Service) ListPerformance(ctx context.Context, tenantID, modelVersionID string) ([]*domain.FeaturePerformance, error) {
	return s.repo.ListFeaturePerformance(ctx, tenantID, modelVersionID)
}

func (s *Service) publish(ctx context.Context, tenantID, topic string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, tenantID, topic, data); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "tenant", tenantID, "error", err)
	}
}

// NextVersion increments the patch component of a vMAJOR.MINOR.PATCH string.
// Patch carries into minor at 100, minor into major at 100.
func NextVersion(prev string) (string, error) {
	var major, minor, patch int
	if _, err := fmt.Sscanf(prev, "v%d.%d.%d", &major, &minor, &patch); err != nil {
		return "", fmt.Errorf("%w: malformed version %q", repository.ErrInvalidInput, prev)
	}

	patch++
	if patch >= versionRollover {
		patch = 0
		minor++
	}
	if minor >= versionRollover {
		minor = 0
		major++
	}
	return fmt.Sprintf("v%d.%d.%d", major, minor, patch), nil
}

func validateWeights(label string, weights map[string]float64, required bool) error {
	if len(weights) == 0 {
		if required {
			return fmt.Errorf("%w: %s are required", repository.ErrInvalidInput, label)
		}
		return nil
	}

	var sum float64
	for key, w := range weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("%w: %s[%s] = %f, must be within [0, 1]", repository.ErrInvalidInput, label, key, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("%w: %s sum to %f, expected 1.0", repository.ErrInvalidInput, label, sum)
	}
	return nil
}

func validateThresholds(thresholds map[string]float64) error {
	for key, t := range thresholds {
		if t < 0 || t > 1 {
			return fmt.Errorf("%w: threshold %s = %f, must be within [0, 1]", repository.ErrInvalidInput, key, t)
		}
	}
	return nil
}

func validateFraudRuleBounds(rules []domain.FraudRule) error {
	for _, rule := range rules {
		if rule.ID == "" {
			return fmt.Errorf("%w: fraud rule id is required", repository.ErrInvalidInput)
		}
		if rule.Weight < 0 || rule.Weight > 1 {
			return fmt.Errorf("%w: fraud rule %s weight = %f, must be within [0, 1]", repository.ErrInvalidInput, rule.ID, rule.Weight)
		}
		if rule.Threshold < 0 {
			return fmt.Errorf("%w: fraud rule %s threshold must not be negative", repository.ErrInvalidInput, rule.ID)
		}
	}
	return nil
}

func diffWeights(a, b map[string]float64) []domain.WeightDiff {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	diffs := make([]domain.WeightDiff, 0, len(ordered))
	for _, k := range ordered {
		diffs = append(diffs, domain.WeightDiff{
			Key:     k,
			WeightA: a[k],
			WeightB: b[k],
			Delta:   b[k] - a[k],
		})
	}
	return diffs
}

func diffMetrics(a, b *domain.ValidationMetrics) []domain.MetricDiff {
	pairs := []struct {
		name string
		a, b float64
	}{
		{"auc", a.AUC, b.AUC},
		{"gini", a.Gini, b.Gini},
		{"ks", a.KS, b.KS},
		{"accuracy", a.Accuracy, b.Accuracy},
		{"precision", a.Precision, b.Precision},
		{"recall", a.Recall, b.Recall},
		{"f1", a.F1, b.F1},
	}

	diffs := make([]domain.MetricDiff, 0, len(pairs))
	for _, p := range pairs {
		d := domain.MetricDiff{Metric: p.name, ValueA: p.a, ValueB: p.b}
		if p.a != 0 {
			d.ImprovementPct = (p.b - p.a) / p.a * 100
		}
		diffs = append(diffs, d)
	}
	return diffs
}

// Package experiment runs A/B experiments between model versions:
// lifecycle management, deterministic traffic assignment and statistical
// evaluation of outcomes.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/repository"
)

const (
	// assignmentBuckets is the resolution of the hash bucket space.
	assignmentBuckets = 1000

	// runningExperimentsTTL bounds staleness of the cached running list on
	// the assignment hot path.
	runningExperimentsTTL = 30 * time.Second
)

// Controller manages experiments for all tenants.
type Controller struct {
	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus
	cfg   domain.GovernanceConfig
}

// NewController creates an experiment controller. Cache and bus may be nil.
func NewController(repo domain.Repository, cache domain.Cache, bus domain.EventBus, cfg domain.GovernanceConfig) *Controller {
	return &Controller{
		repo:  repo,
		cache: cache,
		bus:   bus,
		cfg:   cfg,
	}
}

// CreateInput holds the configuration for a new experiment.
type CreateInput struct {
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Hypothesis         string   `json:"hypothesis,omitempty"`
	ControlVersionID   string   `json:"controlVersionId"`
	TreatmentVersionID string   `json:"treatmentVersionId"`
	TrafficSplit       float64  `json:"trafficSplit"`
	TargetCountries    []string `json:"targetCountries,omitempty"`
	TargetPartners     []string `json:"targetPartners,omitempty"`
	MinSampleSize      int      `json:"minSampleSize,omitempty"`
}

// Create validates the arms and stores a new draft experiment.
func (c *Controller) Create(ctx context.Context, tenantID string, input *CreateInput) (*domain.ABExperiment, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("%w: name is required", repository.ErrInvalidInput)
	}
	if input.TrafficSplit < 0 || input.TrafficSplit > 1 {
		return nil, fmt.Errorf("%w: traffic split %f must be within [0, 1]", repository.ErrInvalidInput, input.TrafficSplit)
	}
	if input.ControlVersionID == input.TreatmentVersionID {
		return nil, fmt.Errorf("%w: control and treatment must be different versions", repository.ErrInvalidInput)
	}

	for _, id := range []string{input.ControlVersionID, input.TreatmentVersionID} {
		if _, err := c.repo.GetModelVersion(ctx, tenantID, id); err != nil {
			return nil, fmt.Errorf("arm version %s: %w", id, err)
		}
	}

	minSample := input.MinSampleSize
	if minSample <= 0 {
		minSample = c.cfg.ExperimentMinSampleSize
	}

	now := time.Now().UTC()
	exp := &domain.ABExperiment{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		Name:               input.Name,
		Description:        input.Description,
		Hypothesis:         input.Hypothesis,
		ControlVersionID:   input.ControlVersionID,
		TreatmentVersionID: input.TreatmentVersionID,
		TrafficSplit:       input.TrafficSplit,
		TargetCountries:    input.TargetCountries,
		TargetPartners:     input.TargetPartners,
		MinSampleSize:      minSample,
		Status:             domain.ExperimentStatusDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := c.repo.SaveExperiment(ctx, tenantID, exp); err != nil {
		return nil, err
	}

	slog.Info("experiment created",
		"tenant", tenantID,
		"experiment_id", exp.ID,
		"split", exp.TrafficSplit,
	)
	return exp, nil
}

// Get retrieves an experiment by ID.
func (c *Controller) Get(ctx context.Context, tenantID, id string) (*domain.ABExperiment, error) {
	return c.repo.GetExperiment(ctx, tenantID, id)
}

// List lists experiments, optionally filtered by status.
func (c *Controller) List(ctx context.Context, tenantID string, status domain.ExperimentStatus) ([]*domain.ABExperiment, error) {
	return c.repo.ListExperiments(ctx, tenantID, status)
}

// Start moves a draft experiment into running and stamps StartedAt.
func (c *Controller) Start(ctx context.Context, tenantID, id string) (*domain.ABExperiment, error) {
	exp, err := c.transition(ctx, tenantID, id, domain.ExperimentStatusRunning, domain.ExperimentStatusDraft)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, tenantID, domain.TopicExperimentStarted, map[string]any{
		"experimentId": exp.ID,
		"name":         exp.Name,
	})
	return exp, nil
}

// Pause suspends a running experiment. Assignment stops; counters freeze.
func (c *Controller) Pause(ctx context.Context, tenantID, id string) (*domain.ABExperiment, error) {
	return c.transition(ctx, tenantID, id, domain.ExperimentStatusPaused, domain.ExperimentStatusRunning)
}

// Resume continues a paused experiment without touching StartedAt.
func (c *Controller) Resume(ctx context.Context, tenantID, id string) (*domain.ABExperiment, error) {
	return c.transition(ctx, tenantID, id, domain.ExperimentStatusRunning, domain.ExperimentStatusPaused)
}

// Stop completes a running or paused experiment and persists the final
// verdict.
func (c *Controller) Stop(ctx context.Context, tenantID, id string) (*domain.ABExperiment, error) {
	exp, err := c.repo.GetExperiment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != domain.ExperimentStatusRunning && exp.Status != domain.ExperimentStatusPaused {
		return nil, fmt.Errorf("%w: cannot stop experiment in status %s", repository.ErrInvalidState, exp.Status)
	}

	results := buildResults(exp, c.cfg.SignificanceLevel)

	now := time.Now().UTC()
	exp.Status = domain.ExperimentStatusCompleted
	exp.EndedAt = &now
	exp.UpdatedAt = now
	exp.ControlDefaultRate = results.Control.DefaultRate
	exp.TreatmentDefaultRate = results.Treatment.DefaultRate
	exp.SignificancePct = (1 - results.PValue) * 100
	exp.Winner = results.Winner

	if err := c.repo.UpdateExperiment(ctx, tenantID, exp); err != nil {
		return nil, err
	}
	c.invalidate(ctx, tenantID)

	c.publish(ctx, tenantID, domain.TopicExperimentCompleted, map[string]any{
		"experimentId": exp.ID,
		"winner":       exp.Winner,
		"pValue":       results.PValue,
	})

	slog.Info("experiment completed",
		"tenant", tenantID,
		"experiment_id", id,
		"winner", exp.Winner,
		"control_rate", exp.ControlDefaultRate,
		"treatment_rate", exp.TreatmentDefaultRate,
	)
	return exp, nil
}

// Cancel aborts an experiment from any non-terminal state without a verdict.
func (c *Controller) Cancel(ctx context.Context, tenantID, id string) (*domain.ABExperiment, error) {
	exp, err := c.repo.GetExperiment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if exp.Status.Terminal() {
		return nil, fmt.Errorf("%w: experiment is already %s", repository.ErrInvalidState, exp.Status)
	}

	now := time.Now().UTC()
	exp.Status = domain.ExperimentStatusCancelled
	exp.EndedAt = &now
	exp.UpdatedAt = now

	if err := c.repo.UpdateExperiment(ctx, tenantID, exp); err != nil {
		return nil, err
	}
	c.invalidate(ctx, tenantID)

	slog.Info("experiment cancelled", "tenant", tenantID, "experiment_id", id)
	return exp, nil
}

// AssignRequest identifies a scoring request to be routed.
type AssignRequest struct {
	RequestID string `json:"requestId"`
	PartnerID string `json:"partnerId,omitempty"`
	Country   string `json:"country,omitempty"`
}

// Assign routes a scoring request through the running experiments. The first
// experiment whose targeting matches claims the request; the hash bucket of
// (requestID, experimentID) decides the arm, so repeated calls for the same
// request always land identically. Requests matching no experiment fall back
// to the active model version.
func (c *Controller) Assign(ctx context.Context, tenantID string, req *AssignRequest) (*domain.Assignment, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("%w: requestId is required", repository.ErrInvalidInput)
	}

	running, err := c.runningExperiments(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	for _, exp := range running {
		if !exp.Matches(req.PartnerID, req.Country) {
			continue
		}

		variant := domain.VariantControl
		versionID := exp.ControlVersionID
		if Bucket(req.RequestID, exp.ID) < exp.TrafficSplit {
			variant = domain.VariantTreatment
			versionID = exp.TreatmentVersionID
		}

		err := c.repo.IncrementArmCounter(ctx, tenantID, exp.ID, variant, domain.CounterRequests)
		if errors.Is(err, repository.ErrInvalidState) || errors.Is(err, repository.ErrNotFound) {
			// The cached list is stale; this experiment stopped.
			c.invalidate(ctx, tenantID)
			continue
		}
		if err != nil {
			return nil, err
		}

		return &domain.Assignment{
			Assigned:       true,
			ExperimentID:   exp.ID,
			Variant:        variant,
			ModelVersionID: versionID,
		}, nil
	}

	active, err := c.repo.GetActiveModelVersion(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &domain.Assignment{ModelVersionID: active.ID}, nil
}

// RecordOutcome bumps the outcome counter of one arm, and the default counter
// when the loan defaulted. Decoupled from assignment: outcomes arrive months
// later.
func (c *Controller) RecordOutcome(ctx context.Context, tenantID, experimentID string, variant domain.Variant, defaulted bool) error {
	if err := c.repo.IncrementArmCounter(ctx, tenantID, experimentID, variant, domain.CounterOutcomes); err != nil {
		return err
	}
	if defaulted {
		return c.repo.IncrementArmCounter(ctx, tenantID, experimentID, variant, domain.CounterDefaults)
	}
	return nil
}

// Results evaluates an experiment read-only, without changing its state.
func (c *Controller) Results(ctx context.Context, tenantID, id string) (*domain.ExperimentResults, error) {
	exp, err := c.repo.GetExperiment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return buildResults(exp, c.cfg.SignificanceLevel), nil
}

// Bucket maps (requestID, experimentID) onto [0, 1) deterministically.
func Bucket(requestID, experimentID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	h.Write([]byte(experimentID))
	return float64(h.Sum32()%assignmentBuckets) / assignmentBuckets
}

func (c *Controller) runningExperiments(ctx context.Context, tenantID string) ([]*domain.ABExperiment, error) {
	if c.cache != nil {
		if exps, err := c.cache.GetRunningExperiments(ctx, tenantID); err == nil && exps != nil {
			return exps, nil
		}
	}

	exps, err := c.repo.ListRunningExperiments(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetRunningExperiments(ctx, tenantID, exps, runningExperimentsTTL); err != nil {
			slog.Warn("failed to cache running experiments", "tenant", tenantID, "error", err)
		}
	}
	return exps, nil
}

func (c *Controller) transition(ctx context.Context, tenantID, id string, to, from domain.ExperimentStatus) (*domain.ABExperiment, error) {
	exp, err := c.repo.GetExperiment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != from {
		return nil, fmt.Errorf("%w: cannot move experiment from %s to %s", repository.ErrInvalidState, exp.Status, to)
	}

	now := time.Now().UTC()
	exp.Status = to
	exp.UpdatedAt = now
	if to == domain.ExperimentStatusRunning && exp.StartedAt == nil {
		exp.StartedAt = &now
	}

	if err := c.repo.UpdateExperiment(ctx, tenantID, exp); err != nil {
		return nil, err
	}
	c.invalidate(ctx, tenantID)

	slog.Info("experiment transitioned",
		"tenant", tenantID,
		"experiment_id", id,
		"from", from,
		"to", to,
	)
	return exp, nil
}

func (c *Controller) invalidate(ctx context.Context, tenantID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.DeleteRunningExperiments(ctx, tenantID); err != nil {
		slog.Warn("failed to invalidate experiment cache", "tenant", tenantID, "error", err)
	}
}

func (c *Controller) publish(ctx context.Context, tenantID, topic string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	if err := c.bus.Publish(ctx, tenantID, topic, data); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "tenant", tenantID, "error", err)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-credit/kestrel/internal/analyzer"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/experiment"
	"github.com/opensource-credit/kestrel/internal/exposure"
	"github.com/opensource-credit/kestrel/internal/registry"
	"github.com/opensource-credit/kestrel/internal/repository"
	"github.com/opensource-credit/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo          domain.Repository
	cache         domain.Cache
	bus           domain.EventBus
	registry      *registry.Service
	analyzer      *analyzer.Analyzer
	controller    *experiment.Controller
	exposure      *exposure.Service
	version       string
	asyncOutcomes bool
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		repo:          deps.Repo,
		cache:         deps.Cache,
		bus:           deps.Bus,
		registry:      deps.Registry,
		analyzer:      deps.Analyzer,
		controller:    deps.Controller,
		exposure:      deps.Exposure,
		version:       deps.Version,
		asyncOutcomes: deps.AsyncOutcomes,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// MODEL VERSION HANDLERS
// ============================================================================

// CreateModelVersion handles POST /models.
func (h *Handler) CreateModelVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var input registry.CreateVersionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	mv, err := h.registry.CreateVersion(ctx, tenantID, &input)
	if err != nil {
		writeError(w, "failed to create model version", err)
		return
	}

	slog.Info("model version created", "id", mv.ID, "version", mv.Version, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, mv)
}

// CreateVersionFromAdjustment handles POST /models/from-adjustment. It turns
// the recommendation returned by POST /analyze into a draft version without
// the operator copying weights by hand.
func (h *Handler) CreateVersionFromAdjustment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var adj domain.WeightAdjustment
	if err := json.NewDecoder(r.Body).Decode(&adj); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	mv, err := h.registry.CreateVersionFromAdjustment(ctx, tenantID, &adj)
	if err != nil {
		writeError(w, "failed to create version from adjustment", err)
		return
	}

	slog.Info("version created from adjustment", "id", mv.ID, "based_on", mv.BasedOnVersionID, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, mv)
}

// ListModelVersions handles GET /models. Archived versions are excluded
// unless ?includeArchived=true.
func (h *Handler) ListModelVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	includeArchived := r.URL.Query().Get("includeArchived") == "true"

	versions, err := h.registry.ListVersions(ctx, tenantID, includeArchived)
	if err != nil {
		writeError(w, "failed to list model versions", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

// GetModelVersion handles GET /models/{id}.
func (h *Handler) GetModelVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	mv, err := h.registry.GetVersion(ctx, tenantID, id)
	if err != nil {
		writeError(w, "failed to get model version", err)
		return
	}

	writeJSON(w, http.StatusOK, mv)
}

// GetActiveModelVersion handles GET /models/active.
func (h *Handler) GetActiveModelVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	mv, err := h.registry.GetActiveVersion(ctx, tenantID)
	if err != nil {
		writeError(w, "failed to get active model version", err)
		return
	}

	writeJSON(w, http.StatusOK, mv)
}

// CompareModelVersions handles GET /models/compare?a={id}&b={id}.
func (h *Handler) CompareModelVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	idA := r.URL.Query().Get("a")
	idB := r.URL.Query().Get("b")
	if idA == "" || idB == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "query parameters a and b are required",
		})
		return
	}

	cmp, err := h.registry.Compare(ctx, tenantID, idA, idB)
	if err != nil {
		writeError(w, "failed to compare model versions", err)
		return
	}

	writeJSON(w, http.StatusOK, cmp)
}

// SubmitModelVersion handles POST /models/{id}/submit.
func (h *Handler) SubmitModelVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	mv, err := h.registry.SubmitForTesting(ctx, tenantID, id)
	if err != nil {
		writeError(w, "failed to submit model version", err)
		return
	}

	writeJSON(w, http.StatusOK, mv)
}

// RecordMetricsRequest is the request body for POST /models/{id}/metrics.
type RecordMetricsRequest struct {
	Metrics           *domain.ValidationMetrics `json:"metrics"`
	ValidationSamples int                       `json:"validationSamples"`
}

// RecordModelMetrics handles POST /models/{id}/metrics.
func (h *Handler) RecordModelMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	var req RecordMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	mv, err := h.registry.RecordMetrics(ctx, tenantID, id, req.Metrics, req.ValidationSamples)
	if err != nil {
		writeError(w, "failed to record metrics", err)
		return
	}

	writeJSON(w, http.StatusOK, mv)
}

// PromoteRequest is the request body for POST /models/{id}/promote.
type PromoteRequest struct {
	PromotedBy string `json:"promotedBy"`
}

// PromoteModelVersion handles POST /models/{id}/promote.
func (h *Handler) PromoteModelVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	var req PromoteRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	mv, err := h.registry.Promote(ctx, tenantID, id, req.PromotedBy)
	if err != nil {
		writeError(w, "failed to promote model version", err)
		return
	}

	slog.Info("model version promoted", "id", id, "version", mv.Version, "tenant_id", tenantID, "promoted_by", req.PromotedBy)
	writeJSON(w, http.StatusOK, mv)
}

// ArchiveModelVersion handles POST /models/{id}/archive.
func (h *Handler) ArchiveModelVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if err := h.registry.Archive(ctx, tenantID, id); err != nil {
		writeError(w, "failed to archive model version", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(domain.ModelStatusArchived),
	})
}

// ListFeaturePerformance handles GET /models/{id}/features.
func (h *Handler) ListFeaturePerformance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	records, err := h.registry.ListPerformance(ctx, tenantID, id)
	if err != nil {
		writeError(w, "failed to list feature performance", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": records,
		"count":    len(records),
	})
}

// ============================================================================
// EXPERIMENT HANDLERS
// ============================================================================

// CreateExperiment handles POST /experiments.
func (h *Handler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var input experiment.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	exp, err := h.controller.Create(ctx, tenantID, &input)
	if err != nil {
		writeError(w, "failed to create experiment", err)
		return
	}

	slog.Info("experiment created", "id", exp.ID, "name", exp.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, exp)
}

// ListExperiments handles GET /experiments with an optional ?status= filter.
func (h *Handler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	status := domain.ExperimentStatus(r.URL.Query().Get("status"))

	exps, err := h.controller.List(ctx, tenantID, status)
	if err != nil {
		writeError(w, "failed to list experiments", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiments": exps,
		"count":       len(exps),
	})
}

// GetExperiment handles GET /experiments/{id}.
func (h *Handler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	exp, err := h.controller.Get(ctx, tenantID, id)
	if err != nil {
		writeError(w, "failed to get experiment", err)
		return
	}

	writeJSON(w, http.StatusOK, exp)
}

// StartExperiment handles POST /experiments/{id}/start.
func (h *Handler) StartExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionExperiment(w, r, h.controller.Start)
}

// PauseExperiment handles POST /experiments/{id}/pause.
func (h *Handler) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionExperiment(w, r, h.controller.Pause)
}

// ResumeExperiment handles POST /experiments/{id}/resume.
func (h *Handler) ResumeExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionExperiment(w, r, h.controller.Resume)
}

// StopExperiment handles POST /experiments/{id}/stop.
func (h *Handler) StopExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionExperiment(w, r, h.controller.Stop)
}

// CancelExperiment handles POST /experiments/{id}/cancel.
func (h *Handler) CancelExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionExperiment(w, r, h.controller.Cancel)
}

func (h *Handler) transitionExperiment(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tenantID, id string) (*domain.ABExperiment, error)) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	exp, err := fn(ctx, tenantID, id)
	if err != nil {
		writeError(w, "failed to transition experiment", err)
		return
	}

	slog.Info("experiment transitioned", "id", id, "status", exp.Status, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, exp)
}

// ExperimentResults handles GET /experiments/{id}/results.
func (h *Handler) ExperimentResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	results, err := h.controller.Results(ctx, tenantID, id)
	if err != nil {
		writeError(w, "failed to evaluate experiment", err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// ExperimentExposure handles GET /experiments/{id}/exposure.
func (h *Handler) ExperimentExposure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	snap, err := h.exposure.GetSnapshot(ctx, tenantID, id)
	if err != nil {
		writeError(w, "failed to get exposure", err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// ============================================================================
// ASSIGNMENT AND OUTCOMES
// ============================================================================

// Assign handles POST /assign, the scoring-side hot path.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req experiment.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	assignment, err := h.controller.Assign(ctx, tenantID, &req)
	if err != nil {
		writeError(w, "failed to assign model version", err)
		return
	}

	if assignment.Assigned && h.exposure != nil {
		if _, err := h.exposure.Record(ctx, tenantID, assignment.ExperimentID, assignment.Variant); err != nil {
			slog.Warn("failed to record exposure", "experiment_id", assignment.ExperimentID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, assignment)
}

// OutcomeRequest is the request body for POST /outcomes.
type OutcomeRequest struct {
	ScoringRequestID string                 `json:"scoringRequestId"`
	LoanGranted      bool                   `json:"loanGranted"`
	RepaymentStatus  domain.RepaymentStatus `json:"repaymentStatus"`
	ScoreAtDecision  float64                `json:"scoreAtDecision"`
	GradeAtDecision  string                 `json:"gradeAtDecision,omitempty"`
	PartnerID        string                 `json:"partnerId,omitempty"`
	Country          string                 `json:"country,omitempty"`
	Amount           float64                `json:"amount"`
	Currency         string                 `json:"currency,omitempty"`
	ClosedAt         *time.Time             `json:"closedAt,omitempty"`
	Features         map[string]float64     `json:"features,omitempty"`
	ExperimentID     string                 `json:"experimentId,omitempty"`
	Variant          domain.Variant         `json:"variant,omitempty"`
}

// RecordOutcome handles POST /outcomes. The outcome row and feature
// snapshot are always stored; experiment arm counting happens inline or
// through the bus worker depending on deployment mode.
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ScoringRequestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "scoringRequestId is required",
		})
		return
	}
	if req.RepaymentStatus == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "repaymentStatus is required",
		})
		return
	}
	if req.ExperimentID != "" && req.Variant != domain.VariantControl && req.Variant != domain.VariantTreatment {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "variant must be control or treatment when experimentId is set",
		})
		return
	}

	now := time.Now().UTC()
	closedAt := now
	if req.ClosedAt != nil {
		closedAt = req.ClosedAt.UTC()
	}

	outcome := &domain.LoanOutcome{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		ScoringRequestID: req.ScoringRequestID,
		LoanGranted:      req.LoanGranted,
		RepaymentStatus:  req.RepaymentStatus,
		ScoreAtDecision:  req.ScoreAtDecision,
		GradeAtDecision:  req.GradeAtDecision,
		PartnerID:        req.PartnerID,
		Country:          req.Country,
		Amount:           req.Amount,
		Currency:         req.Currency,
		ClosedAt:         closedAt,
		CreatedAt:        now,
	}

	if err := h.repo.SaveOutcome(ctx, tenantID, outcome); err != nil {
		writeError(w, "failed to save outcome", err)
		return
	}

	if len(req.Features) > 0 {
		snap := &domain.FeatureSnapshot{
			ScoringRequestID: req.ScoringRequestID,
			TenantID:         tenantID,
			Features:         req.Features,
			CapturedAt:       now,
		}
		if err := h.repo.SaveFeatureSnapshot(ctx, tenantID, snap); err != nil {
			slog.Error("failed to save feature snapshot", "scoring_request_id", req.ScoringRequestID, "error", err)
		}
	}

	// Attribute the outcome to its experiment arm. Terminal experiments
	// silently drop late outcomes.
	counted := false
	if req.ExperimentID != "" && !h.asyncOutcomes {
		err := h.controller.RecordOutcome(ctx, tenantID, req.ExperimentID, req.Variant, req.RepaymentStatus.Defaulted())
		switch {
		case err == nil:
			counted = true
		case errors.Is(err, repository.ErrInvalidState), errors.Is(err, repository.ErrNotFound):
			slog.Debug("dropping late outcome", "experiment_id", req.ExperimentID, "error", err)
		default:
			writeError(w, "failed to record experiment outcome", err)
			return
		}
	}

	h.publishOutcome(ctx, tenantID, outcome, req.ExperimentID, req.Variant)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":             outcome.ID,
		"armCounted":     counted,
		"closedAt":       outcome.ClosedAt,
		"defaultOutcome": req.RepaymentStatus.Defaulted(),
	})
}

// publishOutcome emits the outcome event for async consumers.
func (h *Handler) publishOutcome(ctx context.Context, tenantID string, outcome *domain.LoanOutcome, experimentID string, variant domain.Variant) {
	if h.bus == nil {
		return
	}

	om := worker.OutcomeMessage{
		OutcomeID:       outcome.ID,
		TenantID:        tenantID,
		RepaymentStatus: outcome.RepaymentStatus,
	}
	// Arm attribution rides along only when the worker owns the counting,
	// otherwise the arm would be counted twice.
	if h.asyncOutcomes {
		om.ExperimentID = experimentID
		om.Variant = variant
	}

	payload, _ := json.Marshal(om)
	if err := h.bus.Publish(ctx, tenantID, domain.TopicOutcomeRecorded, payload); err != nil {
		slog.Warn("failed to publish outcome event", "outcome_id", outcome.ID, "error", err)
	}
}

// ============================================================================
// ANALYSIS
// ============================================================================

// AnalyzeRequest is the request body for POST /analyze.
type AnalyzeRequest struct {
	MinSampleSize int `json:"minSampleSize,omitempty"`
}

// Analyze handles POST /analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req AnalyzeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	adjustment, err := h.analyzer.AnalyzeFeaturePerformance(ctx, tenantID, req.MinSampleSize)
	if err != nil {
		writeError(w, "failed to analyze feature performance", err)
		return
	}

	writeJSON(w, http.StatusOK, adjustment)
}

// writeError maps repository sentinel errors to HTTP status codes.
func writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrInvalidState):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error(msg, "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Package exposure tracks how many scoring requests each experiment arm
// is actually receiving.
package exposure

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
)

// exposureWindow is the rolling window for live assignment counters.
const exposureWindow = time.Minute

// Service reports assignment exposure for experiments. Live per-window
// counts come from the cache counter, lifetime totals from the
// experiment row.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new exposure service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// Snapshot summarizes assignment exposure for one experiment.
type Snapshot struct {
	ExperimentID      string  `json:"experimentId"`
	ControlRequests   int64   `json:"controlRequests"`
	TreatmentRequests int64   `json:"treatmentRequests"`
	TotalRequests     int64   `json:"totalRequests"`
	ConfiguredSplit   float64 `json:"configuredSplit"`
	RealizedSplit     float64 `json:"realizedSplit"`
}

// Record bumps the windowed assignment counter for an experiment arm and
// returns the count inside the current window. When no cache is
// configured it falls back to the lifetime arm total from the database.
func (s *Service) Record(ctx context.Context, tenantID, experimentID string, variant domain.Variant) (int64, error) {
	if tenantID == "" || experimentID == "" {
		return 0, fmt.Errorf("tenantID and experimentID are required")
	}

	if s.cache != nil {
		key := "exposure:" + experimentID + ":" + string(variant)
		count, err := s.cache.IncrementCounter(ctx, tenantID, key, exposureWindow)
		if err == nil {
			return count, nil
		}
	}

	return s.lifetimeCount(ctx, tenantID, experimentID, variant)
}

// GetSnapshot returns lifetime exposure totals and the realized traffic
// split for an experiment.
func (s *Service) GetSnapshot(ctx context.Context, tenantID, experimentID string) (*Snapshot, error) {
	if tenantID == "" || experimentID == "" {
		return nil, fmt.Errorf("tenantID and experimentID are required")
	}

	exp, err := s.repo.GetExperiment(ctx, tenantID, experimentID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ExperimentID:      exp.ID,
		ControlRequests:   exp.ControlRequests,
		TreatmentRequests: exp.TreatmentRequests,
		TotalRequests:     exp.ControlRequests + exp.TreatmentRequests,
		ConfiguredSplit:   exp.TrafficSplit,
	}
	if snap.TotalRequests > 0 {
		snap.RealizedSplit = float64(exp.TreatmentRequests) / float64(snap.TotalRequests)
	}

	return snap, nil
}

func (s *Service) lifetimeCount(ctx context.Context, tenantID, experimentID string, variant domain.Variant) (int64, error) {
	exp, err := s.repo.GetExperiment(ctx, tenantID, experimentID)
	if err != nil {
		return 0, err
	}

	switch variant {
	case domain.VariantControl:
		return exp.ControlRequests, nil
	case domain.VariantTreatment:
		return exp.TreatmentRequests, nil
	default:
		return 0, fmt.Errorf("unknown variant: %s", variant)
	}
}

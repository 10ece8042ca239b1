// Package worker provides async outcome processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/experiment"
	"github.com/opensource-credit/kestrel/internal/repository"
)

// Worker consumes loan outcome events from the EventBus, attributes them
// to experiment arms, and raises an alert the first time a running
// experiment reaches a significant result.
type Worker struct {
	bus        domain.EventBus
	controller *experiment.Controller

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	mu      sync.Mutex
	alerted map[string]bool
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Outcome events are
	// published on per-tenant topics, so at least one tenant is required.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, controller *experiment.Controller) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		controller: controller,
		ctx:        ctx,
		cancel:     cancel,
		alerted:    make(map[string]bool),
	}
}

// Start begins processing outcome events for the given tenants. With no
// tenants there is nothing to subscribe to and arm counters would silently
// never move, so that is an error; the caller must fall back to inline
// counting instead.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return fmt.Errorf("%w: at least one tenant subscription is required", repository.ErrInvalidInput)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicOutcomeRecorded, func(ctx context.Context, msg *domain.Message) error {
		return w.processOutcome(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicOutcomeRecorded,
	)

	return nil
}

// OutcomeMessage is the payload published when a loan outcome closes.
type OutcomeMessage struct {
	OutcomeID       string                 `json:"outcomeId"`
	TenantID        string                 `json:"tenantId"`
	ExperimentID    string                 `json:"experimentId,omitempty"`
	Variant         domain.Variant         `json:"variant,omitempty"`
	RepaymentStatus domain.RepaymentStatus `json:"repaymentStatus"`
}

// processOutcome attributes one outcome to its experiment arm and
// re-evaluates the experiment.
func (w *Worker) processOutcome(ctx context.Context, tenantID string, msg *domain.Message) error {
	var om OutcomeMessage
	if err := json.Unmarshal(msg.Payload, &om); err != nil {
		slog.Error("failed to parse outcome message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if om.TenantID != "" {
		tenantID = om.TenantID
	}

	// Outcomes from unassigned traffic carry no experiment attribution.
	if om.ExperimentID == "" {
		return nil
	}

	slog.Debug("processing outcome",
		"outcome_id", om.OutcomeID,
		"tenant_id", tenantID,
		"experiment_id", om.ExperimentID,
		"variant", om.Variant,
	)

	err := w.controller.RecordOutcome(ctx, tenantID, om.ExperimentID, om.Variant, om.RepaymentStatus.Defaulted())
	if err != nil {
		// The experiment may have been stopped between assignment and
		// outcome close. Late outcomes are dropped, not retried.
		if errors.Is(err, repository.ErrInvalidState) || errors.Is(err, repository.ErrNotFound) {
			slog.Debug("dropping late outcome",
				"outcome_id", om.OutcomeID,
				"experiment_id", om.ExperimentID,
				"error", err,
			)
			return nil
		}
		slog.Error("failed to record outcome",
			"outcome_id", om.OutcomeID,
			"experiment_id", om.ExperimentID,
			"error", err,
		)
		return err
	}

	w.evaluate(ctx, tenantID, om.ExperimentID)
	return nil
}

// evaluate re-runs the experiment verdict and publishes a one-time alert
// when it first becomes significant.
func (w *Worker) evaluate(ctx context.Context, tenantID, experimentID string) {
	results, err := w.controller.Results(ctx, tenantID, experimentID)
	if err != nil {
		slog.Error("failed to evaluate experiment",
			"experiment_id", experimentID,
			"error", err,
		)
		return
	}

	if !results.Significant {
		return
	}

	key := tenantID + ":" + experimentID
	w.mu.Lock()
	if w.alerted[key] {
		w.mu.Unlock()
		return
	}
	w.alerted[key] = true
	w.mu.Unlock()

	payload, _ := json.Marshal(results)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
		slog.Error("failed to publish alert",
			"experiment_id", experimentID,
			"error", err,
		)
		return
	}

	slog.Info("experiment reached significance",
		"tenant_id", tenantID,
		"experiment_id", experimentID,
		"winner", results.Winner,
		"p_value", results.PValue,
	)
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

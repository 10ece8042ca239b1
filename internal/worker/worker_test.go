package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-credit/kestrel/internal/bus"
	"github.com/opensource-credit/kestrel/internal/cache"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/experiment"
	"github.com/opensource-credit/kestrel/internal/repository"
)

func newTestFixture(t *testing.T) (*bus.ChannelBus, domain.Repository, *experiment.Controller) {
	t.Helper()

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	t.Cleanup(func() { lru.Close() })

	controller := experiment.NewController(repo, lru, eventBus, domain.GovernanceConfig{
		SignificanceLevel:       0.05,
		ExperimentMinSampleSize: 100,
	})

	return eventBus, repo, controller
}

// seedRunningExperiment creates a running experiment one treatment outcome
// away from statistical significance.
func seedRunningExperiment(t *testing.T, repo domain.Repository, tenantID, id string) {
	t.Helper()

	now := time.Now().UTC()
	started := now.Add(-24 * time.Hour)
	exp := &domain.ABExperiment{
		ID:                 id,
		Name:               "relaxed debt cutoff",
		ControlVersionID:   "mv-control",
		TreatmentVersionID: "mv-treatment",
		TrafficSplit:       0.5,
		MinSampleSize:      100,
		Status:             domain.ExperimentStatusRunning,
		StartedAt:          &started,
		ControlRequests:    1200,
		TreatmentRequests:  1200,
		ControlOutcomes:    1000,
		ControlDefaults:    100,
		TreatmentOutcomes:  999,
		TreatmentDefaults:  80,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := repo.SaveExperiment(context.Background(), tenantID, exp); err != nil {
		t.Fatalf("failed to seed experiment: %v", err)
	}
}

func publishOutcome(t *testing.T, eventBus *bus.ChannelBus, tenantID string, om OutcomeMessage) {
	t.Helper()

	payload, err := json.Marshal(om)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := eventBus.Publish(context.Background(), tenantID, domain.TopicOutcomeRecorded, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	eventBus, _, controller := newTestFixture(t)
	worker := NewWorker(eventBus, controller)

	t.Run("StartAndStop", func(t *testing.T) {
		err := worker.Start(Config{TenantIDs: []string{"tenant-001"}})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, controller)

		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("RequiresTenants", func(t *testing.T) {
		// Outcome events ride per-tenant topics; a worker with nothing to
		// subscribe to would never see them.
		w := NewWorker(eventBus, controller)
		err := w.Start(Config{})
		if !errors.Is(err, repository.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput with no tenants, got %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Errorf("expected no subscriptions, got %d", w.GetStats().SubscriptionCount)
		}
	})
}

func TestWorkerProcessOutcome(t *testing.T) {
	eventBus, repo, controller := newTestFixture(t)
	tenantID := "tenant-outcome"
	seedRunningExperiment(t, repo, tenantID, "exp-1")

	w := NewWorker(eventBus, controller)
	w.Start(Config{TenantIDs: []string{tenantID}})
	defer w.Stop()

	var alertCount atomic.Int32
	var alertPayload atomic.Value

	eventBus.Subscribe(context.Background(), tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alertPayload.Store(msg.Payload)
		alertCount.Add(1)
		return nil
	})

	// Allow subscriptions to be active
	time.Sleep(50 * time.Millisecond)

	t.Run("CountsArmOutcome", func(t *testing.T) {
		publishOutcome(t, eventBus, tenantID, OutcomeMessage{
			OutcomeID:       "out-1",
			TenantID:        tenantID,
			ExperimentID:    "exp-1",
			Variant:         domain.VariantTreatment,
			RepaymentStatus: domain.RepaymentOnTime,
		})

		time.Sleep(100 * time.Millisecond)

		exp, err := repo.GetExperiment(context.Background(), tenantID, "exp-1")
		if err != nil {
			t.Fatalf("GetExperiment failed: %v", err)
		}
		if exp.TreatmentOutcomes != 1000 {
			t.Errorf("expected 1000 treatment outcomes, got %d", exp.TreatmentOutcomes)
		}
		if exp.TreatmentDefaults != 80 {
			t.Errorf("expected 80 treatment defaults, got %d", exp.TreatmentDefaults)
		}
	})

	t.Run("AlertOnSignificance", func(t *testing.T) {
		// The outcome above pushed the treatment arm to 80/1000 vs
		// 100/1000 control, which is significant at the 5% level.
		if alertCount.Load() != 1 {
			t.Fatalf("expected 1 alert, got %d", alertCount.Load())
		}

		payload, _ := alertPayload.Load().([]byte)
		var results domain.ExperimentResults
		if err := json.Unmarshal(payload, &results); err != nil {
			t.Fatalf("failed to parse alert: %v", err)
		}
		if results.Winner != string(domain.VariantTreatment) {
			t.Errorf("expected treatment winner, got %q", results.Winner)
		}
		if !results.Significant {
			t.Error("expected significant results in alert")
		}
	})

	t.Run("AlertFiresOnce", func(t *testing.T) {
		publishOutcome(t, eventBus, tenantID, OutcomeMessage{
			OutcomeID:       "out-2",
			TenantID:        tenantID,
			ExperimentID:    "exp-1",
			Variant:         domain.VariantTreatment,
			RepaymentStatus: domain.RepaymentOnTime,
		})

		time.Sleep(100 * time.Millisecond)

		if alertCount.Load() != 1 {
			t.Errorf("expected exactly 1 alert after second outcome, got %d", alertCount.Load())
		}
	})
}

func TestWorkerIgnoresUnattributedOutcomes(t *testing.T) {
	eventBus, repo, controller := newTestFixture(t)
	tenantID := "tenant-plain"
	seedRunningExperiment(t, repo, tenantID, "exp-1")

	w := NewWorker(eventBus, controller)
	w.Start(Config{TenantIDs: []string{tenantID}})
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)

	publishOutcome(t, eventBus, tenantID, OutcomeMessage{
		OutcomeID:       "out-plain",
		TenantID:        tenantID,
		RepaymentStatus: domain.RepaymentDefault,
	})

	time.Sleep(100 * time.Millisecond)

	exp, err := repo.GetExperiment(context.Background(), tenantID, "exp-1")
	if err != nil {
		t.Fatalf("GetExperiment failed: %v", err)
	}
	if exp.ControlOutcomes != 1000 || exp.TreatmentOutcomes != 999 {
		t.Error("expected counters unchanged for unattributed outcome")
	}
}

func TestWorkerDropsLateOutcomes(t *testing.T) {
	eventBus, repo, controller := newTestFixture(t)
	tenantID := "tenant-late"
	seedRunningExperiment(t, repo, tenantID, "exp-1")

	// Stop the experiment before any outcome arrives.
	if _, err := controller.Stop(context.Background(), tenantID, "exp-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	w := NewWorker(eventBus, controller)
	w.Start(Config{TenantIDs: []string{tenantID}})
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)

	publishOutcome(t, eventBus, tenantID, OutcomeMessage{
		OutcomeID:       "out-late",
		TenantID:        tenantID,
		ExperimentID:    "exp-1",
		Variant:         domain.VariantControl,
		RepaymentStatus: domain.RepaymentDefault,
	})

	time.Sleep(100 * time.Millisecond)

	exp, err := repo.GetExperiment(context.Background(), tenantID, "exp-1")
	if err != nil {
		t.Fatalf("GetExperiment failed: %v", err)
	}
	if exp.ControlOutcomes != 1000 || exp.ControlDefaults != 100 {
		t.Error("expected counters unchanged for late outcome")
	}
}

func TestOutcomeMessageParsing(t *testing.T) {
	msg := OutcomeMessage{
		OutcomeID:       "out-123",
		TenantID:        "tenant-001",
		ExperimentID:    "exp-456",
		Variant:         domain.VariantControl,
		RepaymentStatus: domain.RepaymentLate90,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed OutcomeMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.ExperimentID != msg.ExperimentID {
		t.Errorf("expected ExperimentID %q, got %q", msg.ExperimentID, parsed.ExperimentID)
	}
	if !parsed.RepaymentStatus.Defaulted() {
		t.Error("expected late_90 to count as default")
	}
}

package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
)

// outcomeEvent mirrors the payload the outcome pipeline publishes on
// TopicOutcomeRecorded.
type outcomeEvent struct {
	OutcomeID       string                 `json:"outcomeId"`
	TenantID        string                 `json:"tenantId"`
	ExperimentID    string                 `json:"experimentId,omitempty"`
	Variant         domain.Variant         `json:"variant,omitempty"`
	RepaymentStatus domain.RepaymentStatus `json:"repaymentStatus"`
}

func TestChannelBusOutcomeStream(t *testing.T) {
	eventBus := NewChannelBus(100)
	defer eventBus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("DeliversOutcomePayload", func(t *testing.T) {
		var got atomic.Pointer[domain.Message]
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := eventBus.Subscribe(ctx, tenantID, domain.TopicOutcomeRecorded, func(ctx context.Context, msg *domain.Message) error {
			got.Store(msg)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)

		payload, _ := json.Marshal(outcomeEvent{
			OutcomeID:       "out-1",
			TenantID:        tenantID,
			ExperimentID:    "exp-1",
			Variant:         domain.VariantTreatment,
			RepaymentStatus: domain.RepaymentDefault,
		})
		if err := eventBus.Publish(ctx, tenantID, domain.TopicOutcomeRecorded, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for outcome event")
		}

		msg := got.Load()
		if msg.TenantID != tenantID {
			t.Errorf("expected tenantID %q, got %q", tenantID, msg.TenantID)
		}
		if msg.Topic != domain.TopicOutcomeRecorded {
			t.Errorf("expected topic %q, got %q", domain.TopicOutcomeRecorded, msg.Topic)
		}

		var ev outcomeEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("failed to parse outcome payload: %v", err)
		}
		if ev.ExperimentID != "exp-1" || ev.Variant != domain.VariantTreatment {
			t.Errorf("outcome attribution lost in transit: %+v", ev)
		}
		if !ev.RepaymentStatus.Defaulted() {
			t.Error("expected default status to survive transit")
		}
	})

	t.Run("EnvelopeIsStamped", func(t *testing.T) {
		var got atomic.Pointer[domain.Message]
		var wg sync.WaitGroup
		wg.Add(1)

		eventBus.Subscribe(ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			got.Store(msg)
			wg.Done()
			return nil
		})
		time.Sleep(10 * time.Millisecond)

		eventBus.Publish(ctx, tenantID, domain.TopicAlert, []byte(`{"winner":"treatment"}`))

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for alert")
		}

		msg := got.Load()
		if msg.ID == "" {
			t.Error("expected event ID on envelope")
		}
		if msg.Timestamp == 0 {
			t.Error("expected publish timestamp on envelope")
		}
	})
}

// Promotion events must stay inside their tenant: a model going live
// for one lender is not news for any other lender.
func TestChannelBusTenantIsolation(t *testing.T) {
	eventBus := NewChannelBus(100)
	defer eventBus.Close()

	ctx := context.Background()

	var lenderA, lenderB atomic.Int32
	eventBus.Subscribe(ctx, "lender-a", domain.TopicModelPromoted, func(ctx context.Context, msg *domain.Message) error {
		lenderA.Add(1)
		return nil
	})
	eventBus.Subscribe(ctx, "lender-b", domain.TopicModelPromoted, func(ctx context.Context, msg *domain.Message) error {
		lenderB.Add(1)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	eventBus.Publish(ctx, "lender-a", domain.TopicModelPromoted, []byte(`{"versionId":"mv-1"}`))
	time.Sleep(50 * time.Millisecond)

	if lenderA.Load() != 1 {
		t.Errorf("lender-a should see its promotion, got %d events", lenderA.Load())
	}
	if lenderB.Load() != 0 {
		t.Errorf("lender-b should see nothing, got %d events", lenderB.Load())
	}
}

func TestChannelBusRequiresTenantID(t *testing.T) {
	eventBus := NewChannelBus(100)
	defer eventBus.Close()
	ctx := context.Background()

	if err := eventBus.Publish(ctx, "", domain.TopicAlert, []byte("x")); err == nil {
		t.Error("expected publish error for empty tenantID")
	}
	if _, err := eventBus.Subscribe(ctx, "", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		return nil
	}); err == nil {
		t.Error("expected subscribe error for empty tenantID")
	}
}

func TestChannelBusUnsubscribe(t *testing.T) {
	eventBus := NewChannelBus(100)
	defer eventBus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	var count atomic.Int32
	sub, err := eventBus.Subscribe(ctx, tenantID, domain.TopicExperimentCompleted, func(ctx context.Context, msg *domain.Message) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	eventBus.Publish(ctx, tenantID, domain.TopicExperimentCompleted, []byte(`{"experimentId":"exp-1"}`))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Fatalf("expected 1 event before unsubscribe, got %d", count.Load())
	}

	sub.Unsubscribe()
	time.Sleep(10 * time.Millisecond)

	eventBus.Publish(ctx, tenantID, domain.TopicExperimentCompleted, []byte(`{"experimentId":"exp-2"}`))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("expected 1 event after unsubscribe, got %d", count.Load())
	}

	// The registry prunes emptied tenants so idle ones cost nothing.
	eventBus.mu.RLock()
	_, stillThere := eventBus.tenants[tenantID]
	eventBus.mu.RUnlock()
	if stillThere {
		t.Error("expected tenant entry pruned after last unsubscribe")
	}
}

// Several components listen for the same promotion: the exposure
// service invalidates its cache, the audit trail records it. All of
// them must receive the event.
func TestChannelBusFanOut(t *testing.T) {
	eventBus := NewChannelBus(100)
	defer eventBus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	var cacheSide, auditSide atomic.Int32
	eventBus.Subscribe(ctx, tenantID, domain.TopicModelPromoted, func(ctx context.Context, msg *domain.Message) error {
		cacheSide.Add(1)
		return nil
	})
	eventBus.Subscribe(ctx, tenantID, domain.TopicModelPromoted, func(ctx context.Context, msg *domain.Message) error {
		auditSide.Add(1)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	eventBus.Publish(ctx, tenantID, domain.TopicModelPromoted, []byte(`{"versionId":"mv-9"}`))
	time.Sleep(50 * time.Millisecond)

	if cacheSide.Load() != 1 || auditSide.Load() != 1 {
		t.Errorf("expected both consumers to receive the promotion, got %d and %d", cacheSide.Load(), auditSide.Load())
	}
}

func TestChannelBusSubscriptionTopic(t *testing.T) {
	eventBus := NewChannelBus(100)
	defer eventBus.Close()

	sub, err := eventBus.Subscribe(context.Background(), "tenant-001", domain.TopicModelArchived, func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if sub.Topic() != domain.TopicModelArchived {
		t.Errorf("expected topic %q, got %q", domain.TopicModelArchived, sub.Topic())
	}
}

func TestChannelBusClose(t *testing.T) {
	eventBus := NewChannelBus(100)

	ctx := context.Background()
	tenantID := "tenant-001"

	eventBus.Subscribe(ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := eventBus.Ping(ctx); err != nil {
		t.Errorf("ping failed before close: %v", err)
	}
	if err := eventBus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := eventBus.Publish(ctx, tenantID, domain.TopicAlert, []byte("x")); err == nil {
		t.Error("expected publish error after close")
	}
	if err := eventBus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
	if _, err := eventBus.Subscribe(ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		return nil
	}); err == nil {
		t.Error("expected subscribe error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		eventBus, err := New(domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer eventBus.Close()

		if _, ok := eventBus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

// A burst of loan outcomes must all land in the counters, so the bus
// has to keep up with a busy outcome stream without dropping events.
func TestChannelBusOutcomeBurst(t *testing.T) {
	eventBus := NewChannelBus(1000)
	defer eventBus.Close()

	ctx := context.Background()
	tenantID := "tenant-load"

	var received atomic.Int32
	const eventCount = 100

	var wg sync.WaitGroup
	wg.Add(eventCount)

	eventBus.Subscribe(ctx, tenantID, domain.TopicOutcomeRecorded, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < eventCount; i++ {
		payload, _ := json.Marshal(outcomeEvent{
			OutcomeID:       "out-burst",
			TenantID:        tenantID,
			RepaymentStatus: domain.RepaymentOnTime,
		})
		eventBus.Publish(ctx, tenantID, domain.TopicOutcomeRecorded, payload)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != eventCount {
			t.Errorf("expected %d events, got %d", eventCount, received.Load())
		}
		if eventBus.Dropped() != 0 {
			t.Errorf("expected no drops with a %d-slot inbox, got %d", 1000, eventBus.Dropped())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d events", received.Load(), eventCount)
	}
}

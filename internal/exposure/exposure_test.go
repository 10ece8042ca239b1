package exposure

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-credit/kestrel/internal/cache"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/repository"
)

func newTestService(t *testing.T) (*Service, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "exposure_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	t.Cleanup(func() { lru.Close() })

	return NewService(repo, lru), repo
}

func seedExperiment(t *testing.T, repo domain.Repository, tenantID string) *domain.ABExperiment {
	t.Helper()

	now := time.Now().UTC()
	started := now
	exp := &domain.ABExperiment{
		ID:                 "exp-1",
		Name:               "lower cutoff",
		ControlVersionID:   "mv-control",
		TreatmentVersionID: "mv-treatment",
		TrafficSplit:       0.2,
		MinSampleSize:      100,
		Status:             domain.ExperimentStatusRunning,
		StartedAt:          &started,
		ControlRequests:    800,
		TreatmentRequests:  200,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := repo.SaveExperiment(context.Background(), tenantID, exp); err != nil {
		t.Fatalf("failed to seed experiment: %v", err)
	}
	return exp
}

func TestRecord(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	seedExperiment(t, repo, tenantID)

	t.Run("WindowedCounts", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := svc.Record(ctx, tenantID, "exp-1", domain.VariantTreatment)
			if err != nil {
				t.Fatalf("Record failed: %v", err)
			}
			if got != want {
				t.Errorf("expected count %d, got %d", want, got)
			}
		}
	})

	t.Run("ArmsCountedSeparately", func(t *testing.T) {
		got, err := svc.Record(ctx, tenantID, "exp-1", domain.VariantControl)
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if got != 1 {
			t.Errorf("expected control count 1, got %d", got)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if _, err := svc.Record(ctx, "", "exp-1", domain.VariantControl); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("RequiresExperimentID", func(t *testing.T) {
		if _, err := svc.Record(ctx, tenantID, "", domain.VariantControl); err == nil {
			t.Error("expected error for empty experimentID")
		}
	})
}

func TestRecordFallsBackToDatabase(t *testing.T) {
	svc, repo := newTestService(t)
	svc.cache = nil
	ctx := context.Background()
	tenantID := "tenant-001"
	seedExperiment(t, repo, tenantID)

	count, err := svc.Record(ctx, tenantID, "exp-1", domain.VariantControl)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if count != 800 {
		t.Errorf("expected lifetime control count 800, got %d", count)
	}

	count, err = svc.Record(ctx, tenantID, "exp-1", domain.VariantTreatment)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if count != 200 {
		t.Errorf("expected lifetime treatment count 200, got %d", count)
	}

	if _, err := svc.Record(ctx, tenantID, "exp-1", domain.Variant("shadow")); err == nil {
		t.Error("expected error for unknown variant")
	}
}

func TestGetSnapshot(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	seedExperiment(t, repo, tenantID)

	t.Run("RealizedSplit", func(t *testing.T) {
		snap, err := svc.GetSnapshot(ctx, tenantID, "exp-1")
		if err != nil {
			t.Fatalf("GetSnapshot failed: %v", err)
		}
		if snap.TotalRequests != 1000 {
			t.Errorf("expected 1000 total requests, got %d", snap.TotalRequests)
		}
		if snap.RealizedSplit != 0.2 {
			t.Errorf("expected realized split 0.2, got %f", snap.RealizedSplit)
		}
		if snap.ConfiguredSplit != 0.2 {
			t.Errorf("expected configured split 0.2, got %f", snap.ConfiguredSplit)
		}
	})

	t.Run("NoTraffic", func(t *testing.T) {
		exp := seedExperiment(t, repo, "tenant-002")
		exp.ID = "exp-empty"
		exp.ControlRequests = 0
		exp.TreatmentRequests = 0
		if err := repo.SaveExperiment(ctx, "tenant-002", exp); err != nil {
			t.Fatalf("failed to seed experiment: %v", err)
		}

		snap, err := svc.GetSnapshot(ctx, "tenant-002", "exp-empty")
		if err != nil {
			t.Fatalf("GetSnapshot failed: %v", err)
		}
		if snap.RealizedSplit != 0 {
			t.Errorf("expected realized split 0 with no traffic, got %f", snap.RealizedSplit)
		}
	})

	t.Run("UnknownExperiment", func(t *testing.T) {
		if _, err := svc.GetSnapshot(ctx, tenantID, "exp-missing"); err == nil {
			t.Error("expected error for unknown experiment")
		}
	})
}

package analyzer

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/repository"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "analyzer_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.GovernanceConfig{
		AnalysisMinSampleSize: 100,
		AnalysisMaxSampleSize: 10000,
	}
	return New(repo, cfg), repo
}

func seedActiveVersion(t *testing.T, repo domain.Repository, tenantID string, weights map[string]float64) *domain.ModelVersion {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	mv := &domain.ModelVersion{
		ID:             "mv-" + tenantID,
		Version:        "v1.0.0",
		Name:           "seed",
		FeatureWeights: weights,
		Status:         domain.ModelStatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.SaveModelVersion(ctx, tenantID, mv); err != nil {
		t.Fatalf("seed version failed: %v", err)
	}
	if err := repo.PromoteModelVersion(ctx, tenantID, mv.ID, "seed"); err != nil {
		t.Fatalf("seed promote failed: %v", err)
	}
	return mv
}

// seedOutcomes writes n closed outcomes with snapshots. debt_ratio separates
// defaults cleanly, noise does not. score controls ScoreAtDecision per
// outcome.
func seedOutcomes(t *testing.T, repo domain.Repository, tenantID string, n int, score func(defaulted bool) float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < n; i++ {
		defaulted := i%4 == 0
		status := domain.RepaymentOnTime
		if defaulted {
			status = domain.RepaymentDefault
		}

		reqID := fmt.Sprintf("req-%s-%d", tenantID, i)
		outcome := &domain.LoanOutcome{
			ID:               fmt.Sprintf("out-%s-%d", tenantID, i),
			ScoringRequestID: reqID,
			LoanGranted:      true,
			RepaymentStatus:  status,
			ScoreAtDecision:  score(defaulted),
			Amount:           1000,
			ClosedAt:         now.Add(time.Duration(i) * time.Second),
			CreatedAt:        now,
		}
		if err := repo.SaveOutcome(ctx, tenantID, outcome); err != nil {
			t.Fatalf("seed outcome failed: %v", err)
		}

		debtRatio := 0.2 + float64(i%10)*0.01
		if defaulted {
			debtRatio = 0.7 + float64(i%10)*0.01
		}
		snap := &domain.FeatureSnapshot{
			ScoringRequestID: reqID,
			Features: map[string]float64{
				"debt_ratio": debtRatio,
				"noise":      float64(i%10) / 10,
			},
			CapturedAt: now,
		}
		if err := repo.SaveFeatureSnapshot(ctx, tenantID, snap); err != nil {
			t.Fatalf("seed snapshot failed: %v", err)
		}
	}
}

func TestAnalyzeFeaturePerformance(t *testing.T) {
	analyzer, repo := newTestAnalyzer(t)
	ctx := context.Background()

	mv := seedActiveVersion(t, repo, "tenant-a", map[string]float64{
		"debt_ratio": 0.5,
		"noise":      0.5,
	})
	// Constant served score carries no signal, so reweighting is worthwhile.
	seedOutcomes(t, repo, "tenant-a", 400, func(bool) float64 { return 0.5 })

	adj, err := analyzer.AnalyzeFeaturePerformance(ctx, "tenant-a", 100)
	if err != nil {
		t.Fatalf("analysis failed: %v", err)
	}

	if adj.SampleSize != 400 {
		t.Errorf("expected sample size 400, got %d", adj.SampleSize)
	}
	if adj.Confidence <= 0 || adj.Confidence > 1 {
		t.Errorf("confidence out of range: %f", adj.Confidence)
	}
	if adj.BasedOnVersionID != mv.ID {
		t.Errorf("expected analysis against %s, got %s", mv.ID, adj.BasedOnVersionID)
	}

	t.Run("WeightsSumToOne", func(t *testing.T) {
		var sum float64
		for _, w := range adj.SuggestedWeights {
			sum += w
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("suggested weights sum to %.12f, expected 1.0", sum)
		}
	})

	t.Run("StrongFeatureOutweighsNoise", func(t *testing.T) {
		if adj.SuggestedWeights["debt_ratio"] <= adj.SuggestedWeights["noise"] {
			t.Errorf("debt_ratio (%f) should outweigh noise (%f)",
				adj.SuggestedWeights["debt_ratio"], adj.SuggestedWeights["noise"])
		}
	})

	t.Run("PerFeatureStatistics", func(t *testing.T) {
		var debtRatio *domain.FeaturePerformance
		for _, fp := range adj.Features {
			if fp.FeatureID == "debt_ratio" {
				debtRatio = fp
			}
			if fp.DataAvailability != 1.0 {
				t.Errorf("%s: expected full availability, got %f", fp.FeatureID, fp.DataAvailability)
			}
		}
		if debtRatio == nil {
			t.Fatal("no record for debt_ratio")
		}
		if debtRatio.PredictivePower < 0.9 {
			t.Errorf("expected near-perfect gini for separating feature, got %f", debtRatio.PredictivePower)
		}
		if debtRatio.Correlation < 0.5 {
			t.Errorf("expected strong positive correlation, got %f", debtRatio.Correlation)
		}
		if debtRatio.DriftSeverity != domain.DriftNone && debtRatio.DriftSeverity != domain.DriftMinor {
			t.Errorf("stationary population should not drift, got %s", debtRatio.DriftSeverity)
		}
	})

	t.Run("RecordsPersisted", func(t *testing.T) {
		records, err := repo.ListFeaturePerformance(ctx, "tenant-a", mv.ID)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(records) != 2 {
			t.Errorf("expected 2 persisted records, got %d", len(records))
		}
	})
}

func TestAnalyzeInsufficientData(t *testing.T) {
	analyzer, repo := newTestAnalyzer(t)
	ctx := context.Background()

	weights := map[string]float64{"debt_ratio": 0.6, "noise": 0.4}
	mv := seedActiveVersion(t, repo, "tenant-thin", weights)
	seedOutcomes(t, repo, "tenant-thin", 10, func(bool) float64 { return 0.5 })

	adj, err := analyzer.AnalyzeFeaturePerformance(ctx, "tenant-thin", 100)
	if err != nil {
		t.Fatalf("thin data must not fail: %v", err)
	}

	if adj.Confidence != 0 {
		t.Errorf("expected confidence 0, got %f", adj.Confidence)
	}
	for k, w := range weights {
		if adj.SuggestedWeights[k] != w {
			t.Errorf("expected current weight %f for %s, got %f", w, k, adj.SuggestedWeights[k])
		}
	}
	if adj.Reason == "" {
		t.Error("expected an explanatory reason")
	}

	records, err := repo.ListFeaturePerformance(ctx, "tenant-thin", mv.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("thin runs must not persist records, got %d", len(records))
	}
}

func TestAnalyzeServedScoreDiscriminates(t *testing.T) {
	analyzer, repo := newTestAnalyzer(t)
	ctx := context.Background()

	seedActiveVersion(t, repo, "tenant-b", map[string]float64{
		"debt_ratio": 0.5,
		"noise":      0.5,
	})
	// Low scores default, high scores repay: the served score already works.
	seedOutcomes(t, repo, "tenant-b", 200, func(defaulted bool) float64 {
		if defaulted {
			return 0.3
		}
		return 0.9
	})

	adj, err := analyzer.AnalyzeFeaturePerformance(ctx, "tenant-b", 100)
	if err != nil {
		t.Fatalf("analysis failed: %v", err)
	}
	if adj.OverallImprovement != 0 {
		t.Errorf("expected no claimed improvement when the score discriminates, got %f", adj.OverallImprovement)
	}
}

func TestAnalyzeNoActiveVersion(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t)

	if _, err := analyzer.AnalyzeFeaturePerformance(context.Background(), "tenant-empty", 100); err == nil {
		t.Fatal("expected error without an active version")
	}
}

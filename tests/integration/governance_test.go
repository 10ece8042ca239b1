//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel governance engine.
//
// These tests verify the COMPLETE governance pipeline:
//
//	Model Version → Promotion → Experiment → Assignment → Outcomes → Verdict
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. MODEL VERSION: An immutable bundle of scoring configuration (feature
//    weights, thresholds, fraud rules). Versioned vMAJOR.MINOR.PATCH.
//
// 2. PROMOTION: Exactly one version per tenant serves production traffic.
//    Promoting a new version atomically deprecates the old one.
//
// 3. EXPERIMENT: An A/B test routing a fraction of scoring requests to a
//    treatment version. Assignment is deterministic per request ID.
//
// 4. OUTCOME: A closed loan joined back to the scoring decision. Defaults
//    drive the two-proportion z-test behind the experiment verdict.
//
// The server must be running (community tier is fine):
//
//	go run cmd/kestrel/main.go
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	// Unique tenant per run keeps reruns independent.
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: fmt.Sprintf("it-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

type ModelVersion struct {
	ID         string  `json:"id"`
	Version    string  `json:"version"`
	Status     string  `json:"status"`
	IsActive   bool    `json:"isActive"`
	PromotedBy string  `json:"promotedBy"`
}

type Experiment struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Winner            string `json:"winner"`
	ControlOutcomes   int64  `json:"controlOutcomes"`
	TreatmentOutcomes int64  `json:"treatmentOutcomes"`
}

type Assignment struct {
	Assigned       bool   `json:"assigned"`
	ExperimentID   string `json:"experimentId"`
	Variant        string `json:"variant"`
	ModelVersionID string `json:"modelVersionId"`
}

type Results struct {
	PValue         float64 `json:"pValue"`
	Significant    bool    `json:"significant"`
	SufficientData bool    `json:"sufficientData"`
	Winner         string  `json:"winner"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
	}

	req, err := http.NewRequest(method, config.BaseURL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", config.TenantID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func createVersion(t *testing.T, config TestConfig, name string) ModelVersion {
	t.Helper()

	var mv ModelVersion
	status := call(t, config, http.MethodPost, "/models", map[string]any{
		"name": name,
		"featureWeights": map[string]float64{
			"monthly_income": 0.4,
			"existing_debt":  0.6,
		},
		"thresholds":      map[string]float64{"approve": 0.7},
		"trainingSamples": 4000,
	}, &mv)
	if status != http.StatusCreated {
		t.Fatalf("create version failed: status %d", status)
	}
	return mv
}

func recordOutcome(t *testing.T, config TestConfig, requestID, experimentID, variant, repayment string) {
	t.Helper()

	status := call(t, config, http.MethodPost, "/outcomes", map[string]any{
		"scoringRequestId": requestID,
		"loanGranted":      true,
		"repaymentStatus":  repayment,
		"scoreAtDecision":  0.6,
		"amount":           10000,
		"currency":         "KES",
		"experimentId":     experimentID,
		"variant":          variant,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("record outcome failed: status %d", status)
	}
}

// ============================================================================
// End-to-end governance flow
// ============================================================================

func TestGovernanceFlow(t *testing.T) {
	config := getTestConfig()

	// Verify the server is reachable before anything else.
	resp, err := http.Get(config.BaseURL + "/health")
	if err != nil {
		t.Fatalf("kestrel not reachable at %s: %v", config.BaseURL, err)
	}
	resp.Body.Close()

	control := createVersion(t, config, "baseline scorecard")
	if control.Version != "v1.0.0" {
		t.Fatalf("expected v1.0.0 for first version, got %s", control.Version)
	}
	treatment := createVersion(t, config, "relaxed debt cutoff")
	if treatment.Version != "v1.0.1" {
		t.Fatalf("expected v1.0.1 for second version, got %s", treatment.Version)
	}

	t.Run("PromoteControl", func(t *testing.T) {
		var promoted ModelVersion
		status := call(t, config, http.MethodPost, "/models/"+control.ID+"/promote",
			map[string]string{"promotedBy": "integration@kestrel"}, &promoted)
		if status != http.StatusOK {
			t.Fatalf("promote failed: status %d", status)
		}

		var active ModelVersion
		call(t, config, http.MethodGet, "/models/active", nil, &active)
		if active.ID != control.ID || !active.IsActive {
			t.Fatalf("expected %s active, got %+v", control.ID, active)
		}
	})

	var exp Experiment
	t.Run("CreateAndStartExperiment", func(t *testing.T) {
		status := call(t, config, http.MethodPost, "/experiments", map[string]any{
			"name":               "relaxed cutoff rollout",
			"controlVersionId":   control.ID,
			"treatmentVersionId": treatment.ID,
			"trafficSplit":       0.5,
			"minSampleSize":      10,
		}, &exp)
		if status != http.StatusCreated {
			t.Fatalf("create experiment failed: status %d", status)
		}

		status = call(t, config, http.MethodPost, "/experiments/"+exp.ID+"/start", nil, &exp)
		if status != http.StatusOK || exp.Status != "running" {
			t.Fatalf("start failed: status %d, experiment %+v", status, exp)
		}
	})

	assignments := make(map[string]Assignment)

	t.Run("DeterministicAssignment", func(t *testing.T) {
		for i := 0; i < 40; i++ {
			requestID := fmt.Sprintf("req-%03d", i)

			var first Assignment
			call(t, config, http.MethodPost, "/assign", map[string]string{"requestId": requestID}, &first)
			if !first.Assigned {
				t.Fatalf("expected assignment for %s with a running experiment", requestID)
			}

			var repeat Assignment
			call(t, config, http.MethodPost, "/assign", map[string]string{"requestId": requestID}, &repeat)
			if repeat.Variant != first.Variant || repeat.ModelVersionID != first.ModelVersionID {
				t.Fatalf("assignment for %s not deterministic: %+v vs %+v", requestID, first, repeat)
			}

			assignments[requestID] = first
		}

		// With a 0.5 split both arms should see traffic.
		arms := map[string]int{}
		for _, a := range assignments {
			arms[a.Variant]++
		}
		if arms["control"] == 0 || arms["treatment"] == 0 {
			t.Fatalf("expected both arms to receive traffic, got %v", arms)
		}
	})

	t.Run("RecordOutcomes", func(t *testing.T) {
		// Control defaults heavily, treatment repays.
		i := 0
		for requestID, a := range assignments {
			repayment := "on_time"
			if a.Variant == "control" && i%2 == 0 {
				repayment = "default"
			}
			recordOutcome(t, config, requestID, a.ExperimentID, a.Variant, repayment)
			i++
		}

		var got Experiment
		call(t, config, http.MethodGet, "/experiments/"+exp.ID, nil, &got)
		if got.ControlOutcomes+got.TreatmentOutcomes != int64(len(assignments)) {
			t.Fatalf("expected %d outcomes counted, got %d control + %d treatment",
				len(assignments), got.ControlOutcomes, got.TreatmentOutcomes)
		}
	})

	t.Run("ResultsAndStop", func(t *testing.T) {
		var results Results
		call(t, config, http.MethodGet, "/experiments/"+exp.ID+"/results", nil, &results)
		if !results.SufficientData {
			t.Fatalf("expected sufficient data, got %+v", results)
		}

		var stopped Experiment
		status := call(t, config, http.MethodPost, "/experiments/"+exp.ID+"/stop", nil, &stopped)
		if status != http.StatusOK || stopped.Status != "completed" {
			t.Fatalf("stop failed: status %d, experiment %+v", status, stopped)
		}

		// Post-stop traffic falls back to the active version.
		var after Assignment
		call(t, config, http.MethodPost, "/assign", map[string]string{"requestId": "req-after-stop"}, &after)
		if after.Assigned || after.ModelVersionID != control.ID {
			t.Fatalf("expected fallback after stop, got %+v", after)
		}
	})
}

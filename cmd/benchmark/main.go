// Benchmark tool for hammering Kestrel's assignment hot path.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -tenant acme
//
// This tool:
//   1. Sends POST /assign for a set of synthetic scoring request IDs
//   2. Repeats each request and verifies assignments are deterministic
//   3. Compares the realized traffic split against the configured split
//   4. Reports latency and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// AssignRequest is the Kestrel API request format.
type AssignRequest struct {
	RequestID string `json:"requestId"`
	PartnerID string `json:"partnerId,omitempty"`
	Country   string `json:"country,omitempty"`
}

// AssignResponse is the Kestrel API response format.
type AssignResponse struct {
	Assigned       bool   `json:"assigned"`
	ExperimentID   string `json:"experimentId"`
	Variant        string `json:"variant"`
	ModelVersionID string `json:"modelVersionId"`
}

// Experiment is the slice of the experiment resource the report needs.
type Experiment struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	TrafficSplit float64 `json:"trafficSplit"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalRequests  int64
	TotalErrors    int64
	Inconsistent   int64 // repeated request landed on a different arm
	Unassigned     int64 // fell back to the active version
	TreatmentCount int64
	ControlCount   int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	requests := flag.Int("requests", 5000, "Number of distinct scoring request IDs")
	repeats := flag.Int("repeats", 3, "Assignments per request ID (determinism check)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	country := flag.String("country", "", "Country code sent with each request")
	partnerID := flag.String("partner", "", "Partner ID sent with each request")
	verbose := flag.Bool("verbose", false, "Print each inconsistent assignment")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Assignment Determinism           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Requests:    %d\n", *requests)
	fmt.Printf("Repeats:     %d\n", *repeats)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Fetch running experiments for the split report
	running, err := listRunningExperiments(*baseURL, *tenantID)
	if err != nil {
		fmt.Printf("ERROR: failed to list experiments: %v\n", err)
		os.Exit(1)
	}
	if len(running) == 0 {
		fmt.Println("⚠️  No running experiments - every request will fall back to the active version")
	} else {
		for _, exp := range running {
			fmt.Printf("✓ Running experiment %s (%s), configured split %.2f\n", exp.ID, exp.Name, exp.TrafficSplit)
		}
	}

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(*baseURL, *tenantID, *requests, *repeats, *workers, *country, *partnerID, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, running, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func listRunningExperiments(baseURL, tenantID string) ([]Experiment, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/experiments?status=running", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		Experiments []Experiment `json:"experiments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Experiments, nil
}

func runBenchmark(baseURL, tenantID string, requests, repeats, numWorkers int, country, partnerID string, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan string, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for requestID := range work {
				var first *AssignResponse

				for rep := 0; rep < repeats; rep++ {
					start := time.Now()
					result, err := assign(client, baseURL, tenantID, AssignRequest{
						RequestID: requestID,
						Country:   country,
						PartnerID: partnerID,
					})
					elapsed := time.Since(start).Milliseconds()

					atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
					atomic.AddInt64(&metrics.TotalRequests, 1)

					if err != nil {
						atomic.AddInt64(&metrics.TotalErrors, 1)
						if verbose {
							fmt.Printf("ERROR: %s -> %v\n", requestID, err)
						}
						continue
					}

					if first == nil {
						first = result

						// Count each request ID once for the split
						if !result.Assigned {
							atomic.AddInt64(&metrics.Unassigned, 1)
						} else if result.Variant == "treatment" {
							atomic.AddInt64(&metrics.TreatmentCount, 1)
						} else {
							atomic.AddInt64(&metrics.ControlCount, 1)
						}
						continue
					}

					if result.Variant != first.Variant || result.ModelVersionID != first.ModelVersionID {
						atomic.AddInt64(&metrics.Inconsistent, 1)
						if verbose {
							fmt.Printf("✗ %s | first: %s/%s | now: %s/%s\n",
								requestID, first.Variant, first.ModelVersionID, result.Variant, result.ModelVersionID)
						}
					}
				}
			}
		}()
	}

	// Send work
	for i := 0; i < requests; i++ {
		work <- fmt.Sprintf("bench-req-%06d", i)
	}
	close(work)

	wg.Wait()

	return metrics
}

func assign(client *http.Client, baseURL, tenantID string, req AssignRequest) (*AssignResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/assign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result AssignResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, running []Experiment, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	assigned := m.TreatmentCount + m.ControlCount

	fmt.Printf("\n📊 ASSIGNMENT STATISTICS\n")
	fmt.Printf("   Total Requests:   %d\n", m.TotalRequests)
	fmt.Printf("   Assigned:         %d\n", assigned)
	fmt.Printf("   Fallback:         %d\n", m.Unassigned)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n🎯 DETERMINISM\n")
	if m.Inconsistent == 0 {
		fmt.Println("   ✅ All repeated assignments were identical")
	} else {
		fmt.Printf("   ❌ %d repeated assignments changed arms!\n", m.Inconsistent)
	}

	fmt.Printf("\n⚖️  TRAFFIC SPLIT\n")
	fmt.Printf("   Control:    %d\n", m.ControlCount)
	fmt.Printf("   Treatment:  %d\n", m.TreatmentCount)
	if assigned > 0 {
		realized := float64(m.TreatmentCount) / float64(assigned)
		fmt.Printf("   Realized:   %.4f\n", realized)
		if len(running) == 1 {
			configured := running[0].TrafficSplit
			fmt.Printf("   Configured: %.4f\n", configured)
			drift := realized - configured
			if drift < 0 {
				drift = -drift
			}
			if drift <= 0.02 {
				fmt.Println("   ✅ Realized split within 2% of configured")
			} else {
				fmt.Printf("   ⚠️  Realized split off by %.4f\n", drift)
			}
		}
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalRequests > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalRequests)
		rps := float64(m.TotalRequests) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", rps)
	}

	fmt.Println()
}

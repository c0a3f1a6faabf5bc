// Package benchmark holds the TPS benchmark runner's domain types (spec
// §4.10): a validated request, a run record progressing through
// pending/running/completed/failed, and the per-endpoint/overall throughput
// statistics computed from its raw samples.
package benchmark

import (
	"fmt"
	"time"

	"github.com/llmlb/llmlb/internal/domain"
	"github.com/llmlb/llmlb/internal/domain/tps"
)

// Status is a benchmark run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request is the validated input to start_tps_benchmark (spec §4.10).
type Request struct {
	Model         string  `json:"model"`
	TotalRequests int     `json:"total_requests"`
	Concurrency   int     `json:"concurrency"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float64 `json:"temperature"`
}

// Validate enforces spec §4.10's parameter bounds.
func (r Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", domain.ErrValidation)
	}
	if r.TotalRequests < 1 || r.TotalRequests > 500 {
		return fmt.Errorf("%w: total_requests must be in [1, 500]", domain.ErrValidation)
	}
	if r.Concurrency < 1 || r.Concurrency > 64 {
		return fmt.Errorf("%w: concurrency must be in [1, 64]", domain.ErrValidation)
	}
	if r.MaxTokens < 1 || r.MaxTokens > 4096 {
		return fmt.Errorf("%w: max_tokens must be in [1, 4096]", domain.ErrValidation)
	}
	if r.Temperature < 0.0 || r.Temperature > 2.0 {
		return fmt.Errorf("%w: temperature must be in [0.0, 2.0]", domain.ErrValidation)
	}
	return nil
}

// Stats is an aggregated throughput summary (mean/p50/p95 tokens-per-second)
// over a set of samples.
type Stats struct {
	RequestCount int     `json:"request_count"`
	ErrorCount   int     `json:"error_count"`
	MeanTps      float64 `json:"mean_tps"`
	P50Tps       float64 `json:"p50_tps"`
	P95Tps       float64 `json:"p95_tps"`
}

// EndpointStats is one endpoint's Stats within a run, identified for display.
type EndpointStats struct {
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name"`
	Stats
}

// Run is one TPS benchmark invocation's full record (spec §4.10's
// get_tps_benchmark result shape).
type Run struct {
	ID           string          `json:"run_id"`
	Request      Request         `json:"request"`
	Status       Status          `json:"status"`
	RequestedAt  time.Time       `json:"requested_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Overall      Stats           `json:"overall"`
	PerEndpoint  []EndpointStats `json:"per_endpoint"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// samples accumulates every completed request's raw throughput sample
	// as it lands, keyed by endpoint; Aggregate folds these into Overall
	// and PerEndpoint. Reuses tps.BenchmarkRun as the per-request sample
	// shape (it already carries endpoint/model/output-tokens/duration/tps),
	// a different axis from that type's original run-registry-retention
	// purpose but the same underlying observation.
	samples       []tps.BenchmarkRun
	endpointNames map[string]string
}

// AddSample records one completed request's throughput observation.
func (r *Run) AddSample(s tps.BenchmarkRun) {
	r.samples = append(r.samples, s)
}

// AddFailure records one failed request, counted in Overall.ErrorCount but
// contributing no throughput sample.
func (r *Run) AddFailure() {
	r.Overall.ErrorCount++
}

// Aggregate recomputes Overall and PerEndpoint from the samples recorded so
// far (spec §4.10: "aggregates mean / p50 / p95 per endpoint and overall").
// Safe to call repeatedly as samples arrive, to support polling a run mid-
// flight via get_tps_benchmark.
func (r *Run) Aggregate() {
	byEndpoint := make(map[string][]float64)
	order := make([]string, 0)
	var overall []float64

	for _, s := range r.samples {
		overall = append(overall, s.Tps)
		if _, ok := byEndpoint[s.EndpointID]; !ok {
			order = append(order, s.EndpointID)
		}
		byEndpoint[s.EndpointID] = append(byEndpoint[s.EndpointID], s.Tps)
	}

	errorCount := r.Overall.ErrorCount
	r.Overall = computeStats(overall)
	r.Overall.ErrorCount = errorCount

	r.PerEndpoint = r.PerEndpoint[:0]
	for _, id := range order {
		stats := computeStats(byEndpoint[id])
		name := r.endpointNames[id]
		if name == "" {
			name = id
		}
		r.PerEndpoint = append(r.PerEndpoint, EndpointStats{EndpointID: id, EndpointName: name, Stats: stats})
	}
}

// SetEndpointName records the display name for an endpoint id, used by
// Aggregate when building PerEndpoint entries.
func (r *Run) SetEndpointName(id, name string) {
	if r.endpointNames == nil {
		r.endpointNames = make(map[string]string)
	}
	r.endpointNames[id] = name
}

func computeStats(samples []float64) Stats {
	n := len(samples)
	stats := Stats{RequestCount: n}
	if n == 0 {
		return stats
	}
	sorted := append([]float64(nil), samples...)
	sortFloat64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	stats.MeanTps = sum / float64(n)
	stats.P50Tps = percentile(sorted, 0.50)
	stats.P95Tps = percentile(sorted, 0.95)
	return stats
}

// percentile returns the value at the given fraction into sorted (ascending,
// non-empty): index frac*(n-1), truncated toward zero.
func percentile(sorted []float64, frac float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(frac * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func sortFloat64s(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

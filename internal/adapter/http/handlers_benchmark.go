package http

import (
	"net/http"

	"github.com/llmlb/llmlb/internal/domain/benchmark"
)

// CreateTPSBenchmark handles POST /api/benchmarks/tps (spec §4.10/§6:
// "Returns 202 + {run_id, status}.").
func (h *Handlers) CreateTPSBenchmark(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[benchmark.Request](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	runID, err := h.Benchmarks.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "start tps benchmark")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(benchmark.StatusPending),
	})
}

// GetTPSBenchmark handles GET /api/benchmarks/tps/{run_id} (spec §6:
// "Current run record.").
func (h *Handlers) GetTPSBenchmark(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "run_id")
	if !requireField(w, runID, "run_id") {
		return
	}
	run, ok := h.Benchmarks.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "invalid_request_error", "benchmark run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

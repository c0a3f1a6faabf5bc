// Package metrics exposes the system's Prometheus-text metrics surface
// (spec §6: GET /api/metrics/cloud). It wraps github.com/prometheus/client_golang,
// the library the rest of the retrieval pack reaches for to expose metrics
// (see DESIGN.md's "Dropped teacher dependencies" for why the teacher's
// full OpenTelemetry exporter stack was dropped in favor of this narrower
// surface: there is no collector to export traces to in this spec's scope).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process's metric collectors and serves them as
// Prometheus text exposition format.
type Registry struct {
	reg *prometheus.Registry

	dispatchRequests   *prometheus.CounterVec
	auditVerifyFailure *prometheus.CounterVec
	benchmarkRuns      *prometheus.CounterVec
}

// New constructs a Registry with the collectors this system's components
// report through (dispatcher outcomes, audit chain verification, TPS
// benchmark runs). Registered against a fresh prometheus.Registry rather
// than the global default, so tests can construct independent instances.
func New() *Registry {
	reg := prometheus.NewRegistry()

	dispatchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmlb",
		Name:      "dispatch_requests_total",
		Help:      "Total inference requests dispatched, by endpoint id and outcome.",
	}, []string{"endpoint_id", "outcome"})

	auditVerifyFailure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmlb",
		Name:      "audit_verification_failures_total",
		Help:      "Hash-chain verification mismatches found in the audit log pipeline, by batch id.",
	}, []string{"batch_id"})

	benchmarkRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmlb",
		Name:      "tps_benchmark_runs_total",
		Help:      "TPS benchmark runs started, by terminal status.",
	}, []string{"status"})

	reg.MustRegister(dispatchRequests, auditVerifyFailure, benchmarkRuns)

	return &Registry{
		reg:                reg,
		dispatchRequests:   dispatchRequests,
		auditVerifyFailure: auditVerifyFailure,
		benchmarkRuns:      benchmarkRuns,
	}
}

// RecordDispatch increments the per-endpoint dispatch counter. Call from
// the HTTP layer after dispatcher.Dispatch returns.
func (r *Registry) RecordDispatch(endpointID, outcome string) {
	r.dispatchRequests.WithLabelValues(endpointID, outcome).Inc()
}

// RecordAuditVerificationFailure implements auditsvc.MetricsSink.
func (r *Registry) RecordAuditVerificationFailure(batchID string, _ int64) {
	r.auditVerifyFailure.WithLabelValues(batchID).Inc()
}

// RecordBenchmarkRun increments the benchmark-run counter for a terminal
// status ("completed" or "failed").
func (r *Registry) RecordBenchmarkRun(status string) {
	r.benchmarkRuns.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus text-exposition HTTP handler (spec §6:
// GET /api/metrics/cloud, admin-gated by the router).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

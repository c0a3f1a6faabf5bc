package http

import "net/http"

// CloudMetrics handles GET /api/metrics/cloud (spec §6: "Prometheus text
// format.", admin-gated).
func (h *Handlers) CloudMetrics(w http.ResponseWriter, r *http.Request) {
	h.Metrics.Handler().ServeHTTP(w, r)
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_RecordDispatch(t *testing.T) {
	r := New()
	r.RecordDispatch("ep-1", "success")
	r.RecordDispatch("ep-1", "error")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/metrics/cloud", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `llmlb_dispatch_requests_total{endpoint_id="ep-1",outcome="success"} 1`) {
		t.Fatalf("missing success counter in output: %s", body)
	}
	if !strings.Contains(body, `llmlb_dispatch_requests_total{endpoint_id="ep-1",outcome="error"} 1`) {
		t.Fatalf("missing error counter in output: %s", body)
	}
}

func TestRegistry_RecordAuditVerificationFailure(t *testing.T) {
	r := New()
	r.RecordAuditVerificationFailure("batch-9", 42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/metrics/cloud", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `llmlb_audit_verification_failures_total{batch_id="batch-9"} 1`) {
		t.Fatalf("missing audit failure counter in output: %s", body)
	}
}

func TestRegistry_RecordBenchmarkRun(t *testing.T) {
	r := New()
	r.RecordBenchmarkRun("completed")
	r.RecordBenchmarkRun("completed")
	r.RecordBenchmarkRun("failed")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/metrics/cloud", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `llmlb_tps_benchmark_runs_total{status="completed"} 2`) {
		t.Fatalf("missing completed counter in output: %s", body)
	}
	if !strings.Contains(body, `llmlb_tps_benchmark_runs_total{status="failed"} 1`) {
		t.Fatalf("missing failed counter in output: %s", body)
	}
}

func TestRegistry_HandlerContentType(t *testing.T) {
	r := New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/metrics/cloud", nil)
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("expected prometheus text exposition content type, got %q", ct)
	}
}

package healthcheck

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/llmlb/llmlb/internal/domain/endpoint"
)

type fakeStore struct {
	mu          sync.Mutex
	endpoints   map[string]endpoint.Endpoint
	healthRows  []endpoint.HealthCheck
	statusCalls int
}

func newFakeStore(endpoints ...endpoint.Endpoint) *fakeStore {
	s := &fakeStore{endpoints: make(map[string]endpoint.Endpoint)}
	for _, e := range endpoints {
		s.endpoints[e.ID] = e
	}
	return s
}

func (s *fakeStore) ListEndpoints(_ context.Context) ([]endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]endpoint.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) UpdateEndpointStatus(_ context.Context, id string, status endpoint.Status, latencyMs *int64, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	e := s.endpoints[id]
	e.Status = status
	e.LastLatencyMs = latencyMs
	e.LastError = lastErr
	e.LastSeenAt = &now
	s.endpoints[id] = e
	return nil
}

func (s *fakeStore) CreateHealthCheck(_ context.Context, hc *endpoint.HealthCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthRows = append(s.healthRows, *hc)
	return nil
}

func (s *fakeStore) get(id string) endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[id]
}

type fakeRegistry struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRegistry) UpdateStatus(_ context.Context, _ string, _ endpoint.Status, _ *int64, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedProber) Probe(_ context.Context, _ endpoint.Endpoint, _ time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	err := p.results[idx]
	p.calls++
	return 5, err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransition_PendingToOfflineOnFailure(t *testing.T) {
	c := New(nil, nil, nil, nil, testLogger(), nil, nil, 0)
	next, msg := c.transition("e1", endpoint.StatusPending, errors.New("boom"))
	if next != endpoint.StatusOffline || msg != "boom" {
		t.Errorf("got (%s, %q), want (offline, boom)", next, msg)
	}
}

func TestTransition_PendingToOnlineOnSuccess(t *testing.T) {
	c := New(nil, nil, nil, nil, testLogger(), nil, nil, 0)
	next, msg := c.transition("e1", endpoint.StatusPending, nil)
	if next != endpoint.StatusOnline || msg != "" {
		t.Errorf("got (%s, %q), want (online, \"\")", next, msg)
	}
}

func TestTransition_OnlineToDegradedThenOfflineAfterThreshold(t *testing.T) {
	c := New(nil, nil, nil, nil, testLogger(), nil, nil, 0)

	next, _ := c.transition("e1", endpoint.StatusOnline, errors.New("fail"))
	if next != endpoint.StatusDegraded {
		t.Fatalf("1st failure: got %s, want degraded", next)
	}
	next, _ = c.transition("e1", endpoint.StatusDegraded, errors.New("fail"))
	if next != endpoint.StatusDegraded {
		t.Fatalf("2nd failure: got %s, want degraded", next)
	}
	next, _ = c.transition("e1", endpoint.StatusDegraded, errors.New("fail"))
	if next != endpoint.StatusOffline {
		t.Fatalf("3rd failure: got %s, want offline", next)
	}
}

func TestTransition_DegradedRecoversToOnline(t *testing.T) {
	c := New(nil, nil, nil, nil, testLogger(), nil, nil, 0)
	c.transition("e1", endpoint.StatusOnline, errors.New("fail"))
	next, msg := c.transition("e1", endpoint.StatusDegraded, nil)
	if next != endpoint.StatusOnline || msg != "" {
		t.Errorf("got (%s, %q), want (online, \"\")", next, msg)
	}
}

func TestTransition_OfflineStaysOfflineOnFailure(t *testing.T) {
	c := New(nil, nil, nil, nil, testLogger(), nil, nil, 0)
	next, _ := c.transition("e1", endpoint.StatusOffline, errors.New("fail"))
	if next != endpoint.StatusOffline {
		t.Errorf("got %s, want offline", next)
	}
}

func TestRunProbe_WritesHealthRowAndUpdatesStatus(t *testing.T) {
	e := endpoint.Endpoint{ID: "e1", BaseURL: "http://upstream", Status: endpoint.StatusPending, HealthCheckInterval: 30, InferenceTimeoutSecs: 5}
	store := newFakeStore(e)
	reg := &fakeRegistry{}
	prober := &scriptedProber{results: []error{nil}}
	idCounter := 0
	c := New(store, reg, prober, nil, testLogger(), func() string { idCounter++; return "hc-1" }, func() time.Time { return time.Unix(0, 0) }, 0)

	c.runProbe(context.Background(), "e1")

	if len(store.healthRows) != 1 {
		t.Fatalf("healthRows = %d, want 1", len(store.healthRows))
	}
	if store.healthRows[0].Status != endpoint.StatusOnline {
		t.Errorf("row status = %s, want online", store.healthRows[0].Status)
	}
	if store.get("e1").Status != endpoint.StatusOnline {
		t.Errorf("endpoint status = %s, want online", store.get("e1").Status)
	}
	if reg.calls != 1 {
		t.Errorf("registry calls = %d, want 1", reg.calls)
	}
}

func TestStartOne_StopOne_CancelsLoop(t *testing.T) {
	e := endpoint.Endpoint{ID: "e1", BaseURL: "http://upstream", Status: endpoint.StatusPending, HealthCheckInterval: 1, InferenceTimeoutSecs: 5}
	store := newFakeStore(e)
	prober := &scriptedProber{results: []error{nil}}
	c := New(store, &fakeRegistry{}, prober, nil, testLogger(), nil, nil, 0)

	c.StartOne(context.Background(), e)
	time.Sleep(20 * time.Millisecond)
	c.StopOne("e1")

	c.mu.Lock()
	_, stillRunning := c.cancels["e1"]
	c.mu.Unlock()
	if stillRunning {
		t.Error("expected loop to be removed from cancels after StopOne")
	}
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/llmlb/llmlb/internal/domain/endpoint"
)

type fakeStore struct {
	endpoints map[string]endpoint.Endpoint
	models    map[string][]endpoint.Model
}

func newFakeStore() *fakeStore {
	return &fakeStore{endpoints: map[string]endpoint.Endpoint{}, models: map[string][]endpoint.Model{}}
}

func (f *fakeStore) CreateEndpoint(_ context.Context, e *endpoint.Endpoint) error {
	f.endpoints[e.ID] = *e
	return nil
}
func (f *fakeStore) GetEndpoint(_ context.Context, id string) (*endpoint.Endpoint, error) {
	e, ok := f.endpoints[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}
func (f *fakeStore) ListEndpoints(_ context.Context) ([]endpoint.Endpoint, error) {
	out := make([]endpoint.Endpoint, 0, len(f.endpoints))
	for _, e := range f.endpoints {
		out = append(out, e)
	}
	return out, nil
}
func (f *fakeStore) ListEndpointsByStatus(_ context.Context, status endpoint.Status) ([]endpoint.Endpoint, error) {
	return nil, nil
}
func (f *fakeStore) UpdateEndpoint(_ context.Context, e *endpoint.Endpoint) error {
	f.endpoints[e.ID] = *e
	return nil
}
func (f *fakeStore) UpdateEndpointStatus(_ context.Context, id string, status endpoint.Status, latencyMs *int64, lastErr string, now time.Time) error {
	e := f.endpoints[id]
	e.Status = status
	e.LastLatencyMs = latencyMs
	e.LastError = lastErr
	e.LastSeenAt = &now
	f.endpoints[id] = e
	return nil
}
func (f *fakeStore) IncrementEndpointCounters(_ context.Context, id string, success bool) error {
	return nil
}
func (f *fakeStore) DeleteEndpoint(_ context.Context, id string) error {
	delete(f.endpoints, id)
	delete(f.models, id)
	return nil
}
func (f *fakeStore) CountEndpoints(_ context.Context) (int64, error) { return int64(len(f.endpoints)), nil }
func (f *fakeStore) ReplaceEndpointModels(_ context.Context, endpointID string, models []endpoint.Model) (endpoint.SyncModelsResult, error) {
	old := map[string]bool{}
	for _, m := range f.models[endpointID] {
		old[m.ModelID] = true
	}
	nw := map[string]bool{}
	for _, m := range models {
		nw[m.ModelID] = true
	}
	var added, removed []string
	for id := range nw {
		if !old[id] {
			added = append(added, id)
		}
	}
	for id := range old {
		if !nw[id] {
			removed = append(removed, id)
		}
	}
	f.models[endpointID] = models
	return endpoint.SyncModelsResult{Added: added, Removed: removed, Total: len(models)}, nil
}
func (f *fakeStore) ListModelsByEndpoint(_ context.Context, endpointID string) ([]endpoint.Model, error) {
	return f.models[endpointID], nil
}
func (f *fakeStore) FindEndpointsByModel(_ context.Context, modelID string) ([]endpoint.Model, error) {
	return nil, nil
}

func newTestRegistry() (*Registry, *fakeStore) {
	store := newFakeStore()
	return New(store, nil), store
}

func TestAddAndGet(t *testing.T) {
	r, _ := newTestRegistry()
	e := &endpoint.Endpoint{ID: "e1", Name: "one", Status: endpoint.StatusPending}
	if err := r.Add(context.Background(), e); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, ok := r.Get("e1")
	if !ok || got.Name != "one" {
		t.Fatalf("get = %+v, %v", got, ok)
	}
}

func TestUpdateStatus_ResetsAndBumpsErrorCount(t *testing.T) {
	r, _ := newTestRegistry()
	e := &endpoint.Endpoint{ID: "e1", Status: endpoint.StatusPending}
	_ = r.Add(context.Background(), e)

	now := time.Now()
	lat := int64(50)
	if err := r.UpdateStatus(context.Background(), "e1", endpoint.StatusDegraded, &lat, "boom", now); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := r.Get("e1")
	if got.ConsecutiveErrors != 1 {
		t.Errorf("consecutive errors = %d, want 1", got.ConsecutiveErrors)
	}

	if err := r.UpdateStatus(context.Background(), "e1", endpoint.StatusOnline, &lat, "", now); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = r.Get("e1")
	if got.ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors = %d, want reset to 0", got.ConsecutiveErrors)
	}
}

func TestFindByModelSortedByLatency_UnmeasuredLast(t *testing.T) {
	r, _ := newTestRegistry()
	lat200 := int64(200)
	lat50 := int64(50)
	_ = r.Add(context.Background(), &endpoint.Endpoint{ID: "slow", Status: endpoint.StatusOnline, LastLatencyMs: &lat200})
	_ = r.Add(context.Background(), &endpoint.Endpoint{ID: "fast", Status: endpoint.StatusOnline, LastLatencyMs: &lat50})
	_ = r.Add(context.Background(), &endpoint.Endpoint{ID: "unknown", Status: endpoint.StatusOnline})

	for _, id := range []string{"slow", "fast", "unknown"} {
		if _, err := r.SyncModels(context.Background(), id, []string{"gpt-x"}); err != nil {
			t.Fatalf("sync models: %v", err)
		}
	}

	got := r.FindByModelSortedByLatency("gpt-x")
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "fast" || got[1].ID != "slow" || got[2].ID != "unknown" {
		t.Fatalf("order = %v, want [fast slow unknown]", []string{got[0].ID, got[1].ID, got[2].ID})
	}
}

func TestSyncModels_AddedRemoved(t *testing.T) {
	r, _ := newTestRegistry()
	_ = r.Add(context.Background(), &endpoint.Endpoint{ID: "e1", Status: endpoint.StatusOnline})

	res, err := r.SyncModels(context.Background(), "e1", []string{"a", "b"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("total = %d, want 2", res.Total)
	}

	res, err = r.SyncModels(context.Background(), "e1", []string{"b", "c"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Added) != 1 || res.Added[0] != "c" {
		t.Errorf("added = %v, want [c]", res.Added)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "a" {
		t.Errorf("removed = %v, want [a]", res.Removed)
	}

	found := r.FindByModel("a")
	if len(found) != 0 {
		t.Errorf("expected model 'a' no longer mapped to e1, got %v", found)
	}
}

func TestRemove_DropsFromIndex(t *testing.T) {
	r, _ := newTestRegistry()
	_ = r.Add(context.Background(), &endpoint.Endpoint{ID: "e1", Status: endpoint.StatusOnline})
	_, _ = r.SyncModels(context.Background(), "e1", []string{"m1"})

	if err := r.Remove(context.Background(), "e1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := r.Get("e1"); ok {
		t.Error("expected endpoint removed")
	}
	if found := r.FindByModel("m1"); len(found) != 0 {
		t.Errorf("expected model index cleared, got %v", found)
	}
}

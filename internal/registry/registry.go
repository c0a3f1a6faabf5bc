// Package registry implements the endpoint registry (C2): an in-memory,
// RWMutex-guarded mirror of the endpoint and endpoint-model tables, backed
// by the persistent store. Lookups such as FindByModel read the in-memory
// index only; the optional cache is not read, and Remove deletes the removed
// endpoint's key from it.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llmlb/llmlb/internal/domain/endpoint"
	"github.com/llmlb/llmlb/internal/port/cache"
)

// Store is the slice of database.Store the registry depends on. Declared
// narrowly here, rather than taking the full database.Store, so the
// registry can be tested against a minimal fake.
type Store interface {
	ListEndpoints(ctx context.Context) ([]endpoint.Endpoint, error)
	ListModelsByEndpoint(ctx context.Context, endpointID string) ([]endpoint.Model, error)
	CreateEndpoint(ctx context.Context, e *endpoint.Endpoint) error
	UpdateEndpoint(ctx context.Context, e *endpoint.Endpoint) error
	UpdateEndpointStatus(ctx context.Context, id string, status endpoint.Status, latencyMs *int64, lastErr string, now time.Time) error
	ReplaceEndpointModels(ctx context.Context, endpointID string, models []endpoint.Model) (endpoint.SyncModelsResult, error)
	DeleteEndpoint(ctx context.Context, id string) error
}

// Registry is the in-memory endpoint registry. The mutex is never held
// across network I/O (spec §5): every mutating method persists first, then
// mirrors into memory under the lock.
type Registry struct {
	store Store
	cache cache.Cache // optional; only invalidated by Remove, never read

	mu        sync.RWMutex
	endpoints map[string]*endpoint.Endpoint
	models    map[string]map[string]endpoint.Model // endpointID -> modelID -> Model
	byModel   map[string]map[string]struct{}       // modelID -> set of endpointIDs
}

// New constructs an empty Registry. Call Load to hydrate it from the store.
func New(store Store, c cache.Cache) *Registry {
	return &Registry{
		store:     store,
		cache:     c,
		endpoints: make(map[string]*endpoint.Endpoint),
		models:    make(map[string]map[string]endpoint.Model),
		byModel:   make(map[string]map[string]struct{}),
	}
}

// Load hydrates the in-memory maps from the persistent store. Call once at
// startup before serving traffic.
func (r *Registry) Load(ctx context.Context) error {
	endpoints, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("load endpoints: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range endpoints {
		e := endpoints[i]
		r.endpoints[e.ID] = &e
		models, err := r.store.ListModelsByEndpoint(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("load models for endpoint %s: %w", e.ID, err)
		}
		r.indexModelsLocked(e.ID, models)
	}
	return nil
}

func (r *Registry) indexModelsLocked(endpointID string, models []endpoint.Model) {
	byModel := make(map[string]endpoint.Model, len(models))
	for _, m := range models {
		byModel[m.ModelID] = m
		if r.byModel[m.ModelID] == nil {
			r.byModel[m.ModelID] = make(map[string]struct{})
		}
		r.byModel[m.ModelID][endpointID] = struct{}{}
	}
	r.models[endpointID] = byModel
}

// Get returns the endpoint with the given id.
func (r *Registry) Get(id string) (*endpoint.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// List returns all registered endpoints.
func (r *Registry) List() []endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]endpoint.Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, *e)
	}
	return out
}

// ListOnline returns all endpoints currently in the online status.
func (r *Registry) ListOnline() []endpoint.Endpoint {
	return r.ListByStatus(endpoint.StatusOnline)
}

// ListByStatus returns all endpoints currently in the given status.
func (r *Registry) ListByStatus(status endpoint.Status) []endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]endpoint.Endpoint, 0)
	for _, e := range r.endpoints {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	return out
}

// Count returns the total number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// ListOnlineByCapability returns online endpoints whose capability set
// contains c.
func (r *Registry) ListOnlineByCapability(c endpoint.Capability) []endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]endpoint.Endpoint, 0)
	for _, e := range r.endpoints {
		if e.Status == endpoint.StatusOnline && e.Capabilities.Has(c) {
			out = append(out, *e)
		}
	}
	return out
}

// ListOnlineByCapabilitySorted returns the same set as ListOnlineByCapability,
// sorted ascending by last latency; endpoints with no latency measurement
// sort after endpoints with a measurement.
func (r *Registry) ListOnlineByCapabilitySorted(c endpoint.Capability) []endpoint.Endpoint {
	out := r.ListOnlineByCapability(c)
	sortByLatency(out)
	return out
}

// FindByModel returns all online endpoints mapped to modelID.
func (r *Registry) FindByModel(modelID string) []endpoint.Endpoint {
	modelID = GenerateModelID(modelID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byModel[modelID]
	out := make([]endpoint.Endpoint, 0, len(ids))
	for id := range ids {
		if e, ok := r.endpoints[id]; ok && e.Status == endpoint.StatusOnline {
			out = append(out, *e)
		}
	}
	return out
}

// FindByModelSortedByLatency returns the same set as FindByModel, sorted
// ascending by last latency, with unmeasured latencies sorting last.
func (r *Registry) FindByModelSortedByLatency(modelID string) []endpoint.Endpoint {
	out := r.FindByModel(modelID)
	sortByLatency(out)
	return out
}

func sortByLatency(endpoints []endpoint.Endpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		li, oki := endpoints[i].EffectiveLatencyMs()
		lj, okj := endpoints[j].EffectiveLatencyMs()
		if oki != okj {
			return oki // measured sorts before unmeasured
		}
		if !oki {
			return false
		}
		return li < lj
	})
}

// Add persists a new endpoint, then inserts it into the in-memory map.
func (r *Registry) Add(ctx context.Context, e *endpoint.Endpoint) error {
	if err := r.store.CreateEndpoint(ctx, e); err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	r.mu.Lock()
	cp := *e
	r.endpoints[e.ID] = &cp
	r.mu.Unlock()
	return nil
}

// Update persists an endpoint's full record, then overwrites the in-memory
// copy.
func (r *Registry) Update(ctx context.Context, e *endpoint.Endpoint) error {
	if err := r.store.UpdateEndpoint(ctx, e); err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	r.mu.Lock()
	cp := *e
	r.endpoints[e.ID] = &cp
	r.mu.Unlock()
	return nil
}

// UpdateStatus persists the endpoint's new status (and latency/error), then
// mirrors it in memory. When lastErr is non-empty the consecutive error
// count is incremented; otherwise it resets to zero. LastSeenAt is always
// refreshed to now.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status endpoint.Status, latencyMs *int64, lastErr string, now time.Time) error {
	if err := r.store.UpdateEndpointStatus(ctx, id, status, latencyMs, lastErr, now); err != nil {
		return fmt.Errorf("update endpoint status: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[id]
	if !ok {
		return nil
	}
	e.Status = status
	e.LastLatencyMs = latencyMs
	e.LastError = lastErr
	e.LastSeenAt = &now
	if lastErr != "" {
		e.ConsecutiveErrors++
	} else {
		e.ConsecutiveErrors = 0
	}
	return nil
}

// UpdateGPUInfo mutates volatile, never-persisted fields carried in Notes.
// These fields (GPU utilization, VRAM, etc.) are reported by endpoints at
// runtime and are not written to the store.
func (r *Registry) UpdateGPUInfo(id string, notes string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[id]; ok {
		e.Notes = notes
	}
}

// SyncModels computes the added/removed sets against the currently persisted
// model set for endpointID, applies both to the store and the in-memory
// model index, and returns the result.
func (r *Registry) SyncModels(ctx context.Context, endpointID string, desiredModels []string) (endpoint.SyncModelsResult, error) {
	r.mu.RLock()
	current := make(map[string]struct{}, len(r.models[endpointID]))
	for modelID := range r.models[endpointID] {
		current[modelID] = struct{}{}
	}
	r.mu.RUnlock()

	desired := make(map[string]struct{}, len(desiredModels))
	models := make([]endpoint.Model, 0, len(desiredModels))
	now := time.Now()
	for _, id := range desiredModels {
		normalized := GenerateModelID(id)
		desired[normalized] = struct{}{}
		models = append(models, endpoint.Model{EndpointID: endpointID, ModelID: normalized, LastCheckedAt: now})
	}

	result, err := r.store.ReplaceEndpointModels(ctx, endpointID, models)
	if err != nil {
		return endpoint.SyncModelsResult{}, fmt.Errorf("sync models: %w", err)
	}

	r.mu.Lock()
	for modelID := range current {
		if _, ok := desired[modelID]; !ok {
			delete(r.byModel[modelID], endpointID)
		}
	}
	r.indexModelsLocked(endpointID, models)
	r.mu.Unlock()

	return result, nil
}

// Remove purges model-index entries, deletes the row, and drops the
// in-memory and cache entries for id.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.DeleteEndpoint(ctx, id); err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}

	r.mu.Lock()
	for modelID := range r.models[id] {
		delete(r.byModel[modelID], id)
	}
	delete(r.models, id)
	delete(r.endpoints, id)
	r.mu.Unlock()

	if r.cache != nil {
		_ = r.cache.Delete(ctx, cacheKeyForModel(id))
	}
	return nil
}

func cacheKeyForModel(modelID string) string {
	return "registry:model:" + modelID
}

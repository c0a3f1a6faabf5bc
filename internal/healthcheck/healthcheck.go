// Package healthcheck implements the endpoint health-checker state machine
// (C3): an independent periodic prober per endpoint that transitions status
// between pending, online, degraded, and offline and records probe history.
package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/llmlb/llmlb/internal/domain/endpoint"
	"github.com/llmlb/llmlb/internal/port/broadcast"
)

// DefaultDegradedToOfflineThreshold is the number of consecutive probe
// failures that demote a degraded endpoint to offline when config.HealthCheck
// leaves DegradedThreshold unset (spec §4.3).
const DefaultDegradedToOfflineThreshold = 3

// Store is the narrow persistence dependency the health checker needs.
type Store interface {
	ListEndpoints(ctx context.Context) ([]endpoint.Endpoint, error)
	UpdateEndpointStatus(ctx context.Context, id string, status endpoint.Status, latencyMs *int64, lastErr string, now time.Time) error
	CreateHealthCheck(ctx context.Context, hc *endpoint.HealthCheck) error
}

// Registry is the narrow in-memory mirror the checker updates after a
// successful store write, so selection sees fresh state without a reload.
type Registry interface {
	UpdateStatus(ctx context.Context, id string, status endpoint.Status, latencyMs *int64, lastErr string, now time.Time) error
}

// Prober performs the actual upstream probe. Production code uses an
// http.Client-backed implementation; tests substitute a fake.
type Prober interface {
	Probe(ctx context.Context, e endpoint.Endpoint, timeout time.Duration) (latencyMs int64, err error)
}

// CredentialLookup resolves an endpoint's plaintext credential for outbound
// probe auth, e.g. secrets.Vault.Get keyed by endpoint id. Endpoint.
// CredentialHash only stores a verification hash and is never usable as a
// bearer token.
type CredentialLookup func(endpointID string) string

// HTTPProber probes an endpoint's /v1/models route.
type HTTPProber struct {
	Client     *http.Client
	Credential CredentialLookup
}

// NewHTTPProber builds a prober on a plain http.Client with no client-level
// timeout; the per-call timeout passed to Probe governs the deadline.
func NewHTTPProber(credential CredentialLookup) *HTTPProber {
	return &HTTPProber{Client: &http.Client{}, Credential: credential}
}

func (p *HTTPProber) Probe(ctx context.Context, e endpoint.Endpoint, timeout time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/v1/models", nil)
	if err != nil {
		return 0, err
	}
	if p.Credential != nil {
		if cred := p.Credential(e.ID); cred != "" {
			req.Header.Set("Authorization", "Bearer "+cred)
		}
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return latency, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return latency, &probeStatusError{StatusCode: resp.StatusCode}
	}
	return latency, nil
}

type probeStatusError struct{ StatusCode int }

func (e *probeStatusError) Error() string {
	return "probe returned error status"
}

// idGen produces EndpointHealthCheck row ids; injectable for deterministic
// tests.
type idGen func() string

// Checker runs one independent probe loop per endpoint.
type Checker struct {
	store       Store
	registry    Registry
	prober      Prober
	broadcaster broadcast.Broadcaster
	log         *slog.Logger
	newID       idGen
	now         func() time.Time
	threshold   int

	mu         sync.Mutex
	cancels    map[string]context.CancelFunc
	consecFail map[string]int
}

// New constructs a Checker. newID and now default to production behavior
// when nil (tests override both for determinism); threshold <= 0 falls back
// to DefaultDegradedToOfflineThreshold.
func New(store Store, registry Registry, prober Prober, b broadcast.Broadcaster, log *slog.Logger, newID idGen, now func() time.Time, threshold int) *Checker {
	if now == nil {
		now = time.Now
	}
	if threshold <= 0 {
		threshold = DefaultDegradedToOfflineThreshold
	}
	return &Checker{
		store:       store,
		registry:    registry,
		prober:      prober,
		broadcaster: b,
		log:         log,
		newID:       newID,
		now:         now,
		threshold:   threshold,
		cancels:     make(map[string]context.CancelFunc),
		consecFail:  make(map[string]int),
	}
}

// Start launches one probe loop per endpoint currently known to the store,
// and blocks only long enough to load the initial endpoint list; each loop
// runs in its own goroutine until ctx is canceled or StopAll is called.
func (c *Checker) Start(ctx context.Context) error {
	endpoints, err := c.store.ListEndpoints(ctx)
	if err != nil {
		return err
	}
	for _, e := range endpoints {
		c.StartOne(ctx, e)
	}
	return nil
}

// StartOne launches (or restarts) the independent probe loop for a single
// endpoint, used both at startup and when a new endpoint is registered.
func (c *Checker) StartOne(parent context.Context, e endpoint.Endpoint) {
	c.mu.Lock()
	if cancel, ok := c.cancels[e.ID]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(parent)
	c.cancels[e.ID] = cancel
	c.mu.Unlock()

	interval := time.Duration(e.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go c.loop(loopCtx, e.ID, interval)
}

// StopOne cancels the probe loop for a single endpoint, e.g. after deletion.
func (c *Checker) StopOne(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancels[id]; ok {
		cancel()
		delete(c.cancels, id)
		delete(c.consecFail, id)
	}
}

// StopAll cancels every running probe loop.
func (c *Checker) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.cancels {
		cancel()
		delete(c.cancels, id)
	}
}

func (c *Checker) loop(ctx context.Context, endpointID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.runProbe(ctx, endpointID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runProbe(ctx, endpointID)
		}
	}
}

func (c *Checker) runProbe(ctx context.Context, endpointID string) {
	endpoints, err := c.store.ListEndpoints(ctx)
	if err != nil {
		c.log.Error("healthcheck: list endpoints", "endpoint_id", endpointID, "error", err)
		return
	}
	var target *endpoint.Endpoint
	for i := range endpoints {
		if endpoints[i].ID == endpointID {
			target = &endpoints[i]
			break
		}
	}
	if target == nil {
		c.StopOne(endpointID)
		return
	}

	timeout := time.Duration(target.InferenceTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	latencyMs, probeErr := c.prober.Probe(ctx, *target, timeout)
	c.record(ctx, *target, latencyMs, probeErr)
}

func (c *Checker) record(ctx context.Context, e endpoint.Endpoint, latencyMs int64, probeErr error) {
	now := c.now()
	next, errMsg := c.transition(e.ID, e.Status, probeErr)

	hc := &endpoint.HealthCheck{
		EndpointID: e.ID,
		Status:     next,
		LatencyMs:  &latencyMs,
		Error:      errMsg,
		CheckedAt:  now,
	}
	if c.newID != nil {
		hc.ID = c.newID()
	}
	if err := c.store.CreateHealthCheck(ctx, hc); err != nil {
		c.log.Error("healthcheck: create health check row", "endpoint_id", e.ID, "error", err)
	}

	var latency *int64
	if probeErr == nil {
		latency = &latencyMs
	}
	if err := c.store.UpdateEndpointStatus(ctx, e.ID, next, latency, errMsg, now); err != nil {
		c.log.Error("healthcheck: update endpoint status", "endpoint_id", e.ID, "error", err)
		return
	}
	if c.registry != nil {
		if err := c.registry.UpdateStatus(ctx, e.ID, next, latency, errMsg, now); err != nil {
			c.log.Error("healthcheck: mirror status to registry", "endpoint_id", e.ID, "error", err)
		}
	}

	if next != e.Status && c.broadcaster != nil {
		c.broadcaster.BroadcastEvent(ctx, "endpoint.status_changed", map[string]any{
			"endpoint_id": e.ID,
			"from":        e.Status,
			"to":          next,
		})
	}
}

// transition applies the state machine in spec §4.3 and returns the next
// status plus the error message to persist (empty on success).
func (c *Checker) transition(endpointID string, current endpoint.Status, probeErr error) (endpoint.Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if probeErr == nil {
		delete(c.consecFail, endpointID)
		return endpoint.StatusOnline, ""
	}

	c.consecFail[endpointID]++
	errMsg := probeErr.Error()

	switch current {
	case endpoint.StatusPending:
		return endpoint.StatusOffline, errMsg
	case endpoint.StatusOnline:
		return endpoint.StatusDegraded, errMsg
	case endpoint.StatusDegraded:
		if c.consecFail[endpointID] >= c.threshold {
			return endpoint.StatusOffline, errMsg
		}
		return endpoint.StatusDegraded, errMsg
	default: // offline
		return endpoint.StatusOffline, errMsg
	}
}

// Package loadmanager implements endpoint selection, admission control, and
// active-request/TPS accounting (C5). The dispatcher (C6) calls into this
// package once per proxied request.
package loadmanager

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmlb/llmlb/internal/domain/endpoint"
	"github.com/llmlb/llmlb/internal/domain/loadstate"
	"github.com/llmlb/llmlb/internal/domain/tps"
)

// ErrNoEndpointAvailable is returned when the candidate set is empty.
var ErrNoEndpointAvailable = errors.New("no-endpoint-available")

// Mode selects the ranking strategy.
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeRoundRobin Mode = "round_robin"
)

// Decision is the admission-control outcome for a selected endpoint.
type Decision struct {
	Accept bool
	Delay  time.Duration // nonzero only when Accept is true and a delay applies
	Reject bool
}

// Config holds the admission-control and ranking tunables (spec §4.4,
// sourced from Config.LoadBalancer).
type Config struct {
	Mode         Mode
	SoftCap      int
	HardCap      int
	DelayUnit    time.Duration
	DelayCeiling time.Duration
}

// registryView is the minimal read surface the load manager needs from the
// endpoint registry.
type registryView interface {
	FindByModel(modelID string) []endpoint.Endpoint
	FindByModelSortedByLatency(modelID string) []endpoint.Endpoint
}

// Manager owns per-endpoint LoadState and per-(endpoint,model,api-kind) TPS
// state, and performs endpoint selection and admission control.
type Manager struct {
	cfg      Config
	registry registryView

	statesMu sync.RWMutex
	states   map[string]*loadstate.State

	tpsMu sync.Mutex
	tps   map[tpsKey]*tps.State

	rrMu      sync.Mutex
	rrCounter map[string]*uint64 // key: modelID+apiKind
}

type tpsKey struct {
	endpointID string
	modelID    string
	apiKind    endpoint.APIKind
}

// New constructs a Manager.
func New(cfg Config, reg registryView) *Manager {
	return &Manager{
		cfg:       cfg,
		registry:  reg,
		states:    make(map[string]*loadstate.State),
		tps:       make(map[tpsKey]*tps.State),
		rrCounter: make(map[string]*uint64),
	}
}

// stateFor returns (creating if needed) the LoadState for endpointID.
func (m *Manager) stateFor(endpointID string) *loadstate.State {
	m.statesMu.RLock()
	s, ok := m.states[endpointID]
	m.statesMu.RUnlock()
	if ok {
		return s
	}

	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	if s, ok := m.states[endpointID]; ok {
		return s
	}
	s = loadstate.NewState(endpointID)
	m.states[endpointID] = s
	return s
}

// Select applies the ranking algorithm (spec §4.4) over the online
// endpoints serving modelID, which it fetches itself via
// registry.FindByModel*, and returns the chosen endpoint. It does not filter
// by capability.
func (m *Manager) Select(modelID string, apiKind endpoint.APIKind) (endpoint.Endpoint, error) {
	if m.cfg.Mode == ModeRoundRobin {
		candidates := m.registry.FindByModel(modelID)
		if len(candidates) == 0 {
			return endpoint.Endpoint{}, ErrNoEndpointAvailable
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		return candidates[m.nextRoundRobin(modelID, apiKind, len(candidates))], nil
	}

	candidates := m.registry.FindByModelSortedByLatency(modelID)
	if len(candidates) == 0 {
		return endpoint.Endpoint{}, ErrNoEndpointAvailable
	}

	// Tie-breaker: fewer combined active requests, then endpoint id.
	sort.SliceStable(candidates, func(i, j int) bool {
		li, oki := candidates[i].EffectiveLatencyMs()
		lj, okj := candidates[j].EffectiveLatencyMs()
		if oki != okj {
			return oki
		}
		if oki && li != lj {
			return li < lj
		}
		ai := m.stateFor(candidates[i].ID).CombinedActive()
		aj := m.stateFor(candidates[j].ID).CombinedActive()
		if ai != aj {
			return ai < aj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

func (m *Manager) nextRoundRobin(modelID string, apiKind endpoint.APIKind, n int) int {
	key := modelID + "|" + string(apiKind)
	m.rrMu.Lock()
	counter, ok := m.rrCounter[key]
	if !ok {
		var c uint64
		counter = &c
		m.rrCounter[key] = counter
	}
	m.rrMu.Unlock()
	idx := atomic.AddUint64(counter, 1) - 1
	return int(idx % uint64(n))
}

// Admit applies admission control for the endpoint's current combined active
// request count (spec §4.4).
func (m *Manager) Admit(endpointID string) Decision {
	active := m.stateFor(endpointID).CombinedActive()
	if active >= m.cfg.HardCap {
		return Decision{Reject: true}
	}
	if active >= m.cfg.SoftCap {
		delay := time.Duration(active-m.cfg.SoftCap) * m.cfg.DelayUnit
		if delay > m.cfg.DelayCeiling {
			delay = m.cfg.DelayCeiling
		}
		return Decision{Accept: true, Delay: delay}
	}
	return Decision{Accept: true}
}

// Guard tracks one in-flight request's assigned-active accounting.
type Guard struct {
	m          *Manager
	endpointID string
	started    time.Time
	finished   bool
}

// BeginRequest atomically increments assigned_active and total_assigned for
// endpointID and returns a guard. The guard must be finished exactly once.
func (m *Manager) BeginRequest(endpointID string) *Guard {
	s := m.stateFor(endpointID)
	m.statesMu.Lock()
	s.BeginRequest()
	m.statesMu.Unlock()
	return &Guard{m: m, endpointID: endpointID, started: time.Now()}
}

// FinishRequest decrements assigned_active, bumps success/error counters,
// accumulates latency, and pushes a metrics sample. selfReportedActive is
// the endpoint's self-reported concurrent-request count, if known (0 if
// not). Safe to call at most once per guard; subsequent calls are no-ops.
func (g *Guard) FinishRequest(success bool, selfReportedActive int) {
	if g.finished {
		return
	}
	g.finished = true
	latencyMs := time.Since(g.started).Milliseconds()
	now := time.Now()

	g.m.statesMu.Lock()
	s := g.m.states[g.endpointID]
	if s != nil {
		s.FinishRequest(success, latencyMs, selfReportedActive, now)
		s.RecordMinuteBucket(now.Truncate(time.Minute), success, latencyMs)
	}
	g.m.statesMu.Unlock()
}

// LatencyMs returns the elapsed time since the guard was created.
func (g *Guard) LatencyMs() int64 {
	return time.Since(g.started).Milliseconds()
}

// RecordTokens adds to an endpoint's cumulative token totals.
func (m *Manager) RecordTokens(endpointID string, input, output int64) {
	m.statesMu.Lock()
	if s, ok := m.states[endpointID]; ok {
		s.RecordTokens(input, output)
	}
	m.statesMu.Unlock()
}

// UpdateTPS folds one successful completion's output tokens and duration
// into the per-(endpoint, model, api-kind) TPS EMA (spec §4.4 TPS update).
func (m *Manager) UpdateTPS(endpointID, modelID string, apiKind endpoint.APIKind, outputTokens, durationMs int64) {
	key := tpsKey{endpointID: endpointID, modelID: modelID, apiKind: apiKind}
	m.tpsMu.Lock()
	s, ok := m.tps[key]
	if !ok {
		s = &tps.State{}
		m.tps[key] = s
	}
	s.Update(outputTokens, durationMs)
	m.tpsMu.Unlock()
}

// TPSValue returns the current EMA for (endpointID, modelID, apiKind).
func (m *Manager) TPSValue(endpointID, modelID string, apiKind endpoint.APIKind) (float64, bool) {
	key := tpsKey{endpointID: endpointID, modelID: modelID, apiKind: apiKind}
	m.tpsMu.Lock()
	defer m.tpsMu.Unlock()
	s, ok := m.tps[key]
	if !ok {
		return 0, false
	}
	return s.Value()
}

// SeedTPS reseeds a (endpoint, model, api-kind) TPS state from a stored
// daily-stat total, computing ema = total_output_tokens / (total_duration_ms
// / 1000) (spec §4.4 restart reseed rule).
func (m *Manager) SeedTPS(endpointID, modelID string, apiKind endpoint.APIKind, totalOutputTokens, totalDurationMs int64) {
	if totalDurationMs == 0 {
		return
	}
	key := tpsKey{endpointID: endpointID, modelID: modelID, apiKind: apiKind}
	ema := float64(totalOutputTokens) / (float64(totalDurationMs) / 1000.0)
	m.tpsMu.Lock()
	m.tps[key] = &tps.State{EMA: &ema, TotalOutputTokens: totalOutputTokens, TotalDurationMs: totalDurationMs}
	m.tpsMu.Unlock()
}

// State returns a snapshot of an endpoint's LoadState, or nil if unknown.
func (m *Manager) State(endpointID string) *loadstate.State {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	s, ok := m.states[endpointID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Package benchmark implements the TPS benchmark runner (C5/§4.10): a
// background fan-out of synthetic completion requests against the
// endpoints registered for a model, measuring tokens-per-second and
// retaining the most recent 200 runs.
package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/llmlb/llmlb/internal/domain/benchmark"
	"github.com/llmlb/llmlb/internal/domain/endpoint"
	"github.com/llmlb/llmlb/internal/domain/tps"
	"github.com/llmlb/llmlb/internal/tokens"
)

// fixedPrompt is the synthetic prompt sent on every benchmark request, so
// runs are comparable across endpoints (spec §4.10: "using a fixed prompt").
const fixedPrompt = "Write a short paragraph describing the water cycle."

// Registry is the narrow read surface the runner needs to pick candidate
// endpoints for a model (spec §4.4 selection, restricted to round-robin for
// benchmark fan-out regardless of the configured load-balancer mode).
type Registry interface {
	FindByModel(modelID string) []endpoint.Endpoint
}

// CredentialLookup resolves a local endpoint's plaintext credential for
// outbound forwarding, mirroring dispatcher.CredentialLookup.
type CredentialLookup func(endpointID string) string

// idGen mints a new run id.
type idGen func() string

// Config holds the runner's tunables.
type Config struct {
	RequestTimeout time.Duration
}

// DefaultConfig returns spec's documented default.
func DefaultConfig() Config {
	return Config{RequestTimeout: 60 * time.Second}
}

type runEntry struct {
	mu  sync.Mutex
	run *benchmark.Run
}

// Runner owns the in-memory TPS_BENCH_RUNS container (spec line 375: "a
// single late-initialized shared container owned by the server's
// application-state object") and executes benchmark requests in the
// background.
type Runner struct {
	registry   Registry
	credential CredentialLookup
	httpClient *http.Client
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
	newID      idGen

	mu    sync.Mutex
	runs  map[string]*runEntry
	order []string // insertion order, oldest first, for retention pruning
}

// New constructs a Runner.
func New(registry Registry, credential CredentialLookup, log *slog.Logger, now func() time.Time, newID idGen, cfg Config) *Runner {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Runner{
		registry:   registry,
		credential: credential,
		httpClient: &http.Client{},
		cfg:        cfg,
		log:        log,
		now:        now,
		newID:      newID,
		runs:       make(map[string]*runEntry),
	}
}

// Start validates req, assigns a run id, registers a pending run, and
// spawns the background fan-out. It returns immediately with the run id
// (spec §4.10: "assigns a run id, and spawns a background task").
func (r *Runner) Start(ctx context.Context, req benchmark.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := r.newID()
	entry := &runEntry{run: &benchmark.Run{
		ID:          id,
		Request:     req,
		Status:      benchmark.StatusPending,
		RequestedAt: r.now(),
	}}

	r.mu.Lock()
	r.runs[id] = entry
	r.order = append(r.order, id)
	r.prune()
	r.mu.Unlock()

	go r.run(context.WithoutCancel(ctx), entry)

	return id, nil
}

// Get returns the current record for runID (spec §4.10's get_tps_benchmark).
func (r *Runner) Get(runID string) (benchmark.Run, bool) {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return benchmark.Run{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return *entry.run, true
}

// prune enforces the 200-run retention cap, preferring to evict
// completed/failed runs (ordered by completed_at, falling back to
// requested_at) before evicting running runs (ordered by requested_at)
// (spec §4.10, §5). Callers must hold r.mu.
func (r *Runner) prune() {
	if len(r.order) <= tps.BenchmarkRunCap {
		return
	}

	type candidate struct {
		id       string
		finished bool
		sortKey  time.Time
	}
	candidates := make([]candidate, 0, len(r.order))
	for _, id := range r.order {
		entry := r.runs[id]
		entry.mu.Lock()
		finished := entry.run.Status == benchmark.StatusCompleted || entry.run.Status == benchmark.StatusFailed
		sortKey := entry.run.RequestedAt
		if entry.run.CompletedAt != nil {
			sortKey = *entry.run.CompletedAt
		}
		entry.mu.Unlock()
		candidates = append(candidates, candidate{id: id, finished: finished, sortKey: sortKey})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].finished != candidates[j].finished {
			return candidates[i].finished // finished sorts first (pruned first)
		}
		return candidates[i].sortKey.Before(candidates[j].sortKey)
	})

	toEvict := len(r.order) - tps.BenchmarkRunCap
	evict := make(map[string]struct{}, toEvict)
	for i := 0; i < toEvict && i < len(candidates); i++ {
		evict[candidates[i].id] = struct{}{}
		delete(r.runs, candidates[i].id)
	}

	kept := r.order[:0]
	for _, id := range r.order {
		if _, gone := evict[id]; !gone {
			kept = append(kept, id)
		}
	}
	r.order = kept
}

// run executes the fan-out for entry.run and updates its status/aggregates
// in place. It never returns an error to its caller — failures are recorded
// on the run itself.
func (r *Runner) run(ctx context.Context, entry *runEntry) {
	entry.mu.Lock()
	req := entry.run.Request
	entry.run.Status = benchmark.StatusRunning
	entry.mu.Unlock()

	candidates := r.registry.FindByModel(req.Model)
	if len(candidates) == 0 {
		msg := fmt.Sprintf("no endpoint available for model %q", req.Model)
		r.log.Warn("tps benchmark: no candidates", "run_id", entry.run.ID, "model", req.Model)
		r.finish(entry, benchmark.StatusFailed, msg)
		return
	}

	sem := semaphore.NewWeighted(int64(req.Concurrency))
	var wg sync.WaitGroup
	var rrCounter uint64
	var rrMu sync.Mutex

	for i := 0; i < req.TotalRequests; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // ctx cancelled; stop issuing further requests
		}
		rrMu.Lock()
		ep := candidates[int(rrCounter)%len(candidates)]
		rrCounter++
		rrMu.Unlock()

		wg.Add(1)
		go func(ep endpoint.Endpoint) {
			defer sem.Release(1)
			defer wg.Done()
			r.runOne(ctx, entry, ep, req)
		}(ep)
	}
	wg.Wait()

	entry.mu.Lock()
	entry.run.Aggregate()
	entry.mu.Unlock()

	r.finish(entry, benchmark.StatusCompleted, "")
	r.log.Info("tps benchmark completed", "run_id", entry.run.ID, "model", req.Model)
}

// runOne issues one benchmark request against ep and records its sample or
// failure on entry.run.
func (r *Runner) runOne(ctx context.Context, entry *runEntry, ep endpoint.Endpoint, req benchmark.Request) {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{
		"model": req.Model,
		"messages": []map[string]string{
			{"role": "user", "content": fixedPrompt},
		},
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"stream":      false,
	})

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		r.recordFailure(entry)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.credential != nil {
		if cred := r.credential(ep.ID); cred != "" {
			httpReq.Header.Set("Authorization", "Bearer "+cred)
		}
	}

	start := time.Now()
	resp, err := r.httpClient.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		r.recordFailure(entry)
		return
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode >= 400 {
		r.recordFailure(entry)
		return
	}

	usage := tokens.ExtractUnaryUsage(respBody, fixedPrompt, "")
	durationSecs := float64(durationMs) / 1000.0
	if durationSecs < 0.001 {
		durationSecs = 0.001
	}
	sampleTps := float64(usage.OutputTokens) / durationSecs

	entry.mu.Lock()
	entry.run.SetEndpointName(ep.ID, ep.Name)
	entry.run.AddSample(tps.BenchmarkRun{
		EndpointID:    ep.ID,
		ModelID:       req.Model,
		OutputTokens:  usage.OutputTokens,
		DurationMs:    durationMs,
		Tps:           sampleTps,
		RanAtUnixNano: r.now().UnixNano(),
	})
	entry.mu.Unlock()
}

func (r *Runner) recordFailure(entry *runEntry) {
	entry.mu.Lock()
	entry.run.AddFailure()
	entry.mu.Unlock()
}

func (r *Runner) finish(entry *runEntry, status benchmark.Status, errMsg string) {
	now := r.now()
	entry.mu.Lock()
	entry.run.Status = status
	entry.run.CompletedAt = &now
	entry.run.ErrorMessage = errMsg
	entry.mu.Unlock()

	r.mu.Lock()
	r.prune()
	r.mu.Unlock()
}

// Package auditsvc implements the hash-chained audit log pipeline (C9): a
// non-blocking writer buffer, a periodic batching task that chains entries
// via SHA-256, a verification walk, and a retention archival sweep.
package auditsvc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/domain/audit"
)

// Store is the narrow persistence dependency the audit service needs.
type Store interface {
	InsertAuditEntries(ctx context.Context, entries []audit.Entry) error
	ListUngroupedAuditEntries(ctx context.Context, limit int) ([]audit.Entry, error)
	InsertAuditBatch(ctx context.Context, b audit.Batch) error
	GetLatestAuditBatch(ctx context.Context) (*audit.Batch, error)
	ListAuditBatches(ctx context.Context, sinceSeq int64, limit int) ([]audit.Batch, error)
	ArchiveAuditBatchesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricsSink receives a callback whenever chain verification finds a
// mismatch, for surfacing through the metrics endpoint.
type MetricsSink interface {
	RecordAuditVerificationFailure(batchID string, sequenceNum int64)
}

// Config holds the pipeline's tunable intervals (spec §4.7).
type Config struct {
	BufferCapacity   int
	FlushInterval    time.Duration
	BatchInterval    time.Duration
	VerifyInterval   time.Duration
	ArchivalInterval time.Duration
	RetentionDays    int
}

// DefaultConfig returns spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BufferCapacity:   audit.BufferCap,
		FlushInterval:    time.Second,
		BatchInterval:    300 * time.Second,
		VerifyInterval:   24 * time.Hour,
		ArchivalInterval: 24 * time.Hour,
		RetentionDays:    90,
	}
}

// Pipeline is the running audit writer/batcher/verifier/archiver.
type Pipeline struct {
	store  Store
	cfg    Config
	log    *slog.Logger
	sink   MetricsSink
	now    func() time.Time
	newID  func() string
	buffer chan audit.Entry

	flushMu sync.Mutex // serializes concurrent flush ticks, harmless if reentered
}

// New constructs a Pipeline. now/newID default to production behavior when
// nil; sink may be nil (verification failures are still logged).
func New(store Store, cfg Config, log *slog.Logger, sink MetricsSink, now func() time.Time, newID func() string) *Pipeline {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = audit.BufferCap
	}
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	return &Pipeline{
		store:  store,
		cfg:    cfg,
		log:    log,
		sink:   sink,
		now:    now,
		newID:  newID,
		buffer: make(chan audit.Entry, cfg.BufferCapacity),
	}
}

// Record enqueues an audit entry from the request hot path without blocking.
// If the buffer is full it drops the entry and logs a warning, which per
// spec §5 can only happen if the receiver has stopped (normally impossible).
func (p *Pipeline) Record(path, actor, action, target string, detail map[string]any) {
	if !audit.ShouldAudit(path) {
		return
	}
	e := audit.Entry{
		ID:        p.newID(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		CreatedAt: p.now(),
	}
	select {
	case p.buffer <- e:
	default:
		p.log.Warn("auditsvc: buffer full, dropping entry", "action", action, "target", target)
	}
}

// Run starts the flush, batch, verify, and archival background loops; it
// blocks until ctx is canceled, draining any buffered entries before
// returning (spec §5 shutdown backpressure rule).
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.flushLoop(ctx) }()
	go func() { defer wg.Done(); p.batchLoop(ctx) }()
	go func() { defer wg.Done(); p.archivalLoop(ctx) }()

	p.runVerification(ctx)
	verifyTicker := time.NewTicker(p.cfg.VerifyInterval)
	defer verifyTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drain(context.Background())
			wg.Wait()
			return
		case <-verifyTicker.C:
			p.runVerification(ctx)
		}
	}
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

// flush drains everything currently buffered and writes it as one
// transactional batch via InsertAuditEntries.
func (p *Pipeline) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	entries := p.drainAvailable()
	if len(entries) == 0 {
		return
	}
	if err := p.store.InsertAuditEntries(ctx, entries); err != nil {
		p.log.Error("auditsvc: flush entries", "count", len(entries), "error", err)
	}
}

// drain empties the buffer synchronously, used during shutdown.
func (p *Pipeline) drain(ctx context.Context) {
	entries := p.drainAvailable()
	if len(entries) == 0 {
		return
	}
	if err := p.store.InsertAuditEntries(ctx, entries); err != nil {
		p.log.Error("auditsvc: drain entries on shutdown", "count", len(entries), "error", err)
	}
}

func (p *Pipeline) drainAvailable() []audit.Entry {
	var entries []audit.Entry
	for {
		select {
		case e := <-p.buffer:
			entries = append(entries, e)
		default:
			return entries
		}
	}
}

func (p *Pipeline) batchLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.runBatch(ctx); err != nil {
				p.log.Error("auditsvc: batch", "error", err)
			}
		}
	}
}

// runBatch selects all ungrouped entries in the store's (created_at, id)
// order, without re-sorting them by id alone, computes the hash
// chained onto the latest batch's hash, and atomically inserts the batch
// row plus assigns batch_id on the included entries (spec §4.7).
func (p *Pipeline) runBatch(ctx context.Context) error {
	entries, err := p.store.ListUngroupedAuditEntries(ctx, 0)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	latest, err := p.store.GetLatestAuditBatch(ctx)
	if err != nil {
		return err
	}
	prevHash := audit.GenesisHash
	seq := int64(1)
	if latest != nil {
		prevHash = latest.BatchHash
		seq = latest.SequenceNum + 1
	}

	batch, err := audit.NewBatch(p.newID(), seq, prevHash, entries, p.now())
	if err != nil {
		return err
	}
	return p.store.InsertAuditBatch(ctx, batch)
}

func (p *Pipeline) archivalLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ArchivalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runArchival(ctx)
		}
	}
}

func (p *Pipeline) runArchival(ctx context.Context) {
	cutoff := p.now().AddDate(0, 0, -p.cfg.RetentionDays)
	moved, err := p.store.ArchiveAuditBatchesOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Error("auditsvc: archival sweep", "error", err)
		return
	}
	if moved > 0 {
		p.log.Info("auditsvc: archived batches", "count", moved, "cutoff", cutoff)
	}
}

// runVerification walks the full chain and reports the first mismatch, if
// any, through both logging and the metrics sink. It never panics.
func (p *Pipeline) runVerification(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("auditsvc: verification panic recovered", "panic", r)
		}
	}()

	batches, err := p.store.ListAuditBatches(ctx, 0, 0)
	if err != nil {
		p.log.Error("auditsvc: verification: list batches", "error", err)
		return
	}
	idx, err := audit.VerifyChain(batches)
	if err != nil {
		p.log.Error("auditsvc: verification: compute hash", "error", err)
		return
	}
	if idx < 0 {
		return
	}

	tampered := batches[idx]
	p.log.Error("auditsvc: hash chain verification failed", "batch_id", tampered.ID, "sequence_num", tampered.SequenceNum)
	if p.sink != nil {
		p.sink.RecordAuditVerificationFailure(tampered.ID, tampered.SequenceNum)
	}
}

// Package historysvc implements request history persistence, filtered
// pagination, bulk export, and daily statistics aggregation (C8).
package historysvc

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/llmlb/llmlb/internal/domain/history"
)

// AllowedPageSizes are the only accepted per_page values (spec §4.8); any
// other value falls back to DefaultPageSize.
var AllowedPageSizes = map[int]bool{10: true, 25: true, 50: true, 100: true}

// DefaultPageSize is used when an unsupported per_page value is requested.
const DefaultPageSize = 10

// ExportPageSize is the number of rows streamed per underlying page during
// bulk export (spec §4.8).
const ExportPageSize = 1000

// Store is the narrow persistence dependency the history service needs.
// UpsertDailyStat is called with a single-record delta (RequestCount=1,
// SuccessCount/ErrorCount one-hot, token/latency sums for that record); the
// store implementation is expected to apply it via an atomic
// increment-on-conflict upsert rather than a read-modify-write.
type Store interface {
	InsertHistoryRecord(ctx context.Context, r *history.Record) error
	ListHistory(ctx context.Context, f history.Filter) (history.Page, error)
	StreamHistoryForExport(ctx context.Context, f history.Filter, fn func(history.Record) error) error
	PurgeHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	UpsertDailyStat(ctx context.Context, d history.DailyStat) error
	ListDailyStats(ctx context.Context, endpointID string, since, until string) ([]history.DailyStat, error)
}

// Config holds the service's tunable retention/export parameters.
type Config struct {
	RetentionDays  int
	ExportPageSize int
}

// DefaultConfig returns spec's documented defaults.
func DefaultConfig() Config {
	return Config{RetentionDays: 7, ExportPageSize: ExportPageSize}
}

// Service implements C8.
type Service struct {
	store Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// New constructs a Service. now defaults to time.Now when nil.
func New(store Store, cfg Config, log *slog.Logger, now func() time.Time) *Service {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.ExportPageSize <= 0 {
		cfg.ExportPageSize = ExportPageSize
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, cfg: cfg, log: log, now: now}
}

// SaveRecord writes a single completed-request row and folds it into that
// day's (endpoint, model) aggregate in the same logical operation (spec
// §4.8's save_record plus the daily-stat UPSERT rule).
func (s *Service) SaveRecord(ctx context.Context, r history.Record) error {
	if err := s.store.InsertHistoryRecord(ctx, &r); err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}

	delta := history.DailyStat{
		Day:        r.CreatedAt.UTC().Format("2006-01-02"),
		EndpointID: r.EndpointID,
		Model:      r.Model,
	}
	delta.Merge(r)
	if err := s.store.UpsertDailyStat(ctx, delta); err != nil {
		return fmt.Errorf("upsert daily stat: %w", err)
	}
	return nil
}

// FilterAndPaginate normalizes the page size to one of {10, 25, 50, 100}
// (falling back to 10) and returns the matching page.
func (s *Service) FilterAndPaginate(ctx context.Context, f history.Filter) (history.Page, error) {
	if !AllowedPageSizes[f.PageSize] {
		f.PageSize = DefaultPageSize
	}
	if f.Page < 1 {
		f.Page = 1
	}
	return s.store.ListHistory(ctx, f)
}

// ListDailyStats returns the raw daily aggregates for an endpoint within an
// inclusive [since, until] day range (both "YYYY-MM-DD").
func (s *Service) ListDailyStats(ctx context.Context, endpointID, since, until string) ([]history.DailyStat, error) {
	return s.store.ListDailyStats(ctx, endpointID, since, until)
}

// ExportJSON streams matching records to w as a single JSON array, paging
// through the store ExportPageSize rows at a time so the full result set is
// never held in memory at once.
func (s *Service) ExportJSON(ctx context.Context, f history.Filter, w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	if _, err := bw.WriteString("["); err != nil {
		return err
	}
	first := true
	enc := json.NewEncoder(bw)
	err := s.streamPages(ctx, f, func(r history.Record) error {
		if !first {
			if _, err := bw.WriteString(","); err != nil {
				return err
			}
		}
		first = false
		return enc.Encode(r)
	})
	if err != nil {
		return err
	}
	_, err = bw.WriteString("]")
	return err
}

// ExportCSV streams matching records to w as CSV with history.CSVHeader as
// the first row.
func (s *Service) ExportCSV(ctx context.Context, f history.Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(history.CSVHeader); err != nil {
		return err
	}
	err := s.streamPages(ctx, f, func(r history.Record) error {
		return cw.Write(recordToCSVRow(r))
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func recordToCSVRow(r history.Record) []string {
	return []string{
		r.ID, r.EndpointID, r.EndpointName, r.Model, r.APIKind,
		strconv.FormatBool(r.Success), strconv.Itoa(r.StatusCode),
		strconv.FormatInt(r.InputTokens, 10), strconv.FormatInt(r.OutputTokens, 10),
		strconv.FormatInt(r.TotalTokens, 10), strconv.FormatInt(r.LatencyMs, 10),
		strconv.FormatBool(r.Streamed), r.ErrorMessage, r.RequestedBy,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// streamPages walks the full filtered result set in ExportPageSize pages via
// the store's streaming hook.
func (s *Service) streamPages(ctx context.Context, f history.Filter, fn func(history.Record) error) error {
	f.PageSize = s.cfg.ExportPageSize
	return s.store.StreamHistoryForExport(ctx, f, fn)
}

// RunRetentionSweep runs the hourly purge of records older than
// RetentionDays, and blocks until ctx is canceled.
func (s *Service) RunRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	s.purge(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Service) purge(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.store.PurgeHistoryOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("historysvc: retention sweep", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("historysvc: purged expired history records", "count", n, "cutoff", cutoff)
	}
}

// RunMidnightLog logs completion of the previous day's records once per UTC
// day; the daily-stat UPSERT already maintains final values, so this task
// performs no recomputation (spec §4.8).
func (s *Service) RunMidnightLog(ctx context.Context) {
	for {
		next := nextUTCMidnight(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.logPreviousDay(ctx, next.AddDate(0, 0, -1))
		}
	}
}

func (s *Service) logPreviousDay(ctx context.Context, day time.Time) {
	dayStr := day.Format("2006-01-02")
	stats, err := s.store.ListDailyStats(ctx, "", dayStr, dayStr)
	if err != nil {
		s.log.Error("historysvc: midnight log", "day", dayStr, "error", err)
		return
	}
	var total int64
	for _, st := range stats {
		total += st.RequestCount
	}
	s.log.Info("historysvc: previous day complete", "day", dayStr, "total_requests", total)
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

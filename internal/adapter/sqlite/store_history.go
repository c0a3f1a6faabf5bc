package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/llmlb/llmlb/internal/domain/history"
)

func (s *Store) InsertHistoryRecord(ctx context.Context, r *history.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history_records (
			id, endpoint_id, endpoint_name, model, api_kind, success, status_code,
			input_tokens, output_tokens, total_tokens, latency_ms, streamed,
			error_message, requested_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EndpointID, r.EndpointName, r.Model, r.APIKind, boolToInt(r.Success), r.StatusCode,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.LatencyMs, boolToInt(r.Streamed),
		r.ErrorMessage, r.RequestedBy, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

const historyColumns = `id, endpoint_id, endpoint_name, model, api_kind, success, status_code,
	input_tokens, output_tokens, total_tokens, latency_ms, streamed,
	error_message, requested_by, created_at`

func scanHistoryRecord(row scannable) (history.Record, error) {
	var r history.Record
	var success, streamed int64
	err := row.Scan(
		&r.ID, &r.EndpointID, &r.EndpointName, &r.Model, &r.APIKind, &success, &r.StatusCode,
		&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.LatencyMs, &streamed,
		&r.ErrorMessage, &r.RequestedBy, &r.CreatedAt,
	)
	if err != nil {
		return r, err
	}
	r.Success = success != 0
	r.Streamed = streamed != 0
	return r, nil
}

// buildHistoryFilter renders a Filter into a WHERE clause (without the
// "WHERE" keyword) and its positional arguments.
func buildHistoryFilter(f history.Filter) (string, []any) {
	var clauses []string
	var args []any

	if f.EndpointID != "" {
		clauses = append(clauses, "endpoint_id = ?")
		args = append(args, f.EndpointID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Success != nil {
		clauses = append(clauses, "success = ?")
		args = append(args, boolToInt(*f.Success))
	}
	if f.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, *f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) ListHistory(ctx context.Context, f history.Filter) (history.Page, error) {
	where, args := buildHistoryFilter(f)
	whereSQL := ""
	if where != "" {
		whereSQL = "WHERE " + where
	}

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM history_records %s`, whereSQL)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return history.Page{}, fmt.Errorf("count history: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT %s FROM history_records %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, historyColumns, whereSQL)
	queryArgs := append(append([]any{}, args...), pageSize, offset)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return history.Page{}, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []history.Record
	for rows.Next() {
		r, err := scanHistoryRecord(rows)
		if err != nil {
			return history.Page{}, fmt.Errorf("scan history record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return history.Page{}, err
	}

	return history.Page{Records: records, Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// StreamHistoryForExport pages through every record matching f in
// created_at order, invoking fn for each. Used by the JSON/CSV export
// streamers (historysvc.streamPages) so a large export never holds the
// whole result set in memory at once.
func (s *Store) StreamHistoryForExport(ctx context.Context, f history.Filter, fn func(history.Record) error) error {
	where, args := buildHistoryFilter(f)
	whereSQL := ""
	if where != "" {
		whereSQL = "WHERE " + where
	}

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	offset := 0

	for {
		query := fmt.Sprintf(`SELECT %s FROM history_records %s ORDER BY created_at ASC LIMIT ? OFFSET ?`, historyColumns, whereSQL)
		queryArgs := append(append([]any{}, args...), pageSize, offset)

		rows, err := s.db.QueryContext(ctx, query, queryArgs...)
		if err != nil {
			return fmt.Errorf("stream history: %w", err)
		}

		n := 0
		for rows.Next() {
			r, err := scanHistoryRecord(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan history record: %w", err)
			}
			if err := fn(r); err != nil {
				rows.Close()
				return err
			}
			n++
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return rowsErr
		}
		if n < pageSize {
			return nil
		}
		offset += pageSize
	}
}

func (s *Store) PurgeHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return res.RowsAffected()
}

// --- Daily stats ---

// UpsertDailyStat atomically merges one day's delta into the existing
// aggregate row, creating it if absent (spec §4.8).
func (s *Store) UpsertDailyStat(ctx context.Context, d history.DailyStat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (
			day, endpoint_id, model, request_count, success_count, error_count,
			input_tokens, output_tokens, total_tokens, sum_latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (day, endpoint_id, model) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			success_count = success_count + excluded.success_count,
			error_count = error_count + excluded.error_count,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			total_tokens = total_tokens + excluded.total_tokens,
			sum_latency_ms = sum_latency_ms + excluded.sum_latency_ms`,
		d.Day, d.EndpointID, d.Model, d.RequestCount, d.SuccessCount, d.ErrorCount,
		d.InputTokens, d.OutputTokens, d.TotalTokens, d.SumLatencyMs,
	)
	if err != nil {
		return fmt.Errorf("upsert daily stat: %w", err)
	}
	return nil
}

func (s *Store) ListDailyStats(ctx context.Context, endpointID string, since, until string) ([]history.DailyStat, error) {
	var clauses []string
	var args []any
	if endpointID != "" {
		clauses = append(clauses, "endpoint_id = ?")
		args = append(args, endpointID)
	}
	if since != "" {
		clauses = append(clauses, "day >= ?")
		args = append(args, since)
	}
	if until != "" {
		clauses = append(clauses, "day <= ?")
		args = append(args, until)
	}
	whereSQL := ""
	if len(clauses) > 0 {
		whereSQL = "WHERE " + strings.Join(clauses, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT day, endpoint_id, model, request_count, success_count, error_count,
		       input_tokens, output_tokens, total_tokens, sum_latency_ms
		FROM daily_stats %s ORDER BY day, endpoint_id, model`, whereSQL)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list daily stats: %w", err)
	}
	defer rows.Close()

	var out []history.DailyStat
	for rows.Next() {
		var d history.DailyStat
		if err := rows.Scan(&d.Day, &d.EndpointID, &d.Model, &d.RequestCount, &d.SuccessCount, &d.ErrorCount,
			&d.InputTokens, &d.OutputTokens, &d.TotalTokens, &d.SumLatencyMs); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

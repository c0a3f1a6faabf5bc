package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/llmlb/llmlb/internal/domain/audit"
)

func (s *Store) InsertAuditEntries(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert audit entries: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		detailJSON, err := marshalJSON(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_entries (id, batch_id, actor, action, target, detail, created_at)
			VALUES (?, NULL, ?, ?, ?, ?, ?)`,
			e.ID, e.Actor, e.Action, e.Target, detailJSON, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert audit entries: commit: %w", err)
	}
	return nil
}

func scanAuditEntry(row scannable) (audit.Entry, error) {
	var e audit.Entry
	var detailJSON string
	err := row.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &detailJSON, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	if err := unmarshalJSON(detailJSON, &e.Detail); err != nil {
		return e, fmt.Errorf("unmarshal detail: %w", err)
	}
	return e, nil
}

func (s *Store) ListUngroupedAuditEntries(ctx context.Context, limit int) ([]audit.Entry, error) {
	query := `SELECT id, actor, action, target, detail, created_at FROM audit_entries WHERE batch_id IS NULL ORDER BY created_at, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ungrouped audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertAuditBatch atomically inserts the batch row and tags every one of
// its already-persisted entries (inserted earlier via InsertAuditEntries)
// with the new batch_id, so a crash between the two steps never produces a
// batch whose entries don't match its stored hash.
func (s *Store) InsertAuditBatch(ctx context.Context, b audit.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert audit batch: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_batches (id, sequence_num, prev_batch_hash, batch_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.SequenceNum, b.PrevBatchHash, b.BatchHash, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit batch: %w", err)
	}

	for _, e := range b.Entries {
		res, err := tx.ExecContext(ctx, `UPDATE audit_entries SET batch_id = ? WHERE id = ?`, b.ID, e.ID)
		if err != nil {
			return fmt.Errorf("tag audit entry %s: %w", e.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("tag audit entry %s: %w", e.ID, err)
		} else if n == 0 {
			return fmt.Errorf("tag audit entry %s: entry not found", e.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert audit batch: commit: %w", err)
	}
	return nil
}

const auditBatchColumns = `id, sequence_num, prev_batch_hash, batch_hash, created_at`

func (s *Store) GetLatestAuditBatch(ctx context.Context) (*audit.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditBatchColumns+` FROM audit_batches ORDER BY sequence_num DESC LIMIT 1`)

	var b audit.Batch
	err := row.Scan(&b.ID, &b.SequenceNum, &b.PrevBatchHash, &b.BatchHash, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest audit batch: %w", err)
	}

	entries, err := s.entriesForBatch(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Entries = entries
	return &b, nil
}

func (s *Store) entriesForBatch(ctx context.Context, batchID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, target, detail, created_at
		FROM audit_entries WHERE batch_id = ? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list entries for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListAuditBatches(ctx context.Context, sinceSeq int64, limit int) ([]audit.Batch, error) {
	query := `SELECT ` + auditBatchColumns + ` FROM audit_batches WHERE sequence_num > ? ORDER BY sequence_num`
	args := []any{sinceSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit batches: %w", err)
	}

	var batches []audit.Batch
	for rows.Next() {
		var b audit.Batch
		if err := rows.Scan(&b.ID, &b.SequenceNum, &b.PrevBatchHash, &b.BatchHash, &b.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan audit batch: %w", err)
		}
		batches = append(batches, b)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return nil, rowsErr
	}

	for i := range batches {
		entries, err := s.entriesForBatch(ctx, batches[i].ID)
		if err != nil {
			return nil, err
		}
		batches[i].Entries = entries
	}
	return batches, nil
}

// ArchiveAuditBatchesOlderThan moves every batch (and its entries) whose
// created_at predates cutoff out of the primary database and into the
// archive database, then deletes them from the primary (spec §4.1/§4.7:
// "audit-log archive lives in a separate database file for retention
// sweeps"). The move runs as one archive-side transaction (copy) followed by
// one primary-side transaction (delete); if the archive-side write fails the
// primary rows are left in place so the next sweep retries them.
func (s *Store) ArchiveAuditBatchesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditBatchColumns+` FROM audit_batches WHERE created_at < ? ORDER BY sequence_num`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive audit batches: select: %w", err)
	}
	var batches []audit.Batch
	for rows.Next() {
		var b audit.Batch
		if err := rows.Scan(&b.ID, &b.SequenceNum, &b.PrevBatchHash, &b.BatchHash, &b.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan audit batch: %w", err)
		}
		batches = append(batches, b)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return 0, rowsErr
	}
	if len(batches) == 0 {
		return 0, nil
	}

	for i := range batches {
		entries, err := s.entriesForBatch(ctx, batches[i].ID)
		if err != nil {
			return 0, err
		}
		batches[i].Entries = entries
	}

	archiveTx, err := s.archive.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive audit batches: begin archive tx: %w", err)
	}
	defer func() { _ = archiveTx.Rollback() }()

	now := time.Now()
	for _, b := range batches {
		if _, err := archiveTx.ExecContext(ctx, `
			INSERT INTO audit_batches_archive (id, sequence_num, prev_batch_hash, batch_hash, created_at, archived_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, b.SequenceNum, b.PrevBatchHash, b.BatchHash, b.CreatedAt, now,
		); err != nil {
			return 0, fmt.Errorf("archive batch %s: %w", b.ID, err)
		}
		for _, e := range b.Entries {
			detailJSON, err := marshalJSON(e.Detail)
			if err != nil {
				return 0, fmt.Errorf("marshal detail: %w", err)
			}
			if _, err := archiveTx.ExecContext(ctx, `
				INSERT INTO audit_entries_archive (id, batch_id, actor, action, target, detail, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.ID, b.ID, e.Actor, e.Action, e.Target, detailJSON, e.CreatedAt,
			); err != nil {
				return 0, fmt.Errorf("archive entry %s: %w", e.ID, err)
			}
		}
	}
	if err := archiveTx.Commit(); err != nil {
		return 0, fmt.Errorf("archive audit batches: commit archive tx: %w", err)
	}

	primaryTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive audit batches: begin primary tx: %w", err)
	}
	defer func() { _ = primaryTx.Rollback() }()

	var moved int64
	for _, b := range batches {
		if _, err := primaryTx.ExecContext(ctx, `DELETE FROM audit_entries WHERE batch_id = ?`, b.ID); err != nil {
			return moved, fmt.Errorf("delete archived entries for batch %s: %w", b.ID, err)
		}
		res, err := primaryTx.ExecContext(ctx, `DELETE FROM audit_batches WHERE id = ?`, b.ID)
		if err != nil {
			return moved, fmt.Errorf("delete archived batch %s: %w", b.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			moved += n
		}
	}
	if err := primaryTx.Commit(); err != nil {
		return moved, fmt.Errorf("archive audit batches: commit primary tx: %w", err)
	}
	return moved, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/llmlb/llmlb/internal/domain/endpoint"
)

// Store implements database.Store against two SQLite databases: the
// primary file (endpoints, users, history, live audit data) and the
// archive file (audit batches past their retention window).
type Store struct {
	db      *sql.DB
	archive *sql.DB
}

// NewStore creates a new Store backed by the given primary and archive
// connections, both already migrated (see Open/OpenArchive).
func NewStore(db, archive *sql.DB) *Store {
	return &Store{db: db, archive: archive}
}

// Close closes both underlying database connections.
func (s *Store) Close() error {
	err1 := s.db.Close()
	err2 := s.archive.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// --- Endpoints ---

func capsToSlice(c endpoint.CapabilitySet) []string {
	out := make([]string, 0, len(c))
	for capability := range c {
		out = append(out, string(capability))
	}
	sort.Strings(out)
	return out
}

func capsFromSlice(ss []string) endpoint.CapabilitySet {
	set := make(endpoint.CapabilitySet, len(ss))
	for _, s := range ss {
		set[endpoint.Capability(s)] = struct{}{}
	}
	return set
}

func (s *Store) CreateEndpoint(ctx context.Context, e *endpoint.Endpoint) error {
	capsJSON, err := marshalJSON(capsToSlice(e.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO endpoints (
			id, name, base_url, credential_hash, type, health_check_interval,
			inference_timeout_secs, status, last_latency_ms, last_seen_at,
			last_error, consecutive_errors, registered_at, counters_total,
			counters_successful, counters_failed, capabilities,
			supports_responses_api, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.BaseURL, e.CredentialHash, string(e.Type), e.HealthCheckInterval,
		e.InferenceTimeoutSecs, string(e.Status), e.LastLatencyMs, nullTimePtr(e.LastSeenAt),
		e.LastError, e.ConsecutiveErrors, e.RegisteredAt, e.Counters.Total,
		e.Counters.Successful, e.Counters.Failed, capsJSON,
		boolToInt(e.SupportsResponsesAPI), e.Notes,
	)
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	return nil
}

const endpointColumns = `id, name, base_url, credential_hash, type, health_check_interval,
	inference_timeout_secs, status, last_latency_ms, last_seen_at, last_error,
	consecutive_errors, registered_at, counters_total, counters_successful,
	counters_failed, capabilities, supports_responses_api, notes`

func scanEndpoint(row scannable) (endpoint.Endpoint, error) {
	var e endpoint.Endpoint
	var typ, status string
	var lastSeenAt sql.NullTime
	var capsJSON string
	var supportsResponses int64

	err := row.Scan(
		&e.ID, &e.Name, &e.BaseURL, &e.CredentialHash, &typ, &e.HealthCheckInterval,
		&e.InferenceTimeoutSecs, &status, &e.LastLatencyMs, &lastSeenAt, &e.LastError,
		&e.ConsecutiveErrors, &e.RegisteredAt, &e.Counters.Total, &e.Counters.Successful,
		&e.Counters.Failed, &capsJSON, &supportsResponses, &e.Notes,
	)
	if err != nil {
		return e, err
	}
	e.Type = endpoint.Type(typ)
	e.Status = endpoint.Status(status)
	e.SupportsResponsesAPI = supportsResponses != 0
	if lastSeenAt.Valid {
		t := lastSeenAt.Time
		e.LastSeenAt = &t
	}
	var caps []string
	if err := unmarshalJSON(capsJSON, &caps); err != nil {
		return e, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	e.Capabilities = capsFromSlice(caps)
	return e, nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (*endpoint.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id)
	e, err := scanEndpoint(row)
	if err != nil {
		return nil, notFoundWrap(err, "get endpoint %s", id)
	}
	return &e, nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]endpoint.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []endpoint.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListEndpointsByStatus(ctx context.Context, status endpoint.Status) ([]endpoint.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE status = ? ORDER BY registered_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list endpoints by status: %w", err)
	}
	defer rows.Close()

	var out []endpoint.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateEndpoint(ctx context.Context, e *endpoint.Endpoint) error {
	capsJSON, err := marshalJSON(capsToSlice(e.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET
			name = ?, base_url = ?, credential_hash = ?, type = ?,
			health_check_interval = ?, inference_timeout_secs = ?, status = ?,
			last_latency_ms = ?, last_seen_at = ?, last_error = ?,
			consecutive_errors = ?, counters_total = ?, counters_successful = ?,
			counters_failed = ?, capabilities = ?, supports_responses_api = ?, notes = ?
		WHERE id = ?`,
		e.Name, e.BaseURL, e.CredentialHash, string(e.Type),
		e.HealthCheckInterval, e.InferenceTimeoutSecs, string(e.Status),
		e.LastLatencyMs, nullTimePtr(e.LastSeenAt), e.LastError,
		e.ConsecutiveErrors, e.Counters.Total, e.Counters.Successful,
		e.Counters.Failed, capsJSON, boolToInt(e.SupportsResponsesAPI), e.Notes,
		e.ID,
	)
	return execExpectOne(res, err, "update endpoint %s", e.ID)
}

func (s *Store) UpdateEndpointStatus(ctx context.Context, id string, status endpoint.Status, latencyMs *int64, lastErr string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET status = ?, last_latency_ms = ?, last_error = ?, last_seen_at = ?
		WHERE id = ?`,
		string(status), latencyMs, lastErr, now, id,
	)
	return execExpectOne(res, err, "update endpoint status %s", id)
}

func (s *Store) IncrementEndpointCounters(ctx context.Context, id string, success bool) error {
	var res sql.Result
	var err error
	if success {
		res, err = s.db.ExecContext(ctx, `
			UPDATE endpoints SET counters_total = counters_total + 1, counters_successful = counters_successful + 1
			WHERE id = ?`, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE endpoints SET counters_total = counters_total + 1, counters_failed = counters_failed + 1
			WHERE id = ?`, id)
	}
	return execExpectOne(res, err, "increment endpoint counters %s", id)
}

func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	return execExpectOne(res, err, "delete endpoint %s", id)
}

func (s *Store) CountEndpoints(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM endpoints`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count endpoints: %w", err)
	}
	return n, nil
}

// --- Endpoint models ---

// ReplaceEndpointModels atomically replaces the full model index for one
// endpoint and reports which model ids were added/removed relative to the
// previous index (spec §4.2 sync-models operation).
func (s *Store) ReplaceEndpointModels(ctx context.Context, endpointID string, models []endpoint.Model) (endpoint.SyncModelsResult, error) {
	var result endpoint.SyncModelsResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("replace endpoint models: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `SELECT model_id FROM endpoint_models WHERE endpoint_id = ?`, endpointID)
	if err != nil {
		return result, fmt.Errorf("replace endpoint models: list existing: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return result, fmt.Errorf("replace endpoint models: scan existing: %w", err)
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("replace endpoint models: %w", err)
	}

	incoming := make(map[string]bool, len(models))
	for _, m := range models {
		incoming[m.ModelID] = true
	}
	for id := range existing {
		if !incoming[id] {
			result.Removed = append(result.Removed, id)
		}
	}
	for id := range incoming {
		if !existing[id] {
			result.Added = append(result.Added, id)
		}
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)

	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoint_models WHERE endpoint_id = ?`, endpointID); err != nil {
		return result, fmt.Errorf("replace endpoint models: clear: %w", err)
	}

	for _, m := range models {
		capsJSON, err := marshalJSON(capsToSlice(m.Capabilities))
		if err != nil {
			return result, fmt.Errorf("replace endpoint models: marshal capabilities: %w", err)
		}
		kindsJSON, err := marshalJSON(m.APIKinds)
		if err != nil {
			return result, fmt.Errorf("replace endpoint models: marshal api kinds: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO endpoint_models (endpoint_id, model_id, capabilities, api_kinds, last_checked_at)
			VALUES (?, ?, ?, ?, ?)`,
			endpointID, m.ModelID, capsJSON, kindsJSON, m.LastCheckedAt,
		); err != nil {
			return result, fmt.Errorf("replace endpoint models: insert %s: %w", m.ModelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("replace endpoint models: commit: %w", err)
	}
	result.Total = len(models)
	return result, nil
}

func scanModel(row scannable) (endpoint.Model, error) {
	var m endpoint.Model
	var capsJSON, kindsJSON string
	if err := row.Scan(&m.EndpointID, &m.ModelID, &capsJSON, &kindsJSON, &m.LastCheckedAt); err != nil {
		return m, err
	}
	var caps []string
	if err := unmarshalJSON(capsJSON, &caps); err != nil {
		return m, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	m.Capabilities = capsFromSlice(caps)
	if err := unmarshalJSON(kindsJSON, &m.APIKinds); err != nil {
		return m, fmt.Errorf("unmarshal api kinds: %w", err)
	}
	return m, nil
}

func (s *Store) ListModelsByEndpoint(ctx context.Context, endpointID string) ([]endpoint.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, model_id, capabilities, api_kinds, last_checked_at
		FROM endpoint_models WHERE endpoint_id = ? ORDER BY model_id`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list models by endpoint: %w", err)
	}
	defer rows.Close()

	var out []endpoint.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) FindEndpointsByModel(ctx context.Context, modelID string) ([]endpoint.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, model_id, capabilities, api_kinds, last_checked_at
		FROM endpoint_models WHERE model_id = ?`, modelID)
	if err != nil {
		return nil, fmt.Errorf("find endpoints by model: %w", err)
	}
	defer rows.Close()

	var out []endpoint.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Endpoint health checks ---

func (s *Store) CreateHealthCheck(ctx context.Context, h *endpoint.HealthCheck) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoint_health_checks (id, endpoint_id, status, latency_ms, error, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.EndpointID, string(h.Status), h.LatencyMs, h.Error, h.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("create health check: %w", err)
	}
	return nil
}

func (s *Store) ListHealthChecks(ctx context.Context, endpointID string, limit int) ([]endpoint.HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_id, status, latency_ms, error, checked_at
		FROM endpoint_health_checks WHERE endpoint_id = ?
		ORDER BY checked_at DESC LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("list health checks: %w", err)
	}
	defer rows.Close()

	var out []endpoint.HealthCheck
	for rows.Next() {
		var h endpoint.HealthCheck
		var status string
		if err := rows.Scan(&h.ID, &h.EndpointID, &status, &h.LatencyMs, &h.Error, &h.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan health check: %w", err)
		}
		h.Status = endpoint.Status(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) PurgeHealthChecksOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoint_health_checks WHERE checked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge health checks: %w", err)
	}
	return res.RowsAffected()
}

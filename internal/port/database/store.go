// Package database defines the database store port (interface) backing the
// persistent, embedded data layer (C1).
package database

import (
	"context"
	"time"

	"github.com/llmlb/llmlb/internal/domain/audit"
	"github.com/llmlb/llmlb/internal/domain/endpoint"
	"github.com/llmlb/llmlb/internal/domain/history"
	"github.com/llmlb/llmlb/internal/domain/user"
)

// Store is the port interface for all persistent operations. It is
// implemented by internal/adapter/sqlite against an embedded, file-backed
// SQLite database (spec §4.1).
type Store interface {
	// Endpoints (C2)
	CreateEndpoint(ctx context.Context, e *endpoint.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*endpoint.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]endpoint.Endpoint, error)
	ListEndpointsByStatus(ctx context.Context, status endpoint.Status) ([]endpoint.Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *endpoint.Endpoint) error
	UpdateEndpointStatus(ctx context.Context, id string, status endpoint.Status, latencyMs *int64, lastErr string, now time.Time) error
	IncrementEndpointCounters(ctx context.Context, id string, success bool) error
	DeleteEndpoint(ctx context.Context, id string) error
	CountEndpoints(ctx context.Context) (int64, error)

	// Endpoint models (C2)
	ReplaceEndpointModels(ctx context.Context, endpointID string, models []endpoint.Model) (endpoint.SyncModelsResult, error)
	ListModelsByEndpoint(ctx context.Context, endpointID string) ([]endpoint.Model, error)
	FindEndpointsByModel(ctx context.Context, modelID string) ([]endpoint.Model, error)

	// Endpoint health checks (C3)
	CreateHealthCheck(ctx context.Context, h *endpoint.HealthCheck) error
	ListHealthChecks(ctx context.Context, endpointID string, limit int) ([]endpoint.HealthCheck, error)
	PurgeHealthChecksOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Users (C10)
	CreateUser(ctx context.Context, u *user.User) error
	GetUser(ctx context.Context, id string) (*user.User, error)
	GetUserByUsername(ctx context.Context, username string) (*user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	UpdateUser(ctx context.Context, u *user.User) error
	UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error
	DeleteUser(ctx context.Context, id string) error
	CountUsers(ctx context.Context) (int64, error)

	// API keys (C10)
	CreateAPIKey(ctx context.Context, key *user.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*user.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]user.APIKey, error)
	ListAPIKeysByCreator(ctx context.Context, createdBy string) ([]user.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error

	// Request history (C8)
	InsertHistoryRecord(ctx context.Context, r *history.Record) error
	ListHistory(ctx context.Context, f history.Filter) (history.Page, error)
	StreamHistoryForExport(ctx context.Context, f history.Filter, fn func(history.Record) error) error
	PurgeHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Daily stats (C8)
	UpsertDailyStat(ctx context.Context, d history.DailyStat) error
	ListDailyStats(ctx context.Context, endpointID string, since, until string) ([]history.DailyStat, error)

	// Audit log (C9)
	InsertAuditEntries(ctx context.Context, entries []audit.Entry) error
	ListUngroupedAuditEntries(ctx context.Context, limit int) ([]audit.Entry, error)
	InsertAuditBatch(ctx context.Context, b audit.Batch) error
	GetLatestAuditBatch(ctx context.Context) (*audit.Batch, error)
	ListAuditBatches(ctx context.Context, sinceSeq int64, limit int) ([]audit.Batch, error)
	ArchiveAuditBatchesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Close() error
}

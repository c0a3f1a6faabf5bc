package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/llmlb/llmlb/internal/adapter/sqlite"
	"github.com/llmlb/llmlb/internal/config"
	"github.com/llmlb/llmlb/internal/domain"
	"github.com/llmlb/llmlb/internal/domain/audit"
	"github.com/llmlb/llmlb/internal/domain/endpoint"
	"github.com/llmlb/llmlb/internal/domain/history"
	"github.com/llmlb/llmlb/internal/domain/user"
)

// setupStore opens a fresh primary and archive database under a temp
// directory, migrates both, and returns a ready-to-use Store. Unlike a
// client-server database, no external service or env var is required.
func setupStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Database{
		Path:        filepath.Join(dir, "llmlb.db"),
		ArchivePath: filepath.Join(dir, "llmlb-archive.db"),
	}

	ctx := context.Background()
	db, err := sqlite.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open primary: %v", err)
	}
	archive, err := sqlite.OpenArchive(ctx, cfg)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}

	store := sqlite.NewStore(db, archive)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEndpoint(id string) *endpoint.Endpoint {
	return &endpoint.Endpoint{
		ID:                   id,
		Name:                 "local-1",
		BaseURL:              "http://127.0.0.1:8081",
		Type:                 endpoint.TypeNativeCompatible,
		HealthCheckInterval:  30,
		InferenceTimeoutSecs: 120,
		Status:               endpoint.StatusPending,
		RegisteredAt:         time.Now().UTC(),
		Capabilities:         endpoint.NewCapabilitySet(endpoint.CapabilityChatCompletion),
	}
}

func TestEndpointCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e := testEndpoint("ep-1")
	if err := store.CreateEndpoint(ctx, e); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	got, err := store.GetEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if got.Name != "local-1" || !got.Capabilities.Has(endpoint.CapabilityChatCompletion) {
		t.Fatalf("unexpected endpoint: %+v", got)
	}

	latency := int64(42)
	got.LastLatencyMs = &latency
	got.Status = endpoint.StatusOnline
	if err := store.UpdateEndpoint(ctx, got); err != nil {
		t.Fatalf("update endpoint: %v", err)
	}

	updated, err := store.GetEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("get endpoint after update: %v", err)
	}
	if updated.Status != endpoint.StatusOnline || updated.LastLatencyMs == nil || *updated.LastLatencyMs != 42 {
		t.Fatalf("update did not persist: %+v", updated)
	}

	if err := store.IncrementEndpointCounters(ctx, "ep-1", true); err != nil {
		t.Fatalf("increment counters: %v", err)
	}
	afterCounters, err := store.GetEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("get endpoint after counters: %v", err)
	}
	if afterCounters.Counters.Total != 1 || afterCounters.Counters.Successful != 1 {
		t.Fatalf("unexpected counters: %+v", afterCounters.Counters)
	}

	n, err := store.CountEndpoints(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count endpoints = %d, %v", n, err)
	}

	if err := store.DeleteEndpoint(ctx, "ep-1"); err != nil {
		t.Fatalf("delete endpoint: %v", err)
	}
	if _, err := store.GetEndpoint(ctx, "ep-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestReplaceEndpointModels_CascadesOnDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e := testEndpoint("ep-2")
	if err := store.CreateEndpoint(ctx, e); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	models := []endpoint.Model{
		{EndpointID: "ep-2", ModelID: "llama3", APIKinds: []endpoint.APIKind{endpoint.APIKindChatCompletions}, LastCheckedAt: time.Now().UTC()},
	}
	result, err := store.ReplaceEndpointModels(ctx, "ep-2", models)
	if err != nil {
		t.Fatalf("replace endpoint models: %v", err)
	}
	if len(result.Added) != 1 || result.Added[0] != "llama3" {
		t.Fatalf("expected llama3 added, got %+v", result)
	}

	found, err := store.FindEndpointsByModel(ctx, "llama3")
	if err != nil || len(found) != 1 {
		t.Fatalf("find endpoints by model: %+v, %v", found, err)
	}

	result2, err := store.ReplaceEndpointModels(ctx, "ep-2", nil)
	if err != nil {
		t.Fatalf("replace with empty set: %v", err)
	}
	if len(result2.Removed) != 1 || result2.Removed[0] != "llama3" {
		t.Fatalf("expected llama3 removed, got %+v", result2)
	}

	if _, err := store.ReplaceEndpointModels(ctx, "ep-2", models); err != nil {
		t.Fatalf("re-add model: %v", err)
	}
	if err := store.DeleteEndpoint(ctx, "ep-2"); err != nil {
		t.Fatalf("delete endpoint: %v", err)
	}
	remaining, err := store.ListModelsByEndpoint(ctx, "ep-2")
	if err != nil {
		t.Fatalf("list models by endpoint after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected endpoint_models to cascade-delete, got %+v", remaining)
	}
}

func TestHealthCheckLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e := testEndpoint("ep-3")
	if err := store.CreateEndpoint(ctx, e); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	latency := int64(10)
	h := &endpoint.HealthCheck{ID: "hc-1", EndpointID: "ep-3", Status: endpoint.StatusOnline, LatencyMs: &latency, CheckedAt: time.Now().UTC().Add(-time.Hour)}
	if err := store.CreateHealthCheck(ctx, h); err != nil {
		t.Fatalf("create health check: %v", err)
	}

	list, err := store.ListHealthChecks(ctx, "ep-3", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list health checks: %+v, %v", list, err)
	}

	purged, err := store.PurgeHealthChecksOlderThan(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil || purged != 1 {
		t.Fatalf("purge health checks: %d, %v", purged, err)
	}
}

func TestUserAndAPIKeyCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	u := &user.User{ID: "u-1", Username: "admin", PasswordHash: "hash", Role: user.RoleAdmin, CreatedAt: time.Now().UTC()}
	if err := store.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := store.GetUserByUsername(ctx, "admin"); err != nil {
		t.Fatalf("get user by username: %v", err)
	}

	now := time.Now().UTC()
	if err := store.UpdateUserLastLogin(ctx, "u-1", now); err != nil {
		t.Fatalf("update last login: %v", err)
	}
	got, err := store.GetUser(ctx, "u-1")
	if err != nil || got.LastLoginAt == nil {
		t.Fatalf("expected last login set: %+v, %v", got, err)
	}

	key := &user.APIKey{ID: "k-1", CreatedBy: "u-1", Name: "ci", Prefix: "abcdefghij", KeyHash: "deadbeef", Scopes: []user.Scope{user.ScopeAPI}, CreatedAt: time.Now().UTC()}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("create api key: %v", err)
	}
	byHash, err := store.GetAPIKeyByHash(ctx, "deadbeef")
	if err != nil || !byHash.HasScope(user.ScopeAPI) {
		t.Fatalf("get api key by hash: %+v, %v", byHash, err)
	}

	byCreator, err := store.ListAPIKeysByCreator(ctx, "u-1")
	if err != nil || len(byCreator) != 1 {
		t.Fatalf("list api keys by creator: %+v, %v", byCreator, err)
	}

	if err := store.DeleteAPIKey(ctx, "k-1"); err != nil {
		t.Fatalf("delete api key: %v", err)
	}
	if err := store.DeleteUser(ctx, "u-1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
}

func TestHistoryAndDailyStats(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	r := &history.Record{ID: "r-1", EndpointID: "ep-1", EndpointName: "local-1", Model: "llama3", APIKind: "chat-completions",
		Success: true, StatusCode: 200, InputTokens: 10, OutputTokens: 20, TotalTokens: 30, LatencyMs: 50, CreatedAt: time.Now().UTC()}
	if err := store.InsertHistoryRecord(ctx, r); err != nil {
		t.Fatalf("insert history record: %v", err)
	}

	page, err := store.ListHistory(ctx, history.Filter{EndpointID: "ep-1", Page: 1, PageSize: 10})
	if err != nil || page.TotalCount != 1 || len(page.Records) != 1 {
		t.Fatalf("list history: %+v, %v", page, err)
	}

	var streamed []history.Record
	err = store.StreamHistoryForExport(ctx, history.Filter{PageSize: 1}, func(rec history.Record) error {
		streamed = append(streamed, rec)
		return nil
	})
	if err != nil || len(streamed) != 1 {
		t.Fatalf("stream history for export: %+v, %v", streamed, err)
	}

	day := history.DailyStat{Day: "2026-07-31", EndpointID: "ep-1", Model: "llama3"}
	day.Merge(*r)
	if err := store.UpsertDailyStat(ctx, day); err != nil {
		t.Fatalf("upsert daily stat: %v", err)
	}
	if err := store.UpsertDailyStat(ctx, day); err != nil {
		t.Fatalf("upsert daily stat (merge): %v", err)
	}

	stats, err := store.ListDailyStats(ctx, "ep-1", "2026-07-01", "2026-08-01")
	if err != nil || len(stats) != 1 || stats[0].RequestCount != 2 {
		t.Fatalf("list daily stats: %+v, %v", stats, err)
	}

	purged, err := store.PurgeHistoryOlderThan(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("purge history: %d, %v", purged, err)
	}
}

func TestAuditChainAndArchival(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	entries := []audit.Entry{
		{ID: "e-1", Actor: "system", Action: "endpoint.register", Target: "ep-1", CreatedAt: time.Now().UTC().Add(-2 * time.Hour)},
		{ID: "e-2", Actor: "system", Action: "endpoint.sync_models", Target: "ep-1", CreatedAt: time.Now().UTC().Add(-2 * time.Hour)},
	}
	if err := store.InsertAuditEntries(ctx, entries); err != nil {
		t.Fatalf("insert audit entries: %v", err)
	}

	ungrouped, err := store.ListUngroupedAuditEntries(ctx, 0)
	if err != nil || len(ungrouped) != 2 {
		t.Fatalf("list ungrouped entries: %+v, %v", ungrouped, err)
	}

	latest, err := store.GetLatestAuditBatch(ctx)
	if err != nil || latest != nil {
		t.Fatalf("expected no batches yet: %+v, %v", latest, err)
	}

	batch, err := audit.NewBatch("b-1", 1, audit.GenesisHash, ungrouped, time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("build batch: %v", err)
	}
	if err := store.InsertAuditBatch(ctx, batch); err != nil {
		t.Fatalf("insert audit batch: %v", err)
	}

	stillUngrouped, err := store.ListUngroupedAuditEntries(ctx, 0)
	if err != nil || len(stillUngrouped) != 0 {
		t.Fatalf("expected entries tagged with batch, got %+v, %v", stillUngrouped, err)
	}

	latest2, err := store.GetLatestAuditBatch(ctx)
	if err != nil || latest2 == nil || latest2.SequenceNum != 1 || len(latest2.Entries) != 2 {
		t.Fatalf("get latest audit batch: %+v, %v", latest2, err)
	}

	moved, err := store.ArchiveAuditBatchesOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil || moved != 1 {
		t.Fatalf("archive audit batches: %d, %v", moved, err)
	}

	batches, err := store.ListAuditBatches(ctx, 0, 0)
	if err != nil || len(batches) != 0 {
		t.Fatalf("expected archived batch gone from primary: %+v, %v", batches, err)
	}
}

//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/server/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relaytun/tunnel/internal/server/storage"
)

// migrationsDir returns the absolute path to db/migrations relative to this
// test file, so the tests work regardless of the working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// thisFile is internal/server/storage/postgres_test.go
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "db", "migrations")
}

// setupDB starts a PostgreSQL container, applies all migration files, and
// returns a Store and a raw pgxpool for schema-level assertions.
func setupDB(t *testing.T) (*storage.Store, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("tunnel_test"),
		tcpostgres.WithUsername("tunnel"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigrations(t, ctx, rawPool, migrationsDir(t))

	store, err := storage.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("storage.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, rawPool, cleanup
}

// applyMigrations executes migration SQL files 001–003 in order.
func applyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files := []string{
		"001_tunnels.sql",
		"002_request_log.sql",
		"003_audit_entries.sql",
	}
	for _, f := range files {
		path := filepath.Join(dir, f)
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}
}

// ── Tunnel connect/disconnect ───────────────────────────────────────────────

func TestRecordConnectAndListTunnels(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.RecordConnect(ctx, "api.example.com", "/", true); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}

	tunnels, err := store.ListTunnels(ctx, 10)
	if err != nil {
		t.Fatalf("ListTunnels: %v", err)
	}
	if len(tunnels) != 1 {
		t.Fatalf("want 1 tunnel, got %d", len(tunnels))
	}
	if tunnels[0].Host != "api.example.com" {
		t.Errorf("host: want api.example.com, got %q", tunnels[0].Host)
	}
	if tunnels[0].DisconnectedAt != nil {
		t.Error("newly connected tunnel should have nil DisconnectedAt")
	}
}

func TestRecordDisconnect_ClosesMostRecentOpenRow(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.RecordConnect(ctx, "api.example.com", "/", false); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	if err := store.RecordDisconnect(ctx, "api.example.com", "/"); err != nil {
		t.Fatalf("RecordDisconnect: %v", err)
	}

	tunnels, err := store.ListTunnels(ctx, 10)
	if err != nil {
		t.Fatalf("ListTunnels: %v", err)
	}
	if len(tunnels) != 1 {
		t.Fatalf("want 1 tunnel, got %d", len(tunnels))
	}
	if tunnels[0].DisconnectedAt == nil {
		t.Error("want DisconnectedAt set after RecordDisconnect")
	}
}

// ── Request log batch insert & query ────────────────────────────────────────

func testRequestLog(host, path string) storage.RequestLogEntry {
	return storage.RequestLogEntry{
		ID:         uuid.NewString(),
		Host:       host,
		Path:       path,
		Method:     "GET",
		Status:     200,
		Flavor:     "http1",
		DurationMS: 12,
		BytesIn:    128,
		BytesOut:   4096,
		FinishedAt: time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestBatchInsertRequestLog_FlushOnSize(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	// batchSize is 10 in setupDB; insert 10 rows to trigger a size-based flush.
	for i := 0; i < 10; i++ {
		e := testRequestLog("api.example.com", fmt.Sprintf("/v1/widgets/%d", i))
		if err := store.BatchInsertRequestLog(ctx, e); err != nil {
			t.Fatalf("BatchInsertRequestLog[%d]: %v", i, err)
		}
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries, err := store.QueryRequests(ctx, storage.RequestLogQuery{
		Host:  "api.example.com",
		From:  from,
		To:    to,
		Limit: 100,
	})
	if err != nil {
		t.Fatalf("QueryRequests: %v", err)
	}
	if len(entries) != 10 {
		t.Errorf("want 10 entries, got %d", len(entries))
	}
}

func TestBatchInsertRequestLog_FlushOnInterval(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	e := testRequestLog("app.example.com", "/webhooks")
	if err := store.BatchInsertRequestLog(ctx, e); err != nil {
		t.Fatalf("BatchInsertRequestLog: %v", err)
	}

	// Wait for the 50 ms flush interval to fire (give 200 ms headroom).
	time.Sleep(200 * time.Millisecond)

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries, err := store.QueryRequests(ctx, storage.RequestLogQuery{
		Host:  "app.example.com",
		From:  from,
		To:    to,
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("QueryRequests: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("want 1 entry, got %d", len(entries))
	}
}

func TestQueryRequests_PaginatesWithOffset(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := testRequestLog("paginated.example.com", fmt.Sprintf("/p/%d", i))
		if err := store.BatchInsertRequestLog(ctx, e); err != nil {
			t.Fatalf("BatchInsertRequestLog: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	page1, err := store.QueryRequests(ctx, storage.RequestLogQuery{
		Host: "paginated.example.com", From: from, To: to, Limit: 2, Offset: 0,
	})
	if err != nil {
		t.Fatalf("QueryRequests page1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("want 2 entries on page1, got %d", len(page1))
	}

	page2, err := store.QueryRequests(ctx, storage.RequestLogQuery{
		Host: "paginated.example.com", From: from, To: to, Limit: 2, Offset: 2,
	})
	if err != nil {
		t.Fatalf("QueryRequests page2: %v", err)
	}
	if len(page2) != 1 {
		t.Fatalf("want 1 entry on page2, got %d", len(page2))
	}
}

// ── Audit entries ────────────────────────────────────────────────────────────

func TestInsertAuditEntryAndQuery(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	e1 := storage.AuditEntry{
		ID:          uuid.NewString(),
		SequenceNum: 1,
		PrevHash:    "0000000000000000000000000000000000000000000000000000000000000000",
		EventHash:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Payload:     []byte(`{"event":"agent_connect","host":"api.example.com"}`),
		CreatedAt:   now,
	}
	e2 := storage.AuditEntry{
		ID:          uuid.NewString(),
		SequenceNum: 2,
		PrevHash:    e1.EventHash,
		EventHash:   "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Payload:     []byte(`{"event":"request_completed","path":"/v1/widgets"}`),
		CreatedAt:   now.Add(time.Second),
	}
	for _, e := range []storage.AuditEntry{e1, e2} {
		if err := store.InsertAuditEntry(ctx, e); err != nil {
			t.Fatalf("InsertAuditEntry: %v", err)
		}
	}

	from := now.Add(-time.Minute)
	to := now.Add(time.Minute)
	entries, err := store.QueryAuditEntries(ctx, storage.AuditQuery{From: from, To: to, Limit: 100})
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 audit entries, got %d", len(entries))
	}

	if entries[0].SequenceNum != 1 || entries[1].SequenceNum != 2 {
		t.Errorf("sequence order wrong: got %d, %d", entries[0].SequenceNum, entries[1].SequenceNum)
	}
	if entries[1].PrevHash != entries[0].EventHash {
		t.Errorf("hash chain broken: entry[1].PrevHash=%q, entry[0].EventHash=%q",
			entries[1].PrevHash, entries[0].EventHash)
	}
}

// Package queue provides a WAL-mode SQLite-backed local request journal for
// the tunnel agent (SPEC_FULL.md §10 "Agent local request journal"). It
// keeps a rolling record of the most recent requests forwarded to the local
// origin, for on-box debugging when the agent has no network access to the
// edge's own admin API.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that a reader
// (Recent, or an external sqlite client inspecting the file on the box) and
// the single writer (the dispatcher recording completed requests) can
// proceed without blocking each other.
//
// # Retention
//
// Unlike a delivery queue, nothing here needs acknowledgement: every insert
// is immediately "delivered" to local disk. RecordRequest trims the table
// back to maxEntries whenever an insert takes it past that size, so the
// journal never grows unbounded on a long-lived agent process.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/relaytun/tunnel/internal/agentside"
)

// maxEntries bounds how many journal rows are retained. Older rows are
// trimmed on every Record call.
const maxEntries = 1000

// Journal is a WAL-mode SQLite-backed implementation of agentside.Recorder.
// It is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	count atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serializes every Record call through it rather than risking
	// "database is locked" errors under concurrent dispatcher goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	j := &Journal{db: db}
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM request_journal`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count rows: %w", err)
	}
	j.count.Store(count)
	return j, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS request_journal (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    path_prefix TEXT    NOT NULL,
    method      TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    status      INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    bytes_in    INTEGER NOT NULL,
    bytes_out   INTEGER NOT NULL,
    error       TEXT    NOT NULL DEFAULT '',
    recorded_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_request_journal_recorded_at
    ON request_journal (recorded_at);
`

// RecordRequest implements agentside.Recorder. It discards a write failure
// rather than returning or logging it, since a dispatcher goroutine has no one to
// propagate a journal-write failure to that isn't already about to move on
// to the next request.
func (j *Journal) RecordRequest(rr agentside.RequestRecord) {
	if err := j.insert(context.Background(), rr); err != nil {
		// The journal is a debugging aid, not the request path itself; a
		// write failure here must never affect request handling.
		_ = err
	}
}

func (j *Journal) insert(ctx context.Context, rr agentside.RequestRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO request_journal (path_prefix, method, path, status, duration_ms, bytes_in, bytes_out, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rr.PathPrefix, rr.Method, rr.Path, rr.Status,
		rr.Duration.Milliseconds(), rr.BytesIn, rr.BytesOut, rr.Err,
	)
	if err != nil {
		return fmt.Errorf("queue: insert: %w", err)
	}
	j.count.Add(1)

	if j.count.Load() > maxEntries {
		if _, err := j.db.ExecContext(ctx,
			`DELETE FROM request_journal WHERE id IN (
			     SELECT id FROM request_journal ORDER BY id LIMIT ?
			 )`, j.count.Load()-maxEntries); err != nil {
			return fmt.Errorf("queue: trim: %w", err)
		}
		j.count.Store(maxEntries)
	}
	return nil
}

// Entry is one recorded request, as returned by Recent.
type Entry struct {
	ID         int64
	PathPrefix string
	Method     string
	Path       string
	Status     int
	Duration   time.Duration
	BytesIn    int64
	BytesOut   int64
	Err        string
	RecordedAt time.Time
}

// Recent returns up to n journal entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, path_prefix, method, path, status, duration_ms, bytes_in, bytes_out, error, recorded_at
		 FROM   request_journal
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: recent query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationMS int64
		var recordedAt string
		if err := rows.Scan(&e.ID, &e.PathPrefix, &e.Method, &e.Path, &e.Status, &durationMS, &e.BytesIn, &e.BytesOut, &e.Err, &recordedAt); err != nil {
			return nil, fmt.Errorf("queue: recent scan: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.RecordedAt, _ = time.Parse("2006-01-02T15:04:05.999999999Z", recordedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: recent rows: %w", err)
	}
	return entries, nil
}

// Depth returns the number of rows currently retained.
func (j *Journal) Depth() int {
	return int(j.count.Load())
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

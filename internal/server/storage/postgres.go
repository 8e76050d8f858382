package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of request-log rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending request-log rows even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the edge binary.
//
// Request-log ingestion is batched, following the same shape as the
// teacher's own alert ingestion: callers enqueue individual
// RequestLogEntry values via BatchInsertRequestLog, which accumulates them
// in memory and flushes to the database either when the buffer reaches
// batchSize or when the background ticker fires, whichever comes first.
// Tunnel connect/disconnect events and audit entries are low-volume and are
// written immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []RequestLogEntry
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]RequestLogEntry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered rows, and closes the connection pool. Safe to call more than
// once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertRequestLog enqueues entry for deferred batch insertion. If the
// internal buffer reaches batchSize after appending, Flush is called
// synchronously so the caller observes back-pressure rather than unbounded
// memory growth.
func (s *Store) BatchInsertRequestLog(ctx context.Context, entry RequestLogEntry) error {
	s.mu.Lock()
	s.batch = append(s.batch, entry)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current request-log buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]RequestLogEntry, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO request_log
			(id, host, path, method, status, flavor, duration_ms, bytes_in, bytes_out, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		b.Queue(query, e.ID, e.Host, e.Path, e.Method, e.Status, e.Flavor, e.DurationMS, e.BytesIn, e.BytesOut, e.FinishedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec request_log: %w", err)
		}
	}
	return nil
}

// QueryRequests returns paginated request-log rows within [q.From, q.To) on
// finished_at. q.Limit defaults to 100; q.Offset enables cursor-style
// pagination. Results are ordered by finished_at DESC.
func (s *Store) QueryRequests(ctx context.Context, q RequestLogQuery) ([]RequestLogEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE finished_at >= $1 AND finished_at < $2"
	if q.Host != "" {
		where += " AND host = $5"
		args = append(args, q.Host)
	}

	sql := fmt.Sprintf(`
		SELECT id, host, path, method, status, flavor, duration_ms, bytes_in, bytes_out, finished_at
		FROM   request_log
		%s
		ORDER  BY finished_at DESC
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query request_log: %w", err)
	}
	defer rows.Close()

	var entries []RequestLogEntry
	for rows.Next() {
		var e RequestLogEntry
		if err := rows.Scan(&e.ID, &e.Host, &e.Path, &e.Method, &e.Status, &e.Flavor, &e.DurationMS, &e.BytesIn, &e.BytesOut, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan request_log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Tunnel connect/disconnect history ---

// RecordConnect inserts a new open tunnel row. It returns any error;
// EdgeAdapter, which implements edge.TunnelRecorder on top of it, logs that
// error instead of propagating it, since a history-write failure must never
// affect live routing.
func (s *Store) RecordConnect(ctx context.Context, host, pathPrefix string, supportsHTTP2 bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tunnels (id, host, path_prefix, supports_http2, connected_at)
		VALUES ($1, $2, $3, $4, now())`,
		uuid.NewString(), host, pathPrefix, supportsHTTP2,
	)
	if err != nil {
		return fmt.Errorf("record tunnel connect: %w", err)
	}
	return nil
}

// RecordDisconnect closes the most recent open tunnel row for (host,
// pathPrefix) by setting disconnected_at.
func (s *Store) RecordDisconnect(ctx context.Context, host, pathPrefix string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tunnels
		SET    disconnected_at = now()
		WHERE  id = (
		    SELECT id FROM tunnels
		    WHERE  host = $1 AND path_prefix = $2 AND disconnected_at IS NULL
		    ORDER  BY connected_at DESC
		    LIMIT  1
		)`,
		host, pathPrefix,
	)
	if err != nil {
		return fmt.Errorf("record tunnel disconnect: %w", err)
	}
	return nil
}

// ListTunnels returns the tunnel connection history, most recent first.
func (s *Store) ListTunnels(ctx context.Context, limit int) ([]TunnelRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, host, path_prefix, supports_http2, connected_at, disconnected_at
		FROM   tunnels
		ORDER  BY connected_at DESC
		LIMIT  $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}
	defer rows.Close()

	var out []TunnelRecord
	for rows.Next() {
		var t TunnelRecord
		if err := rows.Scan(&t.ID, &t.Host, &t.PathPrefix, &t.SupportsHTTP2, &t.ConnectedAt, &t.DisconnectedAt); err != nil {
			return nil, fmt.Errorf("scan tunnel row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry,
// mirroring the hash chain internal/audit already maintains on disk.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SequenceNum, e.EventHash, e.PrevHash, []byte(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries with created_at in [q.From, q.To),
// ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  created_at >= $1 AND created_at < $2
		ORDER  BY sequence_num ASC
		LIMIT  $3`,
		q.From, q.To, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.SequenceNum, &e.EventHash, &e.PrevHash, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

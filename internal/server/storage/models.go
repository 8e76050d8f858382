// Package storage provides the PostgreSQL-backed persistence layer for the
// edge binary. It exposes typed model structs for the three database tables
// (tunnels, request_log, audit_entries) and a Store that wraps a pgxpool
// connection pool with a batched request-log-insert path, the same shape
// as the teacher's own batched alert insert.
package storage

import (
	"encoding/json"
	"time"
)

// TunnelRecord maps to the `tunnels` table: one row per agent
// connect/disconnect transition, forming the registration history behind
// GET /api/v1/tunnels (SPEC_FULL.md §10).
type TunnelRecord struct {
	ID            string    `json:"id"`
	Host          string    `json:"host"`
	PathPrefix    string    `json:"path_prefix"`
	SupportsHTTP2 bool      `json:"supports_http2"`
	ConnectedAt   time.Time `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// RequestLogEntry maps to the `request_log` table: one row per completed
// tunneled request, behind GET /api/v1/requests.
type RequestLogEntry struct {
	ID         string        `json:"id"`
	Host       string        `json:"host"`
	Path       string        `json:"path"`
	Method     string        `json:"method"`
	Status     int           `json:"status"`
	Flavor     string        `json:"flavor"`
	DurationMS int64         `json:"duration_ms"`
	BytesIn    int64         `json:"bytes_in"`
	BytesOut   int64         `json:"bytes_out"`
	FinishedAt time.Time     `json:"finished_at"`
}

// AuditEntry maps to the `audit_entries` table, a durable mirror of the
// tamper-evident hash-chained log (internal/audit) for paginated historical
// query via GET /api/v1/audit. EventHash/PrevHash are SHA-256 hex digests;
// Payload holds the full event as a JSONB value.
type AuditEntry struct {
	ID          string          `json:"id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RequestLogQuery carries the filter and pagination parameters for
// QueryRequests.
//
// From and To are mandatory and bracket the finished_at column, enabling
// PostgreSQL partition pruning if the table is later partitioned by month,
// the same pattern the teacher uses for its alerts table. Limit defaults to
// 100 when ≤ 0. An empty Host matches all hosts.
type RequestLogQuery struct {
	Host   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// AuditQuery carries the filter and pagination parameters for
// QueryAuditEntries.
type AuditQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

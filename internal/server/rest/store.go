package rest

import (
	"context"

	"github.com/relaytun/tunnel/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryRequests returns request-log rows matching the given filter and
	// pagination params.
	QueryRequests(ctx context.Context, q storage.RequestLogQuery) ([]storage.RequestLogEntry, error)

	// ListTunnels returns the tunnel connect/disconnect history, most
	// recent first.
	ListTunnels(ctx context.Context, limit int) ([]storage.TunnelRecord, error)

	// QueryAuditEntries returns audit entries within [q.From, q.To).
	QueryAuditEntries(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEntry, error)
}

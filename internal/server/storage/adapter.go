package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaytun/tunnel/internal/edge"
)

// EdgeAdapter adapts *Store's context-taking, error-returning methods to the
// synchronous, error-swallowing edge.Recorder and edge.TunnelRecorder
// interfaces. edge.Dispatcher and edge.HandshakeHandler call these from hot
// request/registration paths and must never block on or fail because of a
// storage outage, so every write here happens against a short-lived
// background context and any error is logged, never propagated.
type EdgeAdapter struct {
	Store  *Store
	Logger *slog.Logger
}

// NewEdgeAdapter wraps store for use as an Edge's Recorder and Tunnels
// fields. log defaults to slog.Default() if nil.
func NewEdgeAdapter(store *Store, log *slog.Logger) *EdgeAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &EdgeAdapter{Store: store, Logger: log}
}

// RecordRequest implements edge.Recorder.
func (a *EdgeAdapter) RecordRequest(rec edge.RequestRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := RequestLogEntry{
		Host:       rec.Host,
		Path:       rec.Path,
		Method:     rec.Method,
		Status:     rec.Status,
		Flavor:     rec.Flavor,
		DurationMS: rec.Duration.Milliseconds(),
		BytesIn:    rec.BytesIn,
		BytesOut:   rec.BytesOut,
		FinishedAt: rec.FinishedAt,
	}
	if err := a.Store.BatchInsertRequestLog(ctx, entry); err != nil {
		a.Logger.Warn("failed to record request log entry", "host", rec.Host, "path", rec.Path, "error", err)
	}
}

// RecordConnect implements edge.TunnelRecorder.
func (a *EdgeAdapter) RecordConnect(host, pathPrefix string, supportsHTTP2 bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Store.RecordConnect(ctx, host, pathPrefix, supportsHTTP2); err != nil {
		a.Logger.Warn("failed to record tunnel connect", "host", host, "path_prefix", pathPrefix, "error", err)
	}
}

// RecordDisconnect implements edge.TunnelRecorder.
func (a *EdgeAdapter) RecordDisconnect(host, pathPrefix string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Store.RecordDisconnect(ctx, host, pathPrefix); err != nil {
		a.Logger.Warn("failed to record tunnel disconnect", "host", host, "path_prefix", pathPrefix, "error", err)
	}
}

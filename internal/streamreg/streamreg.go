// Package streamreg implements the stream registry (C6): a concurrent map
// from request ID to the per-request frame stream that a dispatcher (edge or
// agent side) is consuming from. One Registry lives alongside each
// channel.Channel.
package streamreg

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/relaytun/tunnel/internal/frame"
)

// Stream is one request's inbound frame sequence (RESPONSE/RES_DATA/...
// on the edge side consuming agent replies, or REQUEST/REQ_DATA/... on the
// agent side consuming edge-forwarded request bodies).
//
// done is distinct from Frames. A stream's own consumer is always the one
// that calls Close, and always only after it has already stopped reading
// Frames (e.g. ServeHTTP's request context was canceled) — so a Dispatch for
// this id can still be in flight, on the shared channel's single reader
// goroutine, after Close runs. done lets Close unstick that Dispatch without
// ever closing Frames itself, which a concurrent send would turn into a
// panic.
type Stream struct {
	ID     uuid.UUID
	Frames chan frame.Frame
	done   chan struct{}
}

// frameBuffer bounds how many frames can queue for one stream before
// Dispatch blocks. It decouples short bursts (e.g. a REQUEST immediately
// followed by a small REQ_DATA) without giving a stalled consumer unbounded
// memory.
const frameBuffer = 64

// Registry tracks all in-flight streams for one control channel.
//
// The teacher's internal/server/websocket/broadcaster.go keeps a similar
// concurrent set of per-client channels, but pushes to them non-blockingly
// (select/default) because dropping a broadcast frame for one slow browser
// tab is harmless. Here, dropping a single REQ_DATA chunk would corrupt the
// tunneled request, so Dispatch blocks instead of dropping: backpressure on
// one stalled stream propagates to the shared channel's reader loop, which
// is the same "let the socket buffer be the drain signal" design the
// control channel itself uses (internal/channel).
type Registry struct {
	mu      sync.Mutex
	streams map[uuid.UUID]*Stream
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{streams: make(map[uuid.UUID]*Stream)}
}

// Open registers a new stream for id and returns it. Calling Open twice for
// the same id replaces the previous stream without closing it; callers must
// not do that — it indicates a reused request ID, which should never happen
// within one channel's lifetime (SPEC_FULL.md §3).
func (r *Registry) Open(id uuid.UUID) *Stream {
	s := &Stream{ID: id, Frames: make(chan frame.Frame, frameBuffer), done: make(chan struct{})}
	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()
	return s
}

// Dispatch delivers f to the stream registered for f.ReqID. It reports false
// if no such stream exists (the request already finished or was never
// opened — the caller should treat this as a protocol warning, not a fatal
// error, since a RES_END racing a reaper's Close is expected) or if the
// stream was closed while this call was blocked waiting for room. Dispatch
// blocks until the stream's consumer makes room, the stream is closed, or
// ctx is canceled.
func (r *Registry) Dispatch(ctx context.Context, f frame.Frame) bool {
	r.mu.Lock()
	s, ok := r.streams[f.ReqID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case s.Frames <- f:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close deregisters the stream for id and signals done, unblocking any
// Dispatch still waiting to deliver a frame to it. Safe to call more than
// once or for an id that was already closed/never opened.
//
// Close never closes Frames. Its caller is always the stream's own
// consumer, and always after that consumer has already stopped reading —
// while the channel this stream belongs to can still be dispatching further
// frames for this id from its single reader goroutine. Closing Frames here
// would race that in-flight Dispatch's send and could panic; done gives
// Dispatch a safe way to observe "stop" instead.
func (r *Registry) Close(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// CloseAll tears down every open stream, used when the owning channel is
// lost (spec.md §4.5: "in-flight requests on a lost channel fail as
// transport errors, they are not queued or retried"). Unlike Close, it
// closes Frames directly: CloseAll only ever runs after channel.Run has
// returned (its caller always waits on Run first), so the channel's reader
// goroutine — the only thing that could be mid-Dispatch — is already gone,
// and the remaining consumers need the close signal to unblock their reads.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.streams
	r.streams = make(map[uuid.UUID]*Stream)
	r.mu.Unlock()
	for _, s := range all {
		close(s.done)
		close(s.Frames)
	}
}

// Len reports the number of currently open streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

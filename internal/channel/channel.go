// Package channel implements the control channel (C2): the single
// long-lived duplex connection between one agent and the edge over which
// every tunneled request's frames are multiplexed, plus the heartbeat that
// detects a dead peer.
//
// The backpressure model is deliberately simple, following the teacher's own
// preference for letting the OS do the work rather than building a custom
// flow-control protocol (see internal/server/websocket/broadcaster.go, which
// also serializes writes through one goroutine per connection): there is
// exactly one writer goroutine per Channel, frames are handed to it over an
// unbuffered channel, and the writer's only blocking call is the underlying
// net.Conn.Write (via wsproto). When the peer stops reading, the TCP send
// buffer fills, Write blocks, the writer goroutine stalls, the unbuffered
// handoff channel stalls, and every caller of Send blocks in turn. No ack
// event or credit scheme is needed; the channel's own socket buffer is the
// drain signal.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaytun/tunnel/internal/frame"
	"github.com/relaytun/tunnel/internal/wsproto"
)

// State is where a Channel sits in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default heartbeat tuning. A PING is sent every HeartbeatInterval; missing
// two consecutive heartbeats (LivenessTimeout) closes the channel as a
// transport error, per SPEC_FULL.md §13.
const (
	HeartbeatInterval = 20 * time.Second
	LivenessTimeout   = 2*HeartbeatInterval + 10*time.Second // ~50s
)

// FrameHandler receives every application frame the peer sends, except PING
// and PONG which Channel answers and tracks internally.
type FrameHandler interface {
	HandleFrame(frame.Frame)
}

// FrameHandlerFunc adapts a plain function to FrameHandler.
type FrameHandlerFunc func(frame.Frame)

func (f FrameHandlerFunc) HandleFrame(fr frame.Frame) { f(fr) }

// Channel wraps one established wsproto.Conn with framing, a serialized
// writer, and a heartbeat. Both the edge (per connected agent) and the agent
// (its single outbound connection) use the same type.
type Channel struct {
	conn    *wsproto.Conn
	log     *slog.Logger
	handler FrameHandler

	mu    sync.Mutex
	state State

	outbox chan frame.Frame
	done   chan struct{}
	err    error

	lastPongMu sync.Mutex
	lastPong   time.Time

	closeOnce sync.Once
}

// New wraps an already-accepted-or-dialed wsproto.Conn. The caller must have
// already completed authentication (C7); New starts the channel directly in
// StateReady.
func New(conn *wsproto.Conn, log *slog.Logger, handler FrameHandler) *Channel {
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		conn:    conn,
		log:     log,
		handler: handler,
		state:   StateReady,
		outbox:  make(chan frame.Frame),
		done:    make(chan struct{}),
	}
	c.markAlive()
	return c
}

// Run drives the channel's read loop, write loop, and heartbeat until the
// connection fails or ctx is canceled. It blocks until the channel is
// closed and returns the reason.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.heartbeatLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	c.mu.Lock()
	c.state = StateClosed
	err := c.err
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})

	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Send enqueues a frame for the writer goroutine. It blocks if the writer is
// busy flushing a previous frame to a slow or stalled peer — this is the
// channel's entire backpressure mechanism. Send returns an error once the
// channel has failed or been closed.
func (c *Channel) Send(f frame.Frame) error {
	select {
	case c.outbox <- f:
		return nil
	case <-c.done:
		return fmt.Errorf("channel: send on closed channel")
	}
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Drain marks the channel as draining: existing in-flight requests continue
// but no new registrations should route to it (the registry stops handing it
// new work; Drain does not itself refuse frames, since in-flight REQUEST
// frames racing a deregistration are still allowed to finish per spec.md
// §4.3's "stop on agent.close, not before").
func (c *Channel) Drain() {
	c.mu.Lock()
	if c.state == StateReady {
		c.state = StateDraining
	}
	c.mu.Unlock()
}

// Close tears the channel down immediately.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.conn.Close()
}

// Done is closed once the channel has fully shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Channel) writeLoop(ctx context.Context) {
	for {
		select {
		case f := <-c.outbox:
			raw, err := frame.Marshal(f)
			if err != nil {
				c.log.Error("channel: marshal frame failed", "event", f.Event.String(), "error", err)
				continue
			}
			if err := c.conn.WriteMessage(raw); err != nil {
				c.fail(fmt.Errorf("channel: write: %w", err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	defer func() {
		// Recover from any panic inside HandleFrame (a dispatcher bug, or a
		// bug in frame handling that slips past frame.Unmarshal's bounds
		// checks) so that one bad frame cannot crash the whole edge/agent
		// process, matching the teacher's own WS read loop.
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("channel: read loop panic recovered: %v", r))
			c.log.Error("channel: read loop panic recovered", "recover", r)
		}
	}()
	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("channel: read: %w", err))
			return
		}
		f, err := frame.Unmarshal(raw)
		if err != nil {
			c.log.Warn("channel: dropping malformed frame", "error", err)
			continue
		}

		switch f.Event {
		case frame.Ping:
			if err := c.Send(frame.Frame{Event: frame.Pong}); err != nil {
				return
			}
		case frame.Pong:
			c.markAlive()
		default:
			c.handler.HandleFrame(f)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(c.lastAlive()) > LivenessTimeout {
				c.fail(fmt.Errorf("channel: missed %d consecutive heartbeats", 2))
				return
			}
			if err := c.Send(frame.Frame{Event: frame.Ping}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) markAlive() {
	c.lastPongMu.Lock()
	c.lastPong = time.Now()
	c.lastPongMu.Unlock()
}

func (c *Channel) lastAlive() time.Time {
	c.lastPongMu.Lock()
	defer c.lastPongMu.Unlock()
	return c.lastPong
}

// NewReqID is re-exported for callers that only import channel, not frame,
// when originating a new request.
func NewReqID() uuid.UUID { return frame.NewReqID() }

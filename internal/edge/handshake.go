package edge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaytun/tunnel/internal/channel"
	"github.com/relaytun/tunnel/internal/frame"
	"github.com/relaytun/tunnel/internal/registry"
	"github.com/relaytun/tunnel/internal/streamreg"
	"github.com/relaytun/tunnel/internal/wsproto"
)

// HandshakeHandler implements the control-channel endpoint (spec.md §4.7 /
// §6): it verifies the bearer token, reads the path-prefix/supports-http2
// handshake headers, rejects a duplicate (host, pathPrefix) registration
// with a plain HTTP response before ever upgrading the connection, and only
// then hijacks the connection into a WebSocket-framed control.Channel.
//
// The handler blocks for the lifetime of the channel (it calls Channel.Run),
// exactly the way the teacher's gRPC StreamAlerts handler blocks for the
// lifetime of one agent's stream.
func (e *Edge) HandshakeHandler(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" || e.verifyToken(token) != nil {
		e.Logger.Warn("handshake: authentication failed", "host", host, "remote", r.RemoteAddr)
		http.Error(w, "Authentication error", http.StatusUnauthorized)
		return
	}

	pathPrefix := r.Header.Get("path-prefix")
	supportsHTTP2 := strings.EqualFold(r.Header.Get("supports-http2"), "true")

	if e.Registry.Exists(host, pathPrefix) {
		msg := fmt.Sprintf("%s has a existing connection", host)
		e.Logger.Warn("handshake: duplicate registration", "host", host, "path_prefix", pathPrefix)
		e.auditDuplicateRejected(host, pathPrefix)
		http.Error(w, msg, http.StatusConflict)
		return
	}

	if !wsproto.IsUpgrade(r) {
		http.Error(w, "control channel requires a WebSocket upgrade", http.StatusBadRequest)
		return
	}

	conn, err := wsproto.Accept(w, r)
	if err != nil {
		e.Logger.Warn("handshake: upgrade failed", "error", err)
		return
	}

	streams := streamreg.New()
	handler := channel.FrameHandlerFunc(func(f frame.Frame) {
		if f.Event == frame.Request {
			// The edge never receives REQUEST frames; it only originates them.
			return
		}
		if !streams.Dispatch(context.Background(), f) {
			e.Logger.Debug("handshake: no stream for frame", "event", f.Event.String(), "req_id", f.ReqID)
		}
	})
	ch := channel.New(conn, e.Logger, handler)

	reg := &registry.Registration{
		Host:          host,
		PathPrefix:    pathPrefix,
		Channel:       ch,
		Streams:       streams,
		SupportsHTTP2: supportsHTTP2,
	}
	if err := e.Registry.Register(reg); err != nil {
		// Lost the race against a concurrent handshake for the same key.
		// SPEC_FULL.md §13: the handshake handler itself closes the socket.
		_ = ch.Close()
		return
	}

	e.Logger.Info("agent connected", "host", host, "path_prefix", pathPrefix, "http2", supportsHTTP2)
	e.auditConnect(host, pathPrefix, supportsHTTP2)
	if e.Tunnels != nil {
		e.Tunnels.RecordConnect(host, pathPrefix, supportsHTTP2)
	}

	err = ch.Run(r.Context())

	e.Registry.DeregisterChannel(ch)
	streams.CloseAll()

	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	e.Logger.Info("agent disconnected", "host", host, "path_prefix", pathPrefix, "reason", reason)
	e.auditDisconnect(host, pathPrefix, reason)
	if e.Tunnels != nil {
		e.Tunnels.RecordDisconnect(host, pathPrefix)
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header value, or "" if the header is absent or malformed.
func bearerToken(h string) string {
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// hostOnly strips a ":port" suffix from an HTTP Host header value, if any.
func hostOnly(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		// Guard against bare IPv6 literals like "[::1]" without a port.
		if !strings.Contains(host[i:], "]") {
			return host[:i]
		}
	}
	return host
}

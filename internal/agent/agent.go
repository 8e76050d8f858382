// Package agent contains the tunnel agent orchestrator: it dials the edge,
// performs the control-channel handshake (C7) for each configured route,
// and wires each resulting channel to the agent-side dispatcher (C5).
//
// SPEC_FULL.md §11's multi-route supplement is implemented here as N
// independent control channels, one per configured route, each running its
// own full handshake and its own channel.Channel — the wire frame table has
// no "register additional route" message, so registering more than one
// route is a connection-count decision, not a new wire mechanism.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relaytun/tunnel/internal/agentside"
	"github.com/relaytun/tunnel/internal/channel"
	"github.com/relaytun/tunnel/internal/config"
	"github.com/relaytun/tunnel/internal/wsproto"
)

// reconnectBackoff mirrors spec.md §6's reconnect contract: a 1s initial
// interval backing off to a 5s steady state, retried forever. Only a fatal
// authentication rejection stops a route's supervision loop.
func reconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// RouteSpec is one configured local route, resolved from either the single
// LOCAL_HOST/LOCAL_PORT/PATH_PREFIX environment variables or the optional
// routes YAML file.
type RouteSpec struct {
	PathPrefix string
	LocalHost  string
	LocalPort  int
}

// Agent supervises one control channel per configured route.
type Agent struct {
	cfg      *config.AgentConfig
	routes   []RouteSpec
	recorder agentside.Recorder
	logger   *slog.Logger

	startTime time.Time
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	mu        sync.RWMutex
	connected map[string]bool
	fatalErr  error
}

// New creates an Agent. recorder may be nil (no local journal).
func New(cfg *config.AgentConfig, routes []RouteSpec, recorder agentside.Recorder, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:       cfg,
		routes:    routes,
		recorder:  recorder,
		logger:    logger,
		connected: make(map[string]bool, len(routes)),
	}
}

// Run starts one supervised control channel per route and blocks until ctx
// is canceled or any route's handshake fails with a non-retryable
// authentication error, which stops every route. It returns that fatal
// error, if any.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	a.startTime = time.Now()
	a.logger.Info("tunnel agent starting",
		"tunnel_server", a.cfg.TunnelServerURL, "routes", len(a.routes))

	for _, rt := range a.routes {
		a.wg.Add(1)
		go func(rt RouteSpec) {
			defer a.wg.Done()
			a.superviseRoute(ctx, rt)
		}(rt)
	}

	<-ctx.Done()
	a.wg.Wait()

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fatalErr
}

// Stop cancels every route's context and waits for its goroutine to exit.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("tunnel agent stopped")
}

// superviseRoute dials, handshakes, and serves rt, reconnecting with backoff
// on any transport failure. A handshake rejection due to bad credentials
// (HandshakeError carrying a 401/403) is treated as fatal: retrying with the
// same token would only repeat the rejection forever.
func (a *Agent) superviseRoute(ctx context.Context, rt RouteSpec) {
	b := reconnectBackoff()

	for {
		err := a.runOnce(ctx, rt)
		a.setConnected(rt.PathPrefix, false)
		if err == nil {
			return // ctx canceled cleanly
		}
		if isFatalAuthError(err) {
			a.logger.Error("agent: fatal authentication failure, giving up on route",
				"path_prefix", rt.PathPrefix, "error", err)
			a.mu.Lock()
			if a.fatalErr == nil {
				a.fatalErr = err
			}
			a.mu.Unlock()
			a.cancel()
			return
		}

		wait := b.NextBackOff()
		a.logger.Warn("agent: control channel lost, reconnecting",
			"path_prefix", rt.PathPrefix, "error", err, "retry_in", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce dials the edge, performs one handshake, and serves rt's channel
// until it fails or ctx is canceled. A nil error means ctx was canceled.
func (a *Agent) runOnce(ctx context.Context, rt RouteSpec) error {
	conn, err := a.dial(rt)
	if err != nil {
		return err
	}

	origin := agentside.NewOrigin(agentside.OriginConfig{
		Host:     rt.LocalHost,
		Port:     rt.LocalPort,
		Insecure: a.cfg.Insecure,
	})
	defer origin.Close()

	disp := agentside.New(nil, []agentside.Route{{PathPrefix: rt.PathPrefix, Origin: origin}}, a.recorder, a.logger)
	ch := channel.New(conn, a.logger, disp)
	disp.Channel = ch

	a.setConnected(rt.PathPrefix, true)
	a.logger.Info("agent: control channel established", "path_prefix", rt.PathPrefix,
		"local", net.JoinHostPort(rt.LocalHost, strconv.Itoa(rt.LocalPort)))

	err = ch.Run(ctx)
	select {
	case <-ctx.Done():
		return nil
	default:
		return err
	}
}

func (a *Agent) setConnected(pathPrefix string, v bool) {
	a.mu.Lock()
	a.connected[pathPrefix] = v
	a.mu.Unlock()
}

// dial connects to the edge and performs the C7 handshake for rt, returning
// the upgraded control connection.
func (a *Agent) dial(rt RouteSpec) (*wsproto.Conn, error) {
	addr, path, host, useTLS, err := parseTunnelURL(a.cfg.TunnelServerURL)
	if err != nil {
		return nil, err
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+a.cfg.TunnelAuthToken)
	hdr.Set("path-prefix", rt.PathPrefix)
	hdr.Set("supports-http2", "true")

	dcfg := wsproto.DialConfig{
		Addr:        addr,
		Path:        path,
		Host:        host,
		Header:      hdr,
		DialTimeout: 15 * time.Second,
	}
	if useTLS {
		dcfg.TLSConfig = &tls.Config{InsecureSkipVerify: a.cfg.Insecure} //nolint:gosec // opt-in via INSECURE env var for dev only
	}

	return wsproto.Dial(dcfg)
}

// isFatalAuthError reports whether err is a wsproto handshake rejection
// carrying an authentication status (401 or 403) — SPEC_FULL.md §6 treats
// these as non-retryable, unlike a 409 duplicate registration or any
// transport-level failure.
func isFatalAuthError(err error) bool {
	he, ok := err.(*wsproto.HandshakeError)
	if !ok {
		return false
	}
	return strings.Contains(he.StatusLine, "401") || strings.Contains(he.StatusLine, "403")
}

// parseTunnelURL splits a "wss://host:port/path" or "ws://host:port/path"
// TunnelServerURL into the pieces wsproto.Dial needs.
func parseTunnelURL(raw string) (addr, path, host string, useTLS bool, err error) {
	rest := raw
	switch {
	case strings.HasPrefix(rest, "wss://"):
		useTLS = true
		rest = strings.TrimPrefix(rest, "wss://")
	case strings.HasPrefix(rest, "ws://"):
		rest = strings.TrimPrefix(rest, "ws://")
	default:
		return "", "", "", false, fmt.Errorf("agent: TUNNEL_SERVER_URL must start with ws:// or wss://, got %q", raw)
	}

	slash := strings.IndexByte(rest, '/')
	hostport := rest
	path = "/"
	if slash >= 0 {
		hostport = rest[:slash]
		path = rest[slash:]
	}

	host = hostport
	if !strings.Contains(hostport, ":") {
		if useTLS {
			hostport += ":443"
		} else {
			hostport += ":80"
		}
	}
	return hostport, path, host, useTLS, nil
}

// HealthStatus is the payload returned by the agent's /healthz endpoint.
type HealthStatus struct {
	Status    string          `json:"status"`
	UptimeS   float64         `json:"uptime_s"`
	Routes    map[string]bool `json:"routes"` // path prefix -> connected
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	routes := make(map[string]bool, len(a.connected))
	for k, v := range a.connected {
		routes[k] = v
	}
	return HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(a.startTime).Seconds(),
		Routes:  routes,
	}
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", "error", err)
	}
}

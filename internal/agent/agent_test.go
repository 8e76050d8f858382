package agent_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/relaytun/tunnel/internal/agent"
	"github.com/relaytun/tunnel/internal/config"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func minimalConfig() *config.AgentConfig {
	return &config.AgentConfig{
		TunnelServerURL: "ws://127.0.0.1:1/tunnel",
		TunnelAuthToken: "test-token",
		Insecure:        false,
	}
}

// --------------------------------------------------------------------------
// Health / HealthzHandler
// --------------------------------------------------------------------------

func TestAgent_Health_InitialState(t *testing.T) {
	routes := []agent.RouteSpec{{PathPrefix: "/", LocalHost: "127.0.0.1", LocalPort: 8080}}
	ag := agent.New(minimalConfig(), routes, nil, noopLogger())

	h := ag.Health()
	if h.Status != "ok" {
		t.Errorf("Status = %q, want %q", h.Status, "ok")
	}
	if h.UptimeS < 0 {
		t.Errorf("UptimeS = %f, must be >= 0", h.UptimeS)
	}
	if len(h.Routes) != 0 {
		t.Errorf("Routes = %v, want empty before Run", h.Routes)
	}
}

func TestAgent_HealthzHandler_ReturnsJSON200(t *testing.T) {
	ag := agent.New(minimalConfig(), nil, nil, noopLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	ag.HealthzHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var h agent.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("status = %q, want %q", h.Status, "ok")
	}
}

// --------------------------------------------------------------------------
// Stop / Run lifecycle
// --------------------------------------------------------------------------

func TestAgent_Stop_WithoutRun_IsSafe(t *testing.T) {
	ag := agent.New(minimalConfig(), nil, nil, noopLogger())
	// Stop before Run must not panic even though cancel was never set.
	ag.Stop()
	ag.Stop()
}

func TestAgent_Run_NoRoutes_ReturnsOnContextCancel(t *testing.T) {
	ag := agent.New(minimalConfig(), nil, nil, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ag.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on clean cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestAgent_Run_UnreachableEdge_RetriesUntilCanceled(t *testing.T) {
	// TunnelServerURL points at a port nothing listens on; every dial
	// attempt fails immediately, exercising the reconnect-backoff loop
	// without requiring a real edge server.
	cfg := minimalConfig()
	routes := []agent.RouteSpec{{PathPrefix: "/", LocalHost: "127.0.0.1", LocalPort: 9999}}
	ag := agent.New(cfg, routes, nil, noopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := ag.Run(ctx)
	if err != nil {
		t.Errorf("Run returned %v, want nil (context deadline is not a fatal auth error)", err)
	}
}

func TestAgent_Run_MultipleRoutes_IndependentSupervision(t *testing.T) {
	cfg := minimalConfig()
	routes := []agent.RouteSpec{
		{PathPrefix: "/a", LocalHost: "127.0.0.1", LocalPort: 9001},
		{PathPrefix: "/b", LocalHost: "127.0.0.1", LocalPort: 9002},
	}
	ag := agent.New(cfg, routes, nil, noopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := ag.Run(ctx); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	h := ag.Health()
	if _, ok := h.Routes["/a"]; !ok {
		t.Error("expected /a route to be tracked in health routes map")
	}
	if _, ok := h.Routes["/b"]; !ok {
		t.Error("expected /b route to be tracked in health routes map")
	}
	// Both should be marked disconnected once superviseRoute's runOnce
	// returns, since the dial never succeeded.
	if h.Routes["/a"] || h.Routes["/b"] {
		t.Errorf("routes should be disconnected after failed dial attempts, got %v", h.Routes)
	}
}

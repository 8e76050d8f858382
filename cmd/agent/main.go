// Command agent is the tunnel agent binary. It loads its configuration from
// the environment (and an optional multi-route YAML file), dials the edge
// for each configured route, records forwarded requests in the local request
// journal, exposes a /healthz liveness endpoint reporting each route's
// connection state, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaytun/tunnel/internal/agent"
	"github.com/relaytun/tunnel/internal/config"
	"github.com/relaytun/tunnel/internal/queue"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnel-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	routes, err := resolveRoutes(cfg)
	if err != nil {
		logger.Error("failed to resolve routes", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"tunnel_server", cfg.TunnelServerURL, "log_level", cfg.LogLevel, "routes", len(routes))

	journal, err := queue.Open(cfg.JournalPath)
	if err != nil {
		logger.Error("failed to open request journal", "path", cfg.JournalPath, "error", err)
		os.Exit(1)
	}
	defer journal.Close()
	logger.Info("request journal opened", "path", cfg.JournalPath, "entries", journal.Depth())

	ag := agent.New(cfg, routes, journal, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- ag.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ag.HealthzHandler)
	healthAddr := getenvDefault("HEALTH_ADDR", ":8082")
	healthServer := &http.Server{
		Addr:         healthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("healthz server listening", "addr", healthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-runErrCh:
		if err != nil {
			logger.Error("agent exited with fatal error", "error", err)
			cancel()
			shutdown(healthServer, ag, logger)
			os.Exit(1)
		}
	}

	shutdown(healthServer, ag, logger)
	logger.Info("tunnel agent exited cleanly")
}

func shutdown(healthServer *http.Server, ag *agent.Agent, logger *slog.Logger) {
	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", "error", err)
	}
}

// resolveRoutes builds the agent's route list from either the routes YAML
// file or the single LOCAL_HOST/LOCAL_PORT/PATH_PREFIX environment triple
// (SPEC_FULL.md §11).
func resolveRoutes(cfg *config.AgentConfig) ([]agent.RouteSpec, error) {
	if cfg.RoutesFile != "" {
		raw, err := config.LoadRoutesFile(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		routes := make([]agent.RouteSpec, 0, len(raw))
		for _, rt := range raw {
			routes = append(routes, agent.RouteSpec{
				PathPrefix: rt.PathPrefix,
				LocalHost:  rt.LocalHost,
				LocalPort:  rt.LocalPort,
			})
		}
		return routes, nil
	}

	return []agent.RouteSpec{{
		PathPrefix: cfg.PathPrefix,
		LocalHost:  cfg.LocalHost,
		LocalPort:  cfg.LocalPort,
	}}, nil
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

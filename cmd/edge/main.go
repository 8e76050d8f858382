// Command edge is the tunnel edge binary: the public-facing process an
// agent dials into. It terminates TLS, multiplexes the control-channel
// handshake, the token-issuance endpoint, and the public HTTP/WebSocket
// dispatcher onto one listener, and exposes a separate admin REST API for
// historical tunnel/request/audit queries. It shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaytun/tunnel/internal/audit"
	"github.com/relaytun/tunnel/internal/config"
	"github.com/relaytun/tunnel/internal/edge"
	"github.com/relaytun/tunnel/internal/registry"
	"github.com/relaytun/tunnel/internal/server/rest"
	"github.com/relaytun/tunnel/internal/server/storage"
)

func main() {
	cfg, err := config.LoadEdgeConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnel-edge: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded", "port", cfg.Port, "admin_addr", cfg.AdminAddr)

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", "path", cfg.AuditLogPath, "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *storage.Store
	if cfg.PostgresDSN != "" {
		store, err = storage.New(ctx, cfg.PostgresDSN, 0, 0)
		if err != nil {
			logger.Error("failed to open storage", "error", err)
			os.Exit(1)
		}
		defer store.Close(context.Background())
		logger.Info("PostgreSQL storage connected")
	} else {
		logger.Warn("no POSTGRES_DSN configured; historical request/tunnel/audit persistence disabled")
	}

	reg := registry.New()

	edgeCfg := edge.Config{
		SecretKey:            cfg.SecretKey,
		VerifyToken:          cfg.VerifyToken,
		JWTGeneratorUsername: cfg.JWTGeneratorUsername,
		JWTGeneratorPassword: cfg.JWTGeneratorPassword,
	}

	var recorder edge.Recorder
	var tunnels edge.TunnelRecorder
	if store != nil {
		adapter := storage.NewEdgeAdapter(store, logger)
		recorder = adapter
		tunnels = adapter
	}

	e := edge.New(edgeCfg, reg, auditLog, recorder, logger)
	e.Tunnels = tunnels

	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/tunnel_jwt_generator", e.TokenHandler)
	publicMux.HandleFunc(edge.ReservedPath, e.HandshakeHandler)
	publicMux.Handle("/", edge.NewDispatcher(e))

	publicServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: publicMux,
		// No blanket ReadTimeout/WriteTimeout: the control channel and
		// long-lived tunneled requests/WebSocket upgrades must not be cut
		// off by a fixed deadline (SPEC_FULL.md §4).
		ReadHeaderTimeout: 15 * time.Second,
	}

	if cfg.SSLKeyPath != "" && cfg.SSLCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSLCertPath, cfg.SSLKeyPath)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		publicServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
		}
	}

	var pubKey *rsa.PublicKey
	if cfg.AdminJWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.AdminJWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read admin JWT public key", "error", err)
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse admin JWT public key", "error", err)
			os.Exit(1)
		}
		logger.Info("admin API JWT validation enabled")
	} else {
		logger.Warn("ADMIN_JWT_PUBLIC_KEY_PATH not configured; admin API authentication disabled (dev mode)")
	}

	var restStore rest.Store
	if store != nil {
		restStore = store
	}
	adminServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      rest.NewRouter(rest.NewServer(restStore), pubKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	publicErrCh := make(chan error, 1)
	go func() {
		logger.Info("public tunnel listener starting", "addr", publicServer.Addr, "tls", publicServer.TLSConfig != nil)
		var err error
		if publicServer.TLSConfig != nil {
			err = publicServer.ListenAndServeTLS("", "")
		} else {
			err = publicServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			publicErrCh <- fmt.Errorf("public listener: %w", err)
			return
		}
		close(publicErrCh)
	}()

	adminErrCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			adminErrCh <- fmt.Errorf("admin API: %w", err)
			return
		}
		close(adminErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-publicErrCh:
		if err != nil {
			logger.Error("public listener error", "error", err)
		}
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin API error", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := publicServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("public listener shutdown error", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown error", "error", err)
	}

	logger.Info("tunnel edge exited cleanly")
}

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

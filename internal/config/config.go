// Package config loads and validates the environment-variable configuration
// for both binaries in this repository (cmd/edge, cmd/agent), plus the
// agent's optional YAML route file.
//
// Environment variables are the primary configuration contract for both
// binaries, per spec.md §6. This mirrors the teacher's own
// internal/config.LoadConfig in spirit — read everything up front, apply
// defaults, validate every required field, and return one aggregated error
// via errors.Join rather than failing on the first problem found — just
// sourced from os.LookupEnv instead of a YAML file, since spec.md §6 commits
// to environment variables as the wire contract for both binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EdgeConfig is the edge binary's configuration, loaded from environment
// variables (spec.md §6).
type EdgeConfig struct {
	// Port is the public-facing listener port (HTTP/1.1, HTTP/2 via ALPN,
	// and the control-channel WebSocket upgrade all share this listener).
	Port int
	// SSLKeyPath and SSLCertPath locate the PEM-encoded TLS key pair used
	// for the public listener and ALPN h2 negotiation. Both optional: if
	// neither is set the edge serves HTTP/1 only (spec.md §6); if either is
	// set, both are required.
	SSLKeyPath  string
	SSLCertPath string
	// SecretKey signs and verifies the HS256 tokens the edge hands out via
	// its own token-issuance endpoint (distinct from the admin API's RS256
	// JWTs, see AdminJWTPublicKeyPath below).
	SecretKey string
	// VerifyToken is the value of the "verify" claim that the edge writes
	// into every token it issues and that every handshake bearer token must
	// carry to be accepted.
	VerifyToken string
	// JWTGeneratorUsername/JWTGeneratorPassword gate the
	// /tunnel_jwt_generator endpoint that issues handshake tokens.
	JWTGeneratorUsername string
	JWTGeneratorPassword string
	// AdminAddr is the listen address for the admin REST API (§10 of
	// SPEC_FULL.md), a separate port from the public tunnel listener.
	AdminAddr string
	// AdminJWTPublicKeyPath optionally enables RS256 JWT validation on the
	// admin API. Empty disables validation (dev mode only).
	AdminJWTPublicKeyPath string
	// PostgresDSN enables the storage layer when non-empty.
	PostgresDSN string
	// AuditLogPath is where the tamper-evident audit log is appended.
	AuditLogPath string
	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string
}

// AgentConfig is the agent binary's configuration, loaded from environment
// variables plus an optional YAML route file.
type AgentConfig struct {
	// TunnelServerURL is the edge's control-channel URL, e.g.
	// "wss://edge.example.com/$web_tunnel".
	TunnelServerURL string
	// TunnelAuthToken is the bearer token presented during the handshake.
	TunnelAuthToken string
	// LocalHost/LocalPort/PathPrefix describe the single local route when
	// no RoutesFile is given. Ignored if RoutesFile is set.
	LocalHost  string
	LocalPort  int
	PathPrefix string
	// Insecure skips TLS certificate verification when dialing the edge and
	// is passed on to every local origin (agentside.OriginConfig.Insecure)
	// (development / self-signed deployments only).
	Insecure bool
	// Debug raises the log level to debug regardless of LogLevel.
	Debug bool
	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string
	// RoutesFile optionally points at a YAML file describing more than one
	// local route; the agent registers each route over its own control
	// channel (SPEC_FULL.md §11's multi-route supplement). When empty, the agent
	// registers the single LocalHost/LocalPort/PathPrefix route.
	RoutesFile string
	// JournalPath is where the local recently-forwarded-request journal is
	// stored (SPEC_FULL.md §10's agent local request journal).
	JournalPath string
}

// RouteFile is the optional multi-route YAML document pointed at by
// AgentConfig.RoutesFile.
type RouteFile struct {
	Routes []Route `yaml:"routes"`
}

// Route is one local path-prefix → local origin mapping.
type Route struct {
	PathPrefix string `yaml:"path_prefix"`
	LocalHost  string `yaml:"local_host"`
	LocalPort  int    `yaml:"local_port"`
}

// LoadRoutesFile reads and validates a multi-route YAML file.
func LoadRoutesFile(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read routes file %q: %w", path, err)
	}
	var rf RouteFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("config: cannot parse routes file %q: %w", path, err)
	}
	if len(rf.Routes) == 0 {
		return nil, fmt.Errorf("config: routes file %q defines no routes", path)
	}

	var errs []error
	seen := make(map[string]bool, len(rf.Routes))
	for i, rt := range rf.Routes {
		prefix := fmt.Sprintf("routes[%d]", i)
		if rt.LocalHost == "" {
			errs = append(errs, fmt.Errorf("%s: local_host is required", prefix))
		}
		if rt.LocalPort <= 0 || rt.LocalPort > 65535 {
			errs = append(errs, fmt.Errorf("%s: local_port must be between 1 and 65535", prefix))
		}
		if seen[rt.PathPrefix] {
			errs = append(errs, fmt.Errorf("%s: duplicate path_prefix %q", prefix, rt.PathPrefix))
		}
		seen[rt.PathPrefix] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return rf.Routes, nil
}

// LoadEdgeConfig reads and validates the edge binary's environment.
func LoadEdgeConfig() (*EdgeConfig, error) {
	cfg := &EdgeConfig{
		SSLKeyPath:            os.Getenv("SSL_KEY_PATH"),
		SSLCertPath:           os.Getenv("SSL_CERT_PATH"),
		SecretKey:             os.Getenv("SECRET_KEY"),
		VerifyToken:           os.Getenv("VERIFY_TOKEN"),
		JWTGeneratorUsername:  os.Getenv("JWT_GENERATOR_USERNAME"),
		JWTGeneratorPassword:  os.Getenv("JWT_GENERATOR_PASSWORD"),
		AdminAddr:             getenvDefault("ADMIN_ADDR", ":8081"),
		AdminJWTPublicKeyPath: os.Getenv("ADMIN_JWT_PUBLIC_KEY_PATH"),
		PostgresDSN:           os.Getenv("POSTGRES_DSN"),
		AuditLogPath:          getenvDefault("AUDIT_LOG_PATH", "/var/lib/tunnel/audit.log"),
		LogLevel:              getenvDefault("LOG_LEVEL", "info"),
	}

	var errs []error
	portStr := getenvDefault("PORT", "3000")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, fmt.Errorf("PORT %q is not a valid integer", portStr))
	}
	cfg.Port = port

	// SSL is optional (spec.md §6): "if present, serve HTTP/2 + HTTP/1 ...
	// otherwise HTTP/1 only". Only reject a half-configured pair.
	if (cfg.SSLKeyPath == "") != (cfg.SSLCertPath == "") {
		errs = append(errs, errors.New("SSL_KEY_PATH and SSL_CERT_PATH must both be set, or both left empty"))
	}
	if cfg.SecretKey == "" {
		errs = append(errs, errors.New("SECRET_KEY is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// LoadAgentConfig reads and validates the agent binary's environment.
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{
		TunnelServerURL: os.Getenv("TUNNEL_SERVER_URL"),
		TunnelAuthToken: os.Getenv("TUNNEL_AUTH_TOKEN"),
		LocalHost:       getenvDefault("LOCAL_HOST", "127.0.0.1"),
		PathPrefix:      os.Getenv("PATH_PREFIX"),
		Insecure:        os.Getenv("INSECURE") == "true",
		Debug:           os.Getenv("DEBUG") == "true",
		LogLevel:        getenvDefault("LOG_LEVEL", "info"),
		RoutesFile:      os.Getenv("ROUTES_FILE"),
		JournalPath:     getenvDefault("JOURNAL_PATH", "/var/lib/tunnel-agent/journal.db"),
	}

	var errs []error
	if cfg.TunnelServerURL == "" {
		errs = append(errs, errors.New("TUNNEL_SERVER_URL is required"))
	}
	if cfg.TunnelAuthToken == "" {
		errs = append(errs, errors.New("TUNNEL_AUTH_TOKEN is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.RoutesFile == "" {
		if portStr := os.Getenv("LOCAL_PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				errs = append(errs, fmt.Errorf("LOCAL_PORT %q is not a valid integer", portStr))
			} else {
				cfg.LocalPort = port
			}
		} else {
			errs = append(errs, errors.New("LOCAL_PORT is required when ROUTES_FILE is not set"))
		}
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// Package edge implements the edge side of the reverse tunnel: the auth
// handshake that admits an agent onto a control channel (C7), the public
// HTTP/WebSocket dispatcher that forwards inbound traffic to the chosen
// agent (C4), and the token-issuance endpoint named in spec.md §6.
//
// It is new code — the teacher has no reverse-proxy or multiplexing
// component to adapt — built directly against internal/registry,
// internal/channel, internal/streamreg, internal/frame and internal/wsproto
// per SPEC_FULL.md §4.
package edge

import (
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaytun/tunnel/internal/audit"
	"github.com/relaytun/tunnel/internal/registry"
)

// ReservedPath is the default control-channel endpoint path (spec.md §6).
const ReservedPath = "/$web_tunnel"

// verifyClaim is the JWT claim name checked against Config.VerifyToken, the
// "fixed verification claim" named in spec.md §4.7.
const verifyClaim = "verify"

// Recorder receives observations about completed tunneled requests for the
// admin API / storage layer (SPEC_FULL.md §10); registry lifecycle events go
// to TunnelRecorder instead. RecordRequest must be safe for concurrent use
// and must not block the request/response pumps for long; a nil Recorder is
// valid and is a no-op.
type Recorder interface {
	RecordRequest(RequestRecord)
}

// RequestRecord is one completed tunneled request, destined for the
// request_log table / audit trail.
type RequestRecord struct {
	Host      string
	Path      string
	Method    string
	Status    int
	Flavor    string
	Duration  time.Duration
	BytesIn   int64
	BytesOut  int64
	FinishedAt time.Time
}

// TunnelRecorder persists agent connect/disconnect transitions for the
// admin API's historical tunnel view (SPEC_FULL.md §10's tunnels table). It
// is optional; a nil Tunnels field on Edge disables this persistence
// without affecting live routing, which only ever consults the in-memory
// registry.
type TunnelRecorder interface {
	RecordConnect(host, pathPrefix string, supportsHTTP2 bool)
	RecordDisconnect(host, pathPrefix string)
}

// Config holds the edge's auth secrets and tuning knobs, sourced from
// config.EdgeConfig by the cmd/edge binary.
type Config struct {
	// SecretKey signs and verifies HS256 handshake tokens.
	SecretKey string
	// VerifyToken is the fixed claim value every valid handshake token must
	// carry (spec.md §4.7).
	VerifyToken string
	// JWTGeneratorUsername/Password gate the token-issuance endpoint. Both
	// empty disables issuance (404).
	JWTGeneratorUsername string
	JWTGeneratorPassword string
}

// Edge is the top-level edge-side object: the live agent registry plus the
// auth/dispatch handlers that operate on it.
type Edge struct {
	Config   Config
	Registry *registry.Registry
	Audit    *audit.Logger
	Recorder Recorder
	Tunnels  TunnelRecorder
	Logger   *slog.Logger
}

// New creates an Edge. log defaults to slog.Default() if nil.
func New(cfg Config, reg *registry.Registry, auditLog *audit.Logger, rec Recorder, log *slog.Logger) *Edge {
	if log == nil {
		log = slog.Default()
	}
	return &Edge{Config: cfg, Registry: reg, Audit: auditLog, Recorder: rec, Logger: log}
}

// signToken mints an HS256 token carrying the verify claim, for the
// /tunnel_jwt_generator issuance endpoint.
func (e *Edge) signToken() (string, error) {
	claims := jwt.MapClaims{
		verifyClaim: e.Config.VerifyToken,
		"iat":       jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(e.Config.SecretKey))
}

// verifyToken validates an HS256 bearer token and checks the verify claim
// against Config.VerifyToken (spec.md §4.7 / §7 "Authentication failure").
func (e *Edge) verifyToken(raw string) error {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(e.Config.SecretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		return errAuthentication
	}
	v, _ := claims[verifyClaim].(string)
	if v != e.Config.VerifyToken {
		return errAuthentication
	}
	return nil
}

var errAuthentication = authError{}

type authError struct{}

func (authError) Error() string { return "Authentication error" }

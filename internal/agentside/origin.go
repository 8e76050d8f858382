// Package agentside implements the agent dispatcher (C5): the half of the
// tunnel that runs next to a local origin server, translating inbound
// REQUEST frames from the control channel into real outbound HTTP requests
// against that origin, and translating the origin's response back into
// frames for the edge.
package agentside

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/relaytun/tunnel/internal/frame"
)

// dialTimeout bounds connecting to the local origin. Local origins are
// expected to answer fast; a slow localhost connection almost always means
// the origin process is down, not merely distant.
const dialTimeout = 5 * time.Second

// OriginConfig describes one local route's destination.
type OriginConfig struct {
	Host string
	Port int
	// Insecure skips certificate verification for HTTP/1.1 requests to a
	// TLS origin, and makes RoundTrip send HTTP/2 flavor requests over
	// cleartext h2c instead of TLS. Used for local development origins only
	// (spec.md §5).
	Insecure bool
}

func (c OriginConfig) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Origin is a reusable client for one local route, holding separate
// transports for HTTP/1.1 and HTTP/2 so a route that only ever sees one
// flavor never pays for the other's connection pool.
type Origin struct {
	cfg OriginConfig

	h1 *http.Transport
	h2 *http2.Transport
}

// NewOrigin builds an Origin for cfg. Connections are made lazily on first
// use; NewOrigin never dials.
func NewOrigin(cfg OriginConfig) *Origin {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.Insecure} //nolint:gosec // opt-in via AgentConfig.Insecure for local dev origins only

	h1 := &http.Transport{
		DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
		TLSClientConfig: tlsCfg,
	}
	h2 := &http2.Transport{
		DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
			return tls.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, network, addr, tlsCfg)
		},
		AllowHTTP: true,
	}
	return &Origin{cfg: cfg, h1: h1, h2: h2}
}

// RoundTrip sends req to the local origin using the transport matching
// flavor. HTTP/2 requests use TLS (DialTLS) unless cfg.Insecure is set, in
// which case they use http2's cleartext h2c dial instead. There is no
// fallback between the two: a failed TLS round trip is returned as an error,
// not retried over h2c.
func (o *Origin) RoundTrip(req *http.Request, flavor frame.Flavor) (*http.Response, error) {
	req.URL.Host = o.cfg.addr()
	if flavor == frame.HTTP2 {
		req.URL.Scheme = "https"
		if o.cfg.Insecure {
			req.URL.Scheme = "http"
			return o.h2c(req)
		}
		return o.h2.RoundTrip(req)
	}
	if req.URL.Scheme == "" {
		req.URL.Scheme = "http"
	}
	return o.h1.RoundTrip(req)
}

// h2c round-trips an HTTP/2 request over plaintext TCP using prior-knowledge
// (no TLS, no ALPN) — the mode golang.org/x/net/http2 calls "http2 cleartext".
func (o *Origin) h2c(req *http.Request) (*http.Response, error) {
	t := &http2.Transport{
		AllowHTTP: true,
		DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
			return net.DialTimeout(network, addr, dialTimeout)
		},
	}
	return t.RoundTrip(req)
}

// Close releases idle connections held by both transports.
func (o *Origin) Close() {
	o.h1.CloseIdleConnections()
	o.h2.CloseIdleConnections()
}

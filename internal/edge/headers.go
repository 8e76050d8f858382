package edge

import (
	"net"
	"net/http"
	"strings"

	"github.com/relaytun/tunnel/internal/frame"
)

// buildForwardedHeaders copies r's header set and appends/augments the
// X-Forwarded-* headers per spec.md §4.2: comma-concatenate onto any prior
// value for For/Port/Proto; set Host only if absent. Port defaults to 443 for
// a TLS-terminated connection, 80 otherwise.
func buildForwardedHeaders(r *http.Request) frame.Headers {
	hdrs := make(frame.Headers, 0, len(r.Header)+4)
	for name, values := range r.Header {
		for _, v := range values {
			hdrs = append(hdrs, frame.Header{Name: name, Value: v})
		}
	}

	clientIP := clientIPFromRemoteAddr(r.RemoteAddr)
	scheme, port := "http", "80"
	if r.TLS != nil {
		scheme, port = "https", "443"
	}

	hdrs = appendForwarded(hdrs, "X-Forwarded-For", clientIP)
	hdrs = appendForwarded(hdrs, "X-Forwarded-Port", port)
	hdrs = appendForwarded(hdrs, "X-Forwarded-Proto", scheme)
	if headerValue(hdrs, "X-Forwarded-Host") == "" {
		hdrs = append(hdrs, frame.Header{Name: "X-Forwarded-Host", Value: r.Host})
	}
	return hdrs
}

// appendForwarded comma-concatenates value onto the first existing header
// named name (case-insensitively), or appends a new header if none exists.
func appendForwarded(hdrs frame.Headers, name, value string) frame.Headers {
	canon := http.CanonicalHeaderKey(name)
	for i := range hdrs {
		if http.CanonicalHeaderKey(hdrs[i].Name) == canon {
			hdrs[i].Value = hdrs[i].Value + ", " + value
			return hdrs
		}
	}
	return append(hdrs, frame.Header{Name: name, Value: value})
}

func headerValue(hdrs frame.Headers, name string) string {
	canon := http.CanonicalHeaderKey(name)
	for _, kv := range hdrs {
		if http.CanonicalHeaderKey(kv.Name) == canon {
			return kv.Value
		}
	}
	return ""
}

func clientIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// determineFlavor implements spec.md §4.2 step 3: http2 iff the incoming
// request is HTTP/2 or grpc-content-typed, AND the chosen agent advertised
// HTTP/2 support.
func determineFlavor(r *http.Request, peerSupportsHTTP2 bool) frame.Flavor {
	isH2 := r.ProtoMajor == 2 || strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
	if isH2 && peerSupportsHTTP2 {
		return frame.HTTP2
	}
	return frame.HTTP1
}

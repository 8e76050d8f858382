package edge

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaytun/tunnel/internal/frame"
	"github.com/relaytun/tunnel/internal/registry"
	"github.com/relaytun/tunnel/internal/streamreg"
	"github.com/relaytun/tunnel/internal/wsproto"
)

// maxChunk bounds how many bytes ServeHTTP reads per REQ_DATA/body-splice
// iteration, keeping a single slow request from holding an oversized buffer.
const maxChunk = 32 * 1024

// Dispatcher is the edge's public HTTP handler (C4): for every inbound
// request it resolves the target agent via the registry (C3), mints a
// request id, streams the request to the agent over its control channel
// (C2/C1), and streams the agent's response back to the public client.
type Dispatcher struct {
	*Edge
}

// NewDispatcher wraps e as an http.Handler for the public tunnel listener.
func NewDispatcher(e *Edge) *Dispatcher { return &Dispatcher{Edge: e} }

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	reg, ok := d.Registry.Resolve(host, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	reqID := frame.NewReqID()
	stream := reg.Streams.Open(reqID)
	defer reg.Streams.Close(reqID)

	desc := frame.RequestDescriptor{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: buildForwardedHeaders(r),
		Flavor:  determineFlavor(r, reg.SupportsHTTP2),
	}

	if wsproto.IsUpgrade(r) {
		d.serveWebSocket(w, r, reg, reqID, desc, stream)
		return
	}

	start := time.Now()
	if err := reg.Channel.Send(frame.Frame{Event: frame.Request, ReqID: reqID, Request: &desc}); err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	bodyDone := make(chan int64, 1)
	go func() { bodyDone <- d.pumpRequestBody(r, reg, reqID) }()

	bytesOut, status := d.pumpResponse(w, r, reg, reqID, stream)
	bytesIn := <-bodyDone

	d.recordRequest(host, r.URL.Path, r.Method, status, desc.Flavor, time.Since(start), bytesIn, bytesOut)
}

// pumpRequestBody streams r.Body to the agent as REQ_DATA frames, finishing
// with REQ_END on a clean EOF or REQ_ERROR on a read failure (spec.md §4.2
// step 4). It returns the number of body bytes read.
func (d *Dispatcher) pumpRequestBody(r *http.Request, reg *registry.Registration, reqID uuid.UUID) int64 {
	if r.Body == nil || r.Body == http.NoBody {
		_ = reg.Channel.Send(frame.Frame{Event: frame.ReqEnd, ReqID: reqID})
		return 0
	}
	defer r.Body.Close()

	buf := make([]byte, maxChunk)
	var total int64
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			total += int64(n)
			if sendErr := reg.Channel.Send(frame.Frame{Event: frame.ReqData, ReqID: reqID, Data: chunk}); sendErr != nil {
				return total
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = reg.Channel.Send(frame.Frame{Event: frame.ReqEnd, ReqID: reqID})
			} else {
				_ = reg.Channel.Send(frame.Frame{Event: frame.ReqError, ReqID: reqID, Message: err.Error()})
			}
			return total
		}
	}
}

// pumpResponse consumes response frames for reqID and writes them to w,
// applying the error policy of spec.md §4.2 step 6: a RES_ERROR before any
// RESPONSE becomes a 502; a channel lost before headers are sent is a 500;
// a public client disconnect sends REQ_ERROR upstream and releases the
// stream.
func (d *Dispatcher) pumpResponse(w http.ResponseWriter, r *http.Request, reg *registry.Registration, reqID uuid.UUID, stream *streamreg.Stream) (bytesOut int64, status int) {
	ctx := r.Context()
	flusher, _ := w.(http.Flusher)
	headersSent := false

	for {
		select {
		case <-ctx.Done():
			_ = reg.Channel.Send(frame.Frame{Event: frame.ReqError, ReqID: reqID, Message: "client disconnected"})
			return bytesOut, status

		case f, ok := <-stream.Frames:
			if !ok {
				if !headersSent {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					status = http.StatusInternalServerError
				}
				return bytesOut, status
			}

			switch f.Event {
			case frame.Response:
				status = writeResponseHeaders(w, f.Response)
				headersSent = true
				if flusher != nil {
					flusher.Flush()
				}
			case frame.ResData:
				n, _ := w.Write(f.Data)
				bytesOut += int64(n)
				if flusher != nil {
					flusher.Flush()
				}
			case frame.ResDataBatch:
				for _, chunk := range f.Batch {
					n, _ := w.Write(chunk)
					bytesOut += int64(n)
				}
				if flusher != nil {
					flusher.Flush()
				}
			case frame.ResTrailers:
				deliverTrailers(w, f.Trailers, r.ProtoMajor)
			case frame.ResEnd:
				return bytesOut, status
			case frame.ResError:
				if !headersSent {
					http.Error(w, "Request error", http.StatusBadGateway)
					status = http.StatusBadGateway
				}
				return bytesOut, status
			}
		}
	}
}

// writeResponseHeaders copies a RESPONSE descriptor's headers onto w,
// stripping any HTTP/2 pseudo-headers (spec.md §4.2 step 5 — ":status" is
// represented by StatusCode only, never repeated in Headers), and writes the
// status line. It returns the status code actually written.
func writeResponseHeaders(w http.ResponseWriter, resp *frame.ResponseDescriptor) int {
	hh := w.Header()
	for _, kv := range resp.Headers {
		if strings.HasPrefix(kv.Name, ":") {
			continue
		}
		hh.Add(kv.Name, kv.Value)
	}
	status := resp.StatusCode
	if status < 100 || status > 599 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	return status
}

// deliverTrailers implements SPEC_FULL.md §13's resolution of the base
// spec's open trailer question: trailers are only deliverable as real HTTP
// trailers when the public connection is HTTP/2 (the gRPC scenario is always
// HTTP/2); HTTP/1.1 public connections have no trailer concept a client can
// rely on, so RES_TRAILERS content is dropped rather than spliced into the
// body and corrupting Content-Length framing.
func deliverTrailers(w http.ResponseWriter, trailers frame.Headers, protoMajor int) {
	if protoMajor != 2 {
		return
	}
	for _, kv := range trailers {
		w.Header().Set(http.TrailerPrefix+kv.Name, kv.Value)
	}
}

// serveWebSocket implements spec.md §4.2's WebSocket-upgrade path: the
// connection is hijacked raw (no WebSocket framing is applied by the edge
// itself — the public client and local origin negotiate the WS protocol
// end-to-end; the tunnel only relays raw bytes after relaying the raw HTTP
// upgrade response).
func (d *Dispatcher) serveWebSocket(w http.ResponseWriter, r *http.Request, reg *registry.Registration, reqID uuid.UUID, desc frame.RequestDescriptor, stream *streamreg.Stream) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	if err := reg.Channel.Send(frame.Frame{Event: frame.Request, ReqID: reqID, Request: &desc}); err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	nc, rw, err := hj.Hijack()
	if err != nil {
		d.Logger.Warn("serveWebSocket: hijack failed", "error", err)
		return
	}
	defer nc.Close()

	go func() {
		buf := make([]byte, maxChunk)
		for {
			n, err := rw.Reader.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if sendErr := reg.Channel.Send(frame.Frame{Event: frame.ReqData, ReqID: reqID, Data: chunk}); sendErr != nil {
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					_ = reg.Channel.Send(frame.Frame{Event: frame.ReqEnd, ReqID: reqID})
				} else {
					_ = reg.Channel.Send(frame.Frame{Event: frame.ReqError, ReqID: reqID, Message: err.Error()})
				}
				return
			}
		}
	}()

	first, ok := <-stream.Frames
	if !ok || first.Event != frame.Response {
		return
	}

	var hb strings.Builder
	fmt.Fprintf(&hb, "HTTP/1.1 %d %s\r\n", first.Response.StatusCode, statusText(first.Response))
	for _, kv := range first.Response.Headers {
		if strings.HasPrefix(kv.Name, ":") {
			continue
		}
		fmt.Fprintf(&hb, "%s: %s\r\n", kv.Name, kv.Value)
	}
	hb.WriteString("\r\n")
	if _, err := nc.Write([]byte(hb.String())); err != nil {
		return
	}
	if first.Response.StatusCode != http.StatusSwitchingProtocols {
		return
	}

	for f := range stream.Frames {
		switch f.Event {
		case frame.ResData:
			if _, err := nc.Write(f.Data); err != nil {
				return
			}
		case frame.ResDataBatch:
			for _, chunk := range f.Batch {
				if _, err := nc.Write(chunk); err != nil {
					return
				}
			}
		case frame.ResEnd, frame.ResError:
			return
		}
	}
}

func statusText(resp *frame.ResponseDescriptor) string {
	if resp.StatusMessage != "" {
		return resp.StatusMessage
	}
	return http.StatusText(resp.StatusCode)
}

// recordRequest forwards a completed request's summary to the optional
// Recorder (storage layer) and the audit trail (SPEC_FULL.md §10). Neither
// carries request bodies or full header values.
func (d *Dispatcher) recordRequest(host, path, method string, status int, flavor frame.Flavor, dur time.Duration, bytesIn, bytesOut int64) {
	rr := RequestRecord{
		Host:       host,
		Path:       path,
		Method:     method,
		Status:     status,
		Flavor:     flavorString(flavor),
		Duration:   dur,
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		FinishedAt: time.Now(),
	}
	if d.Recorder != nil {
		d.Recorder.RecordRequest(rr)
	}
	d.auditRequestCompleted(rr)
}

func flavorString(f frame.Flavor) string {
	if f == frame.HTTP2 {
		return "http2"
	}
	return "http1"
}

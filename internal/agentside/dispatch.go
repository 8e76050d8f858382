package agentside

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaytun/tunnel/internal/channel"
	"github.com/relaytun/tunnel/internal/frame"
	"github.com/relaytun/tunnel/internal/streamreg"
)

// maxChunk bounds how many bytes Dispatcher reads per body chunk, matching
// internal/edge's own chunk size so neither side of a tunneled request ever
// buffers more than one chunk's worth of body at a time.
const maxChunk = 32 * 1024

// Recorder receives a summary of every request this agent forwarded to its
// local origin, for the local request journal (SPEC_FULL.md §10).
type Recorder interface {
	RecordRequest(RequestRecord)
}

// RequestRecord is one completed (or failed) forwarded request.
type RequestRecord struct {
	PathPrefix string
	Method     string
	Path       string
	Status     int
	Duration   time.Duration
	BytesIn    int64
	BytesOut   int64
	Err        string
}

// Route binds a path prefix to a local origin, mirroring the edge's
// registry.Registration but scoped to the agent side of one control
// channel (SPEC_FULL.md §11's multi-route supplement opens one channel per
// configured route, so in practice each Dispatcher serves exactly one
// route — the type stays prefix-keyed so a future multi-route-per-channel
// wire extension would not require reshaping this package).
type Route struct {
	PathPrefix string
	Origin     *Origin
}

// Dispatcher is the FrameHandler that an agent's control channel hands
// inbound frames to. It is the agent-side mirror of internal/edge.Dispatcher.
type Dispatcher struct {
	Channel  *channel.Channel
	Streams  *streamreg.Registry
	Routes   []Route
	Recorder Recorder
	Logger   *slog.Logger
}

// New creates a Dispatcher. routes may be given in any order; New stores a
// copy sorted by descending prefix length, which resolve scans in order.
func New(ch *channel.Channel, routes []Route, rec Recorder, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	sorted := append([]Route(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix) })
	return &Dispatcher{
		Channel: ch,
		Streams: streamreg.New(),
		Routes:  sorted,
		Recorder: rec,
		Logger:   log,
	}
}

// HandleFrame implements channel.FrameHandler. A REQUEST frame opens a new
// stream and starts serving it in its own goroutine; every other frame is
// routed to the stream already opened for its request ID (REQ_DATA,
// REQ_END, REQ_ERROR arriving for a request already being served).
func (d *Dispatcher) HandleFrame(f frame.Frame) {
	if f.Event == frame.Request {
		stream := d.Streams.Open(f.ReqID)
		go d.serve(f.ReqID, f.Request, stream)
		return
	}
	if !d.Streams.Dispatch(context.Background(), f) {
		d.Logger.Debug("agentside: no stream for frame", "event", f.Event.String(), "req_id", f.ReqID)
	}
}

func (d *Dispatcher) resolve(path string) *Route {
	for i := range d.Routes {
		if strings.HasPrefix(path, d.Routes[i].PathPrefix) {
			return &d.Routes[i]
		}
	}
	return nil
}

func (d *Dispatcher) serve(reqID uuid.UUID, desc *frame.RequestDescriptor, stream *streamreg.Stream) {
	defer d.Streams.Close(reqID)
	start := time.Now()

	route := d.resolve(desc.Path)
	if route == nil {
		d.sendError(reqID, "no local route configured for this path")
		d.drain(stream)
		return
	}

	if isUpgrade(desc.Headers) {
		d.serveUpgrade(reqID, desc, stream, route)
		return
	}

	pr, pw := io.Pipe()
	bodyDone := make(chan int64, 1)
	go func() { bodyDone <- d.pumpRequestBody(stream, pw) }()

	req, err := http.NewRequest(desc.Method, desc.Path, pr)
	if err != nil {
		d.sendError(reqID, fmt.Sprintf("build request: %v", err))
		<-bodyDone
		return
	}
	req.Host = route.Origin.cfg.addr()
	for _, kv := range desc.Headers {
		req.Header.Add(kv.Name, kv.Value)
	}
	if desc.Flavor == frame.HTTP2 {
		req.Header.Set("TE", "trailers")
	}

	resp, err := route.Origin.RoundTrip(req, desc.Flavor)
	bytesIn := <-bodyDone
	if err != nil {
		d.sendError(reqID, fmt.Sprintf("local origin: %v", err))
		d.record(route.PathPrefix, desc, 0, time.Since(start), bytesIn, 0, err)
		return
	}
	defer resp.Body.Close()

	bytesOut := d.pumpResponse(reqID, resp, desc.Flavor)
	d.record(route.PathPrefix, desc, resp.StatusCode, time.Since(start), bytesIn, bytesOut, nil)
}

// pumpRequestBody copies REQ_DATA/REQ_DATA_BATCH frames from stream into pw
// until REQ_END (clean close) or REQ_ERROR (abort with the peer's error). It
// returns the number of bytes copied.
func (d *Dispatcher) pumpRequestBody(stream *streamreg.Stream, pw *io.PipeWriter) int64 {
	var total int64
	for f := range stream.Frames {
		switch f.Event {
		case frame.ReqData:
			n, err := pw.Write(f.Data)
			total += int64(n)
			if err != nil {
				return total
			}
		case frame.ReqDataBatch:
			for _, chunk := range f.Batch {
				n, err := pw.Write(chunk)
				total += int64(n)
				if err != nil {
					return total
				}
			}
		case frame.ReqEnd:
			pw.Close()
			return total
		case frame.ReqError:
			pw.CloseWithError(fmt.Errorf("remote: %s", f.Message))
			return total
		}
	}
	pw.Close()
	return total
}

// pumpResponse streams resp back to the edge as RESPONSE/RES_DATA/
// RES_TRAILERS/RES_END frames. Trailers are only read and forwarded for
// HTTP/2 flavor requests (grpc's use case); an HTTP/1.1 flavor response has
// none to read.
func (d *Dispatcher) pumpResponse(reqID uuid.UUID, resp *http.Response, flavor frame.Flavor) int64 {
	status := frame.ResponseDescriptor{
		StatusCode:    resp.StatusCode,
		StatusMessage: strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)),
		Headers:       toFrameHeaders(resp.Header),
	}
	if err := d.Channel.Send(frame.Frame{Event: frame.Response, ReqID: reqID, Response: &status}); err != nil {
		return 0
	}

	var bytesOut int64
	buf := make([]byte, maxChunk)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			bytesOut += int64(n)
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := d.Channel.Send(frame.Frame{Event: frame.ResData, ReqID: reqID, Data: chunk}); sendErr != nil {
				return bytesOut
			}
		}
		if err != nil {
			break
		}
	}

	if flavor == frame.HTTP2 && len(resp.Trailer) > 0 {
		_ = d.Channel.Send(frame.Frame{Event: frame.ResTrailers, ReqID: reqID, Trailers: toFrameHeaders(resp.Trailer)})
	}
	_ = d.Channel.Send(frame.Frame{Event: frame.ResEnd, ReqID: reqID})
	return bytesOut
}

// serveUpgrade handles a WebSocket-upgrade REQUEST by dialing the local
// origin's raw TCP socket directly (plain TCP; TLS origins are not dialed
// here), relaying the origin's response head as a RESPONSE frame, and then
// splicing bytes in both directions, the agent-side mirror of
// internal/edge's own serveWebSocket.
func (d *Dispatcher) serveUpgrade(reqID uuid.UUID, desc *frame.RequestDescriptor, stream *streamreg.Stream, route *Route) {
	nc, err := net.DialTimeout("tcp", route.Origin.cfg.addr(), dialTimeout)
	if err != nil {
		d.sendError(reqID, fmt.Sprintf("local origin dial: %v", err))
		d.drain(stream)
		return
	}
	defer nc.Close()

	var reqLine strings.Builder
	fmt.Fprintf(&reqLine, "%s %s HTTP/1.1\r\n", desc.Method, desc.Path)
	fmt.Fprintf(&reqLine, "Host: %s\r\n", route.Origin.cfg.addr())
	for _, kv := range desc.Headers {
		fmt.Fprintf(&reqLine, "%s: %s\r\n", kv.Name, kv.Value)
	}
	reqLine.WriteString("\r\n")
	if _, err := nc.Write([]byte(reqLine.String())); err != nil {
		d.sendError(reqID, fmt.Sprintf("local origin write: %v", err))
		d.drain(stream)
		return
	}

	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		d.sendError(reqID, fmt.Sprintf("local origin response: %v", err))
		d.drain(stream)
		return
	}
	_ = d.Channel.Send(frame.Frame{Event: frame.Response, ReqID: reqID, Response: &frame.ResponseDescriptor{
		StatusCode:    resp.StatusCode,
		StatusMessage: strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)),
		Headers:       toFrameHeaders(resp.Header),
	}})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, maxChunk)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if sendErr := d.Channel.Send(frame.Frame{Event: frame.ResData, ReqID: reqID, Data: chunk}); sendErr != nil {
					return
				}
			}
			if err != nil {
				_ = d.Channel.Send(frame.Frame{Event: frame.ResEnd, ReqID: reqID})
				return
			}
		}
	}()

	for f := range stream.Frames {
		switch f.Event {
		case frame.ReqData:
			if _, err := nc.Write(f.Data); err != nil {
				nc.Close()
			}
		case frame.ReqEnd, frame.ReqError:
			nc.Close()
		}
	}
	<-readerDone
}

// drain discards frames for a request this dispatcher cannot serve (no
// matching route, or the local origin is unreachable) until the request
// side reaches one of its two terminal frames (spec.md §8's request-side
// grammar: REQUEST, (REQ_DATA|REQ_DATA_BATCH)*, REQ_END|REQ_ERROR). It must
// not simply range until the channel closes: the stream is only closed by
// Streams.Close, deferred in serve() until after drain returns, which would
// otherwise deadlock forever on a request nobody is going to finish sending.
func (d *Dispatcher) drain(stream *streamreg.Stream) {
	for f := range stream.Frames {
		if f.Event == frame.ReqEnd || f.Event == frame.ReqError {
			return
		}
	}
}

func (d *Dispatcher) sendError(reqID uuid.UUID, msg string) {
	if err := d.Channel.Send(frame.Frame{Event: frame.ResError, ReqID: reqID, Message: msg}); err != nil {
		d.Logger.Warn("agentside: failed to send RES_ERROR", "error", err)
	}
}

func (d *Dispatcher) record(pathPrefix string, desc *frame.RequestDescriptor, status int, dur time.Duration, bytesIn, bytesOut int64, err error) {
	if d.Recorder == nil {
		return
	}
	rr := RequestRecord{
		PathPrefix: pathPrefix,
		Method:     desc.Method,
		Path:       desc.Path,
		Status:     status,
		Duration:   dur,
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
	}
	if err != nil {
		rr.Err = err.Error()
	}
	d.Recorder.RecordRequest(rr)
}

func toFrameHeaders(h http.Header) frame.Headers {
	hdrs := make(frame.Headers, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			hdrs = append(hdrs, frame.Header{Name: name, Value: v})
		}
	}
	return hdrs
}

func isUpgrade(h frame.Headers) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket")
}

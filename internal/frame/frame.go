// Package frame implements the wire codec for tunnel events: the typed,
// request-scoped messages that flow over one control channel between an edge
// and an agent (see the frame table in SPEC_FULL.md §6).
//
// Every frame except PING/PONG carries a request ID that both ends use to
// demultiplex concurrent, interleaved requests onto the same channel. Frames
// for one request ID are always emitted in order by the writer side of a
// channel (internal/channel); this package only encodes and decodes the byte
// layout of a single frame, it does not sequence anything.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Event names the kind of a frame, matching the table in SPEC_FULL.md §6.
type Event uint8

const (
	_ Event = iota
	Request
	ReqData
	ReqDataBatch
	ReqEnd
	ReqError
	Response
	ResData
	ResDataBatch
	ResEnd
	ResError
	ResTrailers
	Ping
	Pong
)

func (e Event) String() string {
	switch e {
	case Request:
		return "REQUEST"
	case ReqData:
		return "REQ_DATA"
	case ReqDataBatch:
		return "REQ_DATA_BATCH"
	case ReqEnd:
		return "REQ_END"
	case ReqError:
		return "REQ_ERROR"
	case Response:
		return "RESPONSE"
	case ResData:
		return "RES_DATA"
	case ResDataBatch:
		return "RES_DATA_BATCH"
	case ResEnd:
		return "RES_END"
	case ResError:
		return "RES_ERROR"
	case ResTrailers:
		return "RES_TRAILERS"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	default:
		return fmt.Sprintf("EVENT(%d)", uint8(e))
	}
}

// Flavor is which HTTP major version a tunneled request is carried as,
// end-to-end. See the GLOSSARY in spec.md.
type Flavor uint8

const (
	HTTP1 Flavor = iota
	HTTP2
)

// Header is one name/value pair. Name is ASCII; Value may contain any byte
// except NUL, CR, LF (spec.md §4.1).
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered multimap — duplicate names are preserved in order,
// matching net/http.Header's wire behavior for repeated headers.
type Headers []Header

// Get returns the first value for name (case-sensitive; callers normalize
// case before calling), or "" if absent.
func (h Headers) Get(name string) string {
	for _, kv := range h {
		if kv.Name == name {
			return kv.Value
		}
	}
	return ""
}

// RequestDescriptor is sent once per request, inside a Request frame.
type RequestDescriptor struct {
	Method  string
	Path    string // URI reference including query
	Headers Headers
	Flavor  Flavor
}

// ResponseDescriptor is sent once per response, inside a Response frame.
type ResponseDescriptor struct {
	StatusCode    int
	StatusMessage string
	Headers       Headers
}

// Frame is one decoded wire message. Only the fields relevant to Event are
// populated; see the table in SPEC_FULL.md §6.
type Frame struct {
	Event Event
	ReqID uuid.UUID // zero value for Ping/Pong

	Request  *RequestDescriptor
	Response *ResponseDescriptor
	Data     []byte
	Batch    [][]byte
	Message  string // REQ_ERROR / RES_ERROR payload
	Trailers Headers
}

// hasReqID reports whether e's wire layout includes a 16-byte request id.
func (e Event) hasReqID() bool {
	return e != Ping && e != Pong
}

// Marshal encodes f into its wire representation: one application-level
// message, meant to be sent as a single WebSocket binary frame so that the
// transport's own message boundaries delimit frames (internal/wsproto).
func Marshal(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(f.Event))

	if f.Event.hasReqID() {
		idBytes := f.ReqID
		buf.Write(idBytes[:])
	}

	switch f.Event {
	case Request:
		if f.Request == nil {
			return nil, errors.New("frame: REQUEST missing descriptor")
		}
		writeString(&buf, f.Request.Method)
		writeString(&buf, f.Request.Path)
		buf.WriteByte(byte(f.Request.Flavor))
		writeHeaders(&buf, f.Request.Headers)

	case Response:
		if f.Response == nil {
			return nil, errors.New("frame: RESPONSE missing descriptor")
		}
		writeUint32(&buf, uint32(f.Response.StatusCode))
		writeString(&buf, f.Response.StatusMessage)
		writeHeaders(&buf, f.Response.Headers)

	case ReqData, ResData:
		writeBytes(&buf, f.Data)

	case ReqDataBatch, ResDataBatch:
		writeUint32(&buf, uint32(len(f.Batch)))
		for _, chunk := range f.Batch {
			writeBytes(&buf, chunk)
		}

	case ReqEnd, ResEnd, Ping, Pong:
		// no body

	case ReqError, ResError:
		writeString(&buf, f.Message)

	case ResTrailers:
		writeHeaders(&buf, f.Trailers)

	default:
		return nil, fmt.Errorf("frame: unknown event %d", f.Event)
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes one frame from a full message payload (the inverse of
// Marshal). It returns an error if raw is truncated or malformed; it never
// panics on attacker-controlled input.
func Unmarshal(raw []byte) (Frame, error) {
	r := &reader{buf: raw}

	evByte, err := r.byte_()
	if err != nil {
		return Frame{}, fmt.Errorf("frame: read event: %w", err)
	}
	f := Frame{Event: Event(evByte)}

	if f.Event.hasReqID() {
		idBytes, err := r.take(16)
		if err != nil {
			return Frame{}, fmt.Errorf("frame: read reqID: %w", err)
		}
		copy(f.ReqID[:], idBytes)
	}

	switch f.Event {
	case Request:
		method, err := r.string_()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: REQUEST method: %w", err)
		}
		path, err := r.string_()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: REQUEST path: %w", err)
		}
		flavorByte, err := r.byte_()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: REQUEST flavor: %w", err)
		}
		hdrs, err := r.headers()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: REQUEST headers: %w", err)
		}
		f.Request = &RequestDescriptor{Method: method, Path: path, Flavor: Flavor(flavorByte), Headers: hdrs}

	case Response:
		status, err := r.uint32_()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: RESPONSE status: %w", err)
		}
		msg, err := r.string_()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: RESPONSE message: %w", err)
		}
		hdrs, err := r.headers()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: RESPONSE headers: %w", err)
		}
		f.Response = &ResponseDescriptor{StatusCode: int(status), StatusMessage: msg, Headers: hdrs}

	case ReqData, ResData:
		data, err := r.bytes_()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: %s data: %w", f.Event, err)
		}
		f.Data = data

	case ReqDataBatch, ResDataBatch:
		count, err := r.uint32_()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: %s count: %w", f.Event, err)
		}
		if count > maxBatchChunks {
			return Frame{}, fmt.Errorf("frame: %s count %d exceeds limit", f.Event, count)
		}
		batch := make([][]byte, 0, count)
		for i := uint32(0); i < count; i++ {
			chunk, err := r.bytes_()
			if err != nil {
				return Frame{}, fmt.Errorf("frame: %s chunk %d: %w", f.Event, i, err)
			}
			batch = append(batch, chunk)
		}
		f.Batch = batch

	case ReqEnd, ResEnd, Ping, Pong:
		// no body

	case ReqError, ResError:
		msg, err := r.string_()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: %s message: %w", f.Event, err)
		}
		f.Message = msg

	case ResTrailers:
		hdrs, err := r.headers()
		if err != nil {
			return Frame{}, fmt.Errorf("frame: RES_TRAILERS: %w", err)
		}
		f.Trailers = hdrs

	default:
		return Frame{}, fmt.Errorf("frame: unknown event %d", f.Event)
	}

	return f, nil
}

// maxBatchChunks bounds REQ_DATA_BATCH/RES_DATA_BATCH decoding so a malformed
// or hostile peer cannot force an unbounded allocation from a single count
// field.
const maxBatchChunks = 1 << 16

// --- low-level writers ---------------------------------------------------

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeHeaders(buf *bytes.Buffer, h Headers) {
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(h)))
	buf.Write(cnt[:])
	for _, kv := range h {
		var nl [2]byte
		binary.BigEndian.PutUint16(nl[:], uint16(len(kv.Name)))
		buf.Write(nl[:])
		buf.WriteString(kv.Name)
		writeString(buf, kv.Value)
	}
}

// --- low-level reader ------------------------------------------------------

// reader is a bounds-checked cursor over a decode buffer. Every accessor
// returns an error instead of panicking on a truncated or oversized input.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, io_ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) byte_() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint32_() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint16_() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// maxFieldLen bounds any single length-prefixed field decoded from the wire.
const maxFieldLen = 64 << 20 // 64 MiB

func (r *reader) bytes_() ([]byte, error) {
	n, err := r.uint32_()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("field length %d exceeds limit", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *reader) string_() (string, error) {
	b, err := r.bytes_()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) headers() (Headers, error) {
	n, err := r.uint16_()
	if err != nil {
		return nil, err
	}
	hdrs := make(Headers, 0, n)
	for i := uint16(0); i < n; i++ {
		nl, err := r.uint16_()
		if err != nil {
			return nil, err
		}
		nameBytes, err := r.take(int(nl))
		if err != nil {
			return nil, err
		}
		value, err := r.string_()
		if err != nil {
			return nil, err
		}
		hdrs = append(hdrs, Header{Name: string(nameBytes), Value: value})
	}
	return hdrs, nil
}

var io_ErrUnexpectedEOF = errors.New("frame: unexpected end of buffer")

// NewReqID mints a fresh request id, scoped to the lifetime of one control
// channel (spec.md §3).
func NewReqID() uuid.UUID {
	return uuid.New()
}

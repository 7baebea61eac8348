package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	// DefaultMaxHeaderBytes bounds the request line plus header block.
	DefaultMaxHeaderBytes = 8192
	// DefaultMaxChunkSize bounds the size of one body event.
	DefaultMaxChunkSize = 8192

	maxChunkLineBytes = 4096
)

// RequestHead is a decoded request line and header block.
type RequestHead struct {
	Method     string
	RequestURI string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	// ContentLength is the declared body length, -1 for a chunked body.
	ContentLength int64
	Chunked       bool
	// Close is set when the connection must not be reused after this exchange.
	Close bool
}

// DecodeError is a malformed request. Status is the response code that
// should be sent before the connection is closed.
type DecodeError struct {
	Status int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transport: %d %s: %s", e.Status, http.StatusText(e.Status), e.Reason)
}

func badRequest(format string, args ...any) *DecodeError {
	return &DecodeError{Status: http.StatusBadRequest, Reason: fmt.Sprintf(format, args...)}
}

// Sink receives decoded events. Every head is followed by one or more body
// events, the last with final set; a request without a body gets a single
// empty final event. Body slices alias the input and are only valid for the
// duration of the call.
type Sink interface {
	OnHead(h *RequestHead) error
	OnBody(p []byte, final bool) error
}

type decodeState int

const (
	stateHead decodeState = iota
	stateFixedBody
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
	stateDone // connection is closing; input is discarded
	stateBroken
)

// Decoder is an incremental HTTP/1.1 request decoder. It accepts input in
// arbitrary fragments and handles pipelined requests. It is not safe for
// concurrent use.
type Decoder struct {
	maxHeaderBytes int
	maxChunkSize   int

	state     decodeState
	buf       []byte // partial head, chunk-size line or trailer
	remaining int64
	closeNext bool
	err       error
}

// NewDecoder returns a decoder. Non-positive limits select the defaults.
func NewDecoder(maxHeaderBytes, maxChunkSize int) *Decoder {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	return &Decoder{maxHeaderBytes: maxHeaderBytes, maxChunkSize: maxChunkSize}
}

// InBody reports whether the decoder is in the middle of a request body.
func (d *Decoder) InBody() bool {
	switch d.state {
	case stateFixedBody, stateChunkSize, stateChunkData, stateChunkDataEnd, stateTrailer:
		return true
	}
	return false
}

// Feed consumes p. A returned *DecodeError is sticky: later calls return it
// again. Errors returned by the sink stop decoding and are passed through.
func (d *Decoder) Feed(p []byte, s Sink) error {
	if d.err != nil {
		return d.err
	}
	for len(p) > 0 {
		var n int
		var err error
		switch d.state {
		case stateHead:
			n, err = d.feedHead(p, s)
		case stateFixedBody:
			n, err = d.feedFixed(p, s)
		case stateChunkSize:
			n, err = d.feedChunkSize(p)
		case stateChunkData:
			n, err = d.feedChunkData(p, s)
		case stateChunkDataEnd:
			n, err = d.feedChunkDataEnd(p)
		case stateTrailer:
			n, err = d.feedTrailer(p, s)
		case stateDone:
			return nil
		default:
			return d.err
		}
		if err != nil {
			if de, ok := err.(*DecodeError); ok {
				d.state = stateBroken
				d.err = de
				d.buf = nil
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

func (d *Decoder) feedHead(p []byte, s Sink) (int, error) {
	// Leading empty lines before a request line are ignored.
	if len(d.buf) == 0 {
		skipped := 0
		for skipped < len(p) && (p[skipped] == '\r' || p[skipped] == '\n') {
			skipped++
		}
		if skipped > 0 {
			return skipped, nil
		}
	}

	prev := len(d.buf)
	d.buf = append(d.buf, p...)
	end := bytes.Index(d.buf, []byte("\r\n\r\n"))
	if end < 0 {
		if len(d.buf) > d.maxHeaderBytes {
			return 0, &DecodeError{Status: http.StatusRequestHeaderFieldsTooLarge, Reason: "header block too large"}
		}
		return len(p), nil
	}
	end += 4
	if end > d.maxHeaderBytes {
		return 0, &DecodeError{Status: http.StatusRequestHeaderFieldsTooLarge, Reason: "header block too large"}
	}
	consumed := end - prev
	head, err := parseHead(d.buf[:end])
	d.buf = d.buf[:0]
	if err != nil {
		return 0, err
	}
	if head.Close {
		d.closeNext = true
	}
	if err := s.OnHead(head); err != nil {
		return 0, err
	}

	switch {
	case head.Chunked:
		d.state = stateChunkSize
	case head.ContentLength > 0:
		d.state = stateFixedBody
		d.remaining = head.ContentLength
	default:
		if err := d.endMessage(s, nil); err != nil {
			return 0, err
		}
	}
	return consumed, nil
}

// endMessage delivers the final body event and readies the next request.
func (d *Decoder) endMessage(s Sink, last []byte) error {
	if d.closeNext {
		d.state = stateDone
	} else {
		d.state = stateHead
	}
	return s.OnBody(last, true)
}

func (d *Decoder) feedFixed(p []byte, s Sink) (int, error) {
	n := len(p)
	if int64(n) > d.remaining {
		n = int(d.remaining)
	}
	if n > d.maxChunkSize {
		n = d.maxChunkSize
	}
	d.remaining -= int64(n)
	if d.remaining == 0 {
		return n, d.endMessage(s, p[:n])
	}
	return n, s.OnBody(p[:n], false)
}

// readLine accumulates one CRLF-terminated line into d.buf. ok is false when
// more input is needed.
func (d *Decoder) readLine(p []byte) (line []byte, n int, ok bool, err error) {
	i := bytes.IndexByte(p, '\n')
	if i < 0 {
		d.buf = append(d.buf, p...)
		if len(d.buf) > maxChunkLineBytes {
			return nil, 0, false, badRequest("chunk line too long")
		}
		return nil, len(p), false, nil
	}
	d.buf = append(d.buf, p[:i+1]...)
	if len(d.buf) > maxChunkLineBytes {
		return nil, 0, false, badRequest("chunk line too long")
	}
	line = d.buf
	d.buf = d.buf[:0]
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, 0, false, badRequest("chunk line not terminated by CRLF")
	}
	return line[:len(line)-2], i + 1, true, nil
}

func (d *Decoder) feedChunkSize(p []byte) (int, error) {
	line, n, ok, err := d.readLine(p)
	if err != nil || !ok {
		return n, err
	}
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	// Chunk sizes are bare hex digits; a sign is malformed.
	usize, perr := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 63)
	if perr != nil {
		return 0, badRequest("invalid chunk size %q", line)
	}
	size := int64(usize)
	if size == 0 {
		d.state = stateTrailer
	} else {
		d.state = stateChunkData
		d.remaining = size
	}
	return n, nil
}

func (d *Decoder) feedChunkData(p []byte, s Sink) (int, error) {
	n := len(p)
	if int64(n) > d.remaining {
		n = int(d.remaining)
	}
	if n > d.maxChunkSize {
		n = d.maxChunkSize
	}
	d.remaining -= int64(n)
	if d.remaining == 0 {
		d.state = stateChunkDataEnd
	}
	return n, s.OnBody(p[:n], false)
}

func (d *Decoder) feedChunkDataEnd(p []byte) (int, error) {
	line, n, ok, err := d.readLine(p)
	if err != nil || !ok {
		return n, err
	}
	if len(line) != 0 {
		return 0, badRequest("missing CRLF after chunk data")
	}
	d.state = stateChunkSize
	return n, nil
}

// Trailer fields are read and dropped.
func (d *Decoder) feedTrailer(p []byte, s Sink) (int, error) {
	line, n, ok, err := d.readLine(p)
	if err != nil || !ok {
		return n, err
	}
	if len(line) != 0 {
		return n, nil
	}
	return n, d.endMessage(s, nil)
}

func parseHead(raw []byte) (*RequestHead, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	line, err := tp.ReadLine()
	if err != nil {
		return nil, badRequest("reading request line: %v", err)
	}
	method, rest, ok1 := strings.Cut(line, " ")
	uri, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || uri == "" {
		return nil, badRequest("malformed request line %q", line)
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, badRequest("invalid method %q", method)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, badRequest("malformed HTTP version %q", proto)
	}
	if major != 1 {
		return nil, &DecodeError{Status: http.StatusHTTPVersionNotSupported, Reason: proto}
	}
	if uri[0] != '/' && uri != "*" && !strings.Contains(uri, "://") {
		return nil, badRequest("invalid request target %q", uri)
	}

	mh, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, badRequest("reading headers: %v", err)
	}
	header := http.Header(mh)
	for name, values := range header {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, badRequest("invalid header name %q", name)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, badRequest("invalid value for header %q", name)
			}
		}
	}

	h := &RequestHead{
		Method:     method,
		RequestURI: uri,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     header,
	}
	if minor >= 1 && len(header["Host"]) != 1 {
		return nil, badRequest("HTTP/1.1 request needs exactly one Host header")
	}

	conn := header["Connection"]
	if minor == 0 {
		h.Close = !httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	} else {
		h.Close = httpguts.HeaderValuesContainsToken(conn, "close")
	}

	te := header["Transfer-Encoding"]
	cl := header["Content-Length"]
	if len(te) > 0 {
		if len(cl) > 0 {
			return nil, badRequest("both Transfer-Encoding and Content-Length present")
		}
		if minor == 0 {
			return nil, badRequest("Transfer-Encoding in an HTTP/1.0 request")
		}
		if len(te) != 1 || !strings.EqualFold(strings.TrimSpace(te[0]), "chunked") {
			return nil, &DecodeError{Status: http.StatusNotImplemented, Reason: "unsupported transfer coding " + strings.Join(te, ", ")}
		}
		h.Chunked = true
		h.ContentLength = -1
		return h, nil
	}
	if len(cl) > 0 {
		first := strings.TrimSpace(cl[0])
		for _, v := range cl[1:] {
			if strings.TrimSpace(v) != first {
				return nil, badRequest("conflicting Content-Length values")
			}
		}
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil || n < 0 || first[0] == '+' {
			return nil, badRequest("invalid Content-Length %q", first)
		}
		h.ContentLength = n
	}
	return h, nil
}

// Response renders the minimal reply sent before closing on a decode failure.
func (e *DecodeError) Response() []byte {
	text := http.StatusText(e.Status)
	return []byte("HTTP/1.1 " + strconv.Itoa(e.Status) + " " + text +
		"\r\nConnection: close\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: " +
		strconv.Itoa(len(text)+1) + "\r\n\r\n" + text + "\n")
}

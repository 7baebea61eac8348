// Package response implements the outbound HTTP/1.1 body stream of an exchange.
//
// Handler bytes go through a bufio.Writer into a chunkWriter. The first time
// bytes leave that buffer (overflow, Flush or Close) the response commits:
// the framing mode is chosen and the header frame is written to the Sink.
package response

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http/httpguts"
)

// DefaultBufferSize is the body buffer size used when Options.BufferSize is zero.
const DefaultBufferSize = 8192

// Sink is the transport side of a response: bytes written are queued on the
// connection and become visible to the peer on Flush.
type Sink interface {
	io.Writer
	Flush() error
}

// Head supplies the status line and headers at commit time.
type Head interface {
	StatusCode() int
	Header() http.Header
	// ContentLength returns the declared body length, or -1 if unknown.
	ContentLength() int64
}

// Options describe the exchange the writer serves.
type Options struct {
	Method     string
	ProtoMinor int // 0 for HTTP/1.0 requests, which cannot receive chunked bodies
	KeepAlive  bool
	ServerInfo string
	BufferSize int
	// Gzip compresses bodies of unknown length. Set only when the request
	// accepted gzip and compression is enabled.
	Gzip bool
}

type framing int

const (
	framingNone    framing = iota // bodyless status or HEAD
	framingFixed                  // Content-Length
	framingChunked                // Transfer-Encoding: chunked
	framingClose                  // delimited by connection close (HTTP/1.0)
)

// Writer is the response body stream. It is safe for use by one handler
// goroutine plus a concurrent Close from an async completion.
type Writer struct {
	mu   sync.Mutex
	sink Sink
	head Head
	opts Options

	bw *bufio.Writer
	gz *gzip.Writer

	committed bool
	closed    bool
	mode      framing
	declared  int64 // -1 when unknown
	written   int64 // handler body bytes accepted
	sent      int64 // body bytes on the wire, after compression and before framing
	keepAlive bool
	status    int
}

// NewWriter returns a writer that commits head to sink on first flush.
func NewWriter(sink Sink, head Head, opts Options) *Writer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	w := &Writer{sink: sink, head: head, opts: opts, declared: -1}
	w.bw = bufio.NewWriterSize(chunkWriter{w}, opts.BufferSize)
	return w
}

// chunkWriter receives bytes leaving the body buffer.
type chunkWriter struct{ w *Writer }

func (cw chunkWriter) Write(p []byte) (int, error) {
	return cw.w.writeChunk(p)
}

// Write buffers p. Bytes beyond a declared Content-Length are rejected as a whole.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWriterClosed
	}
	if dl := w.declaredLength(); dl >= 0 && w.written+int64(len(p)) > dl {
		return 0, ErrContentLengthExceeded
	}
	n, err := w.bw.Write(p)
	w.written += int64(n)
	return n, err
}

// WriteString is Write for strings.
func (w *Writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// WriteByte buffers a single byte.
func (w *Writer) WriteByte(c byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if dl := w.declaredLength(); dl >= 0 && w.written+1 > dl {
		return ErrContentLengthExceeded
	}
	if err := w.bw.WriteByte(c); err != nil {
		return err
	}
	w.written++
	return nil
}

// Flush commits the response if needed and pushes buffered bytes to the peer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if !w.committed {
		if _, err := w.writeChunk(nil); err != nil {
			return err
		}
	}
	if w.gz != nil {
		if err := w.gz.Flush(); err != nil {
			return err
		}
	}
	return w.sink.Flush()
}

// Close commits the response, terminates the body framing and flushes. It is
// idempotent; the chunked terminator is written at most once. When nothing
// has been flushed yet the whole body is still buffered, so fixed framing
// with the buffered length is used.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if !w.committed {
		buffered := w.bw.Buffered()
		if _, err := w.commit(int64(buffered), true); err != nil {
			return err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if w.gz != nil {
		err := w.gz.Close()
		putGzip(w.gz)
		w.gz = nil
		if err != nil {
			return err
		}
	}
	if w.mode == framingChunked {
		if _, err := io.WriteString(w.sink, "0\r\n\r\n"); err != nil {
			return err
		}
	}
	if err := w.sink.Flush(); err != nil {
		return err
	}
	if w.mode == framingFixed && w.written < w.declared {
		w.keepAlive = false
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrContentLengthShort, w.written, w.declared)
	}
	return nil
}

// Reset discards buffered body bytes. It fails once the response is committed.
func (w *Writer) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.committed {
		return ErrCommitted
	}
	if w.closed {
		return ErrWriterClosed
	}
	w.bw.Reset(chunkWriter{w})
	w.written = 0
	return nil
}

// SetBufferSize replaces the body buffer. Only allowed before any body byte is written.
func (w *Writer) SetBufferSize(n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.committed || w.written > 0 {
		return ErrCommitted
	}
	if n <= 0 {
		n = DefaultBufferSize
	}
	w.opts.BufferSize = n
	w.bw = bufio.NewWriterSize(chunkWriter{w}, n)
	return nil
}

func (w *Writer) BufferSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opts.BufferSize
}

// Committed reports whether the header frame has been written.
func (w *Writer) Committed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// Closed reports whether Close has been called.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// KeepAlive reports whether the connection may carry another exchange after
// this response. Only meaningful once committed.
func (w *Writer) KeepAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed && w.keepAlive
}

// Status returns the committed status code, or 0 before commit.
func (w *Writer) Status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// BytesSent returns the number of body bytes written to the sink, excluding framing.
func (w *Writer) BytesSent() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent
}

func (w *Writer) declaredLength() int64 {
	if w.committed {
		return w.declared
	}
	return w.head.ContentLength()
}

// writeChunk is called with w.mu held, either by bufio on overflow or flush.
func (w *Writer) writeChunk(p []byte) (int, error) {
	if !w.committed {
		if _, err := w.commit(-1, false); err != nil {
			return 0, err
		}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if w.gz != nil {
		return w.gz.Write(p)
	}
	return w.writeFramed(p)
}

// framedWriter is what the gzip writer writes into.
type framedWriter struct{ w *Writer }

func (fw framedWriter) Write(p []byte) (int, error) { return fw.w.writeFramed(p) }

func (w *Writer) writeFramed(p []byte) (int, error) {
	switch w.mode {
	case framingNone:
		return len(p), nil
	case framingChunked:
		if _, err := fmt.Fprintf(w.sink, "%x\r\n", len(p)); err != nil {
			return 0, err
		}
		n, err := w.sink.Write(p)
		w.sent += int64(n)
		if err != nil {
			return n, err
		}
		if _, err := io.WriteString(w.sink, "\r\n"); err != nil {
			return n, err
		}
		return n, nil
	default:
		n, err := w.sink.Write(p)
		w.sent += int64(n)
		return n, err
	}
}

// commit picks the framing and writes the header frame. knownLength is the
// complete body length when the caller knows it (Close before any flush),
// otherwise -1.
func (w *Writer) commit(knownLength int64, closing bool) (int, error) {
	w.committed = true
	status := w.head.StatusCode()
	if status == 0 {
		status = http.StatusOK
	}
	w.status = status
	h := w.head.Header().Clone()
	if h == nil {
		h = http.Header{}
	}
	w.keepAlive = w.opts.KeepAlive && !httpguts.HeaderValuesContainsToken(h["Connection"], "close")

	declared := w.head.ContentLength()
	bodyless := status < 200 || status == http.StatusNoContent || status == http.StatusNotModified
	isHead := w.opts.Method == http.MethodHead

	switch {
	case bodyless:
		w.mode = framingNone
		h.Del("Content-Length")
		h.Del("Transfer-Encoding")
	case isHead:
		w.mode = framingNone
		h.Del("Transfer-Encoding")
		if declared >= 0 {
			h.Set("Content-Length", strconv.FormatInt(declared, 10))
		} else if closing && knownLength > 0 {
			h.Set("Content-Length", strconv.FormatInt(knownLength, 10))
		}
	case declared >= 0:
		w.mode = framingFixed
		w.declared = declared
		h.Set("Content-Length", strconv.FormatInt(declared, 10))
		h.Del("Transfer-Encoding")
	case w.opts.Gzip && h.Get("Content-Encoding") == "" && !(closing && knownLength == 0):
		if w.opts.ProtoMinor == 0 {
			w.mode = framingClose
			w.keepAlive = false
		} else {
			w.mode = framingChunked
			h.Set("Transfer-Encoding", "chunked")
		}
		h.Del("Content-Length")
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		w.gz = getGzip(framedWriter{w})
	case knownLength >= 0:
		w.mode = framingFixed
		w.declared = knownLength
		h.Set("Content-Length", strconv.FormatInt(knownLength, 10))
		h.Del("Transfer-Encoding")
	case w.opts.ProtoMinor == 0:
		w.mode = framingClose
		w.keepAlive = false
		h.Del("Content-Length")
	default:
		w.mode = framingChunked
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
	}

	if !w.keepAlive {
		h.Set("Connection", "close")
	} else if w.opts.ProtoMinor == 0 {
		h.Set("Connection", "keep-alive")
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if w.opts.ServerInfo != "" && h.Get("Server") == "" {
		h.Set("Server", w.opts.ServerInfo)
	}
	return writeHead(w.sink, status, h)
}

func writeHead(sink io.Writer, status int, h http.Header) (int, error) {
	var sb strings.Builder
	text := http.StatusText(status)
	if text == "" {
		text = "status code " + strconv.Itoa(status)
	}
	fmt.Fprintf(&sb, "HTTP/1.1 %03d %s\r\n", status, text)
	if err := h.Write(&sb); err != nil {
		return 0, err
	}
	sb.WriteString("\r\n")
	return io.WriteString(sink, sb.String())
}

// WriteContinue sends an interim 100 Continue and flushes it.
func WriteContinue(sink Sink) error {
	if _, err := io.WriteString(sink, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return sink.Flush()
}

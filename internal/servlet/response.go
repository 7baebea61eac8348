package servlet

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"example.com/bridgehttp/v2/internal/response"
)

// Response is the outbound side of an exchange. Status, headers and the
// declared content length are read when the body writer commits.
type Response struct {
	mu            sync.Mutex
	status        int
	header        http.Header
	contentLength int64
	accept        string
	errorSent     bool

	w *response.Writer
}

// NewResponse returns a response writing to sink. req supplies the Accept
// header used to negotiate error pages and may be nil.
func NewResponse(sink response.Sink, req *Request, opts response.Options) *Response {
	r := &Response{
		status:        http.StatusOK,
		header:        http.Header{},
		contentLength: -1,
	}
	if req != nil {
		r.accept = req.Header.Get("Accept")
	}
	r.w = response.NewWriter(sink, r, opts)
	return r
}

// StatusCode implements response.Head.
func (r *Response) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Header returns the header map. Changes after commit have no effect.
func (r *Response) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

// ContentLength implements response.Head.
func (r *Response) ContentLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentLength
}

// SetStatus sets the status code. Ignored once committed.
func (r *Response) SetStatus(code int) {
	if r.w.Committed() {
		return
	}
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

// SetContentLength declares the body length; -1 means unknown.
func (r *Response) SetContentLength(n int64) {
	if r.w.Committed() {
		return
	}
	if n < 0 {
		n = -1
	}
	r.mu.Lock()
	r.contentLength = n
	r.mu.Unlock()
}

// SetContentType is a shorthand for Header().Set("Content-Type", ct).
func (r *Response) SetContentType(ct string) {
	r.Header().Set("Content-Type", ct)
}

func (r *Response) Write(p []byte) (int, error)        { return r.w.Write(p) }
func (r *Response) WriteString(s string) (int, error) { return r.w.WriteString(s) }
func (r *Response) WriteByte(c byte) error             { return r.w.WriteByte(c) }
func (r *Response) Flush() error                       { return r.w.Flush() }

// Close finishes the body. Idempotent.
func (r *Response) Close() error { return r.w.Close() }

// Committed reports whether the status line and headers were sent.
func (r *Response) Committed() bool { return r.w.Committed() }

// Writer exposes the underlying body writer.
func (r *Response) Writer() *response.Writer { return r.w }

// SetBufferSize resizes the body buffer before any body byte is written.
func (r *Response) SetBufferSize(n int) error {
	if err := r.w.SetBufferSize(n); err != nil {
		return ErrCommitted
	}
	return nil
}

// ResetBuffer discards buffered body bytes, keeping status and headers.
func (r *Response) ResetBuffer() error {
	if err := r.w.Reset(); err != nil {
		if errors.Is(err, response.ErrCommitted) {
			return ErrCommitted
		}
		return err
	}
	return nil
}

// Reset discards the buffered body along with status, headers and content length.
func (r *Response) Reset() error {
	if err := r.ResetBuffer(); err != nil {
		return err
	}
	r.mu.Lock()
	r.status = http.StatusOK
	r.header = http.Header{}
	r.contentLength = -1
	r.errorSent = false
	r.mu.Unlock()
	return nil
}

// SendError replaces any buffered output with an error page negotiated on
// the request's Accept header. The response stays open; the container
// closes it when the exchange ends.
func (r *Response) SendError(code int, detail string) error {
	if err := r.Reset(); err != nil {
		return err
	}
	body, contentType := errorPage(code, r.accept, detail)

	r.mu.Lock()
	r.status = code
	r.header.Set("Content-Type", contentType)
	r.header.Set("Content-Length", strconv.Itoa(len(body)))
	r.header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	r.header.Set("Pragma", "no-cache")
	r.header.Set("Expires", "0")
	r.contentLength = int64(len(body))
	r.errorSent = true
	r.mu.Unlock()

	_, err := r.w.Write(body)
	return err
}

// ErrorSent reports whether SendError produced the current response.
func (r *Response) ErrorSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorSent
}

package response

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	buf     bytes.Buffer
	flushed int // bytes visible to the peer
	flushes int
}

func (s *mockSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *mockSink) Flush() error {
	s.flushes++
	s.flushed = s.buf.Len()
	return nil
}

func (s *mockSink) visible() string { return s.buf.String()[:s.flushed] }

type mockHead struct {
	status int
	header http.Header
	length int64
}

func newHead() *mockHead {
	return &mockHead{status: http.StatusOK, header: http.Header{}, length: -1}
}

func (h *mockHead) StatusCode() int      { return h.status }
func (h *mockHead) Header() http.Header  { return h.header }
func (h *mockHead) ContentLength() int64 { return h.length }

// parse reads the sink as a single HTTP/1.1 response.
func parse(t *testing.T, s *mockSink, method string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(s.buf.Bytes())), &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestWriter_CloseWithoutWritesUsesZeroLength(t *testing.T) {
	s := &mockSink{}
	w := NewWriter(s, newHead(), Options{Method: "GET", ProtoMinor: 1, KeepAlive: true, ServerInfo: "bridgehttp"})
	require.NoError(t, w.Close())

	resp, body := parse(t, s, "GET")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
	assert.Empty(t, body)
	assert.Equal(t, "bridgehttp", resp.Header.Get("Server"))
	assert.NotEmpty(t, resp.Header.Get("Date"))
	assert.True(t, w.KeepAlive())
}

func TestWriter_BufferedBodyIsInvisibleUntilFlush(t *testing.T) {
	s := &mockSink{}
	w := NewWriter(s, newHead(), Options{Method: "GET", ProtoMinor: 1, KeepAlive: true})

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.buf.Len(), "bytes must stay buffered")
	assert.False(t, w.Committed())

	require.NoError(t, w.Flush())
	assert.True(t, w.Committed())
	assert.Contains(t, s.visible(), "Transfer-Encoding: chunked")
	assert.True(t, strings.HasSuffix(s.visible(), "5\r\nhello\r\n"))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, strings.Count(s.buf.String(), "0\r\n\r\n"), "terminal chunk written exactly once")

	_, body := parse(t, s, "GET")
	assert.Equal(t, "hello", string(body))
}

func TestWriter_CloseBeforeFlushUsesFixedLength(t *testing.T) {
	s := &mockSink{}
	w := NewWriter(s, newHead(), Options{Method: "GET", ProtoMinor: 1, KeepAlive: true})
	_, err := w.WriteString("small body")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, body := parse(t, s, "GET")
	assert.Equal(t, int64(len("small body")), resp.ContentLength)
	assert.Empty(t, resp.TransferEncoding)
	assert.Equal(t, "small body", string(body))
	assert.Equal(t, int64(10), w.BytesSent())
}

func TestWriter_OverflowCommitsChunked(t *testing.T) {
	s := &mockSink{}
	w := NewWriter(s, newHead(), Options{Method: "GET", ProtoMinor: 1, KeepAlive: true, BufferSize: 16})
	payload := strings.Repeat("x", 40)
	_, err := w.Write([]byte(payload))
	require.NoError(t, err)
	assert.True(t, w.Committed(), "writing past the buffer commits")
	require.NoError(t, w.Close())

	resp, body := parse(t, s, "GET")
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, payload, string(body))
}

func TestWriter_DeclaredContentLength(t *testing.T) {
	t.Run("exact", func(t *testing.T) {
		s := &mockSink{}
		h := newHead()
		h.length = 3
		w := NewWriter(s, h, Options{Method: "GET", ProtoMinor: 1, KeepAlive: true})
		for _, c := range []byte("abc") {
			require.NoError(t, w.WriteByte(c))
		}
		require.NoError(t, w.Flush())
		require.NoError(t, w.Close())
		resp, body := parse(t, s, "GET")
		assert.Equal(t, int64(3), resp.ContentLength)
		assert.Equal(t, "abc", string(body))
	})
	t.Run("exceeded", func(t *testing.T) {
		h := newHead()
		h.length = 2
		w := NewWriter(&mockSink{}, h, Options{Method: "GET", ProtoMinor: 1})
		_, err := w.Write([]byte("abc"))
		assert.ErrorIs(t, err, ErrContentLengthExceeded)
	})
	t.Run("short", func(t *testing.T) {
		h := newHead()
		h.length = 10
		w := NewWriter(&mockSink{}, h, Options{Method: "GET", ProtoMinor: 1, KeepAlive: true})
		_, err := w.Write([]byte("abc"))
		require.NoError(t, err)
		assert.ErrorIs(t, w.Close(), ErrContentLengthShort)
		assert.False(t, w.KeepAlive())
	})
}

func TestWriter_BodylessResponses(t *testing.T) {
	t.Run("204", func(t *testing.T) {
		s := &mockSink{}
		h := newHead()
		h.status = http.StatusNoContent
		w := NewWriter(s, h, Options{Method: "GET", ProtoMinor: 1, KeepAlive: true})
		_, err := w.Write([]byte("ignored"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.NotContains(t, s.buf.String(), "ignored")
		assert.NotContains(t, s.buf.String(), "Content-Length")
	})
	t.Run("HEAD", func(t *testing.T) {
		s := &mockSink{}
		w := NewWriter(s, newHead(), Options{Method: "HEAD", ProtoMinor: 1, KeepAlive: true})
		_, err := w.Write([]byte("body"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.NotContains(t, s.buf.String(), "body")
		resp, _ := parse(t, s, "HEAD")
		assert.Equal(t, int64(4), resp.ContentLength)
	})
}

func TestWriter_ConnectionClose(t *testing.T) {
	s := &mockSink{}
	w := NewWriter(s, newHead(), Options{Method: "GET", ProtoMinor: 1, KeepAlive: false})
	require.NoError(t, w.Close())
	resp, _ := parse(t, s, "GET")
	assert.True(t, resp.Close)
	assert.False(t, w.KeepAlive())
}

func TestWriter_HandlerRequestsClose(t *testing.T) {
	s := &mockSink{}
	h := newHead()
	h.header.Set("Connection", "close")
	w := NewWriter(s, h, Options{Method: "GET", ProtoMinor: 1, KeepAlive: true})
	require.NoError(t, w.Close())
	assert.False(t, w.KeepAlive())
}

func TestWriter_HTTP10UnknownLengthIsCloseDelimited(t *testing.T) {
	s := &mockSink{}
	w := NewWriter(s, newHead(), Options{Method: "GET", ProtoMinor: 0, KeepAlive: true, BufferSize: 16})
	_, err := w.Write([]byte(strings.Repeat("y", 32)))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NotContains(t, s.buf.String(), "chunked")
	assert.Contains(t, s.buf.String(), "Connection: close")
	assert.False(t, w.KeepAlive())
}

func TestWriter_Reset(t *testing.T) {
	s := &mockSink{}
	h := newHead()
	w := NewWriter(s, h, Options{Method: "GET", ProtoMinor: 1, KeepAlive: true})
	_, err := w.WriteString("partial output")
	require.NoError(t, err)
	require.NoError(t, w.Reset())

	h.status = http.StatusInternalServerError
	_, err = w.WriteString("error page")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, body := parse(t, s, "GET")
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "error page", string(body))
	assert.ErrorIs(t, w.Reset(), ErrCommitted)
}

func TestWriter_WriteAfterClose(t *testing.T) {
	w := NewWriter(&mockSink{}, newHead(), Options{Method: "GET", ProtoMinor: 1})
	require.NoError(t, w.Close())
	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.ErrorIs(t, w.WriteByte('x'), ErrWriterClosed)
	assert.ErrorIs(t, w.Flush(), ErrWriterClosed)
}

func TestWriter_SetBufferSize(t *testing.T) {
	w := NewWriter(&mockSink{}, newHead(), Options{Method: "GET", ProtoMinor: 1})
	require.NoError(t, w.SetBufferSize(1024))
	assert.Equal(t, 1024, w.BufferSize())
	_, err := w.Write([]byte("x"))
	require.NoError(t, err)
	assert.ErrorIs(t, w.SetBufferSize(2048), ErrCommitted)
}

func TestWriter_Gzip(t *testing.T) {
	s := &mockSink{}
	w := NewWriter(s, newHead(), Options{Method: "GET", ProtoMinor: 1, KeepAlive: true, Gzip: true})
	payload := strings.Repeat("compress me ", 200)
	_, err := w.WriteString(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, body := parse(t, s, "GET")
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Less(t, len(body), len(payload))

	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, string(plain))
}

func TestWriter_GzipSkippedForEmptyBody(t *testing.T) {
	s := &mockSink{}
	w := NewWriter(s, newHead(), Options{Method: "GET", ProtoMinor: 1, KeepAlive: true, Gzip: true})
	require.NoError(t, w.Close())
	resp, _ := parse(t, s, "GET")
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, int64(0), resp.ContentLength)
}

func TestAcceptsGzip(t *testing.T) {
	assert.True(t, AcceptsGzip("gzip, deflate"))
	assert.True(t, AcceptsGzip("br;q=1.0, GZIP;q=0.5"))
	assert.True(t, AcceptsGzip("*"))
	assert.False(t, AcceptsGzip("gzip;q=0"))
	assert.False(t, AcceptsGzip("identity"))
	assert.False(t, AcceptsGzip(""))
}

func TestWriteContinue(t *testing.T) {
	s := &mockSink{}
	require.NoError(t, WriteContinue(s))
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", s.visible())
}

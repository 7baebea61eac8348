package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pathEcho answers every request with its target as the body.
type pathEcho struct {
	mu      sync.Mutex
	heads   map[*Conn]*RequestHead
	bodies  map[*Conn][]byte
	closed  chan *Conn
	eofs    chan *Conn
	decodes chan *DecodeError
}

func newPathEcho() *pathEcho {
	return &pathEcho{
		heads:   make(map[*Conn]*RequestHead),
		bodies:  make(map[*Conn][]byte),
		closed:  make(chan *Conn, 16),
		eofs:    make(chan *Conn, 16),
		decodes: make(chan *DecodeError, 16),
	}
}

func (h *pathEcho) OnOpen(*Conn) {}

func (h *pathEcho) OnHead(c *Conn, head *RequestHead) error {
	h.mu.Lock()
	h.heads[c] = head
	h.bodies[c] = nil
	h.mu.Unlock()
	return nil
}

func (h *pathEcho) OnBody(c *Conn, p []byte, final bool) error {
	h.mu.Lock()
	h.bodies[c] = append(h.bodies[c], p...)
	head, body := h.heads[c], h.bodies[c]
	h.mu.Unlock()
	if !final {
		return nil
	}
	out := head.RequestURI + ":" + string(body)
	_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(out)) + "\r\n\r\n" + out))
	return c.Flush()
}

func (h *pathEcho) OnDecodeError(c *Conn, err *DecodeError) {
	h.decodes <- err
	_, _ = c.Write(err.Response())
	_ = c.Close()
}

func (h *pathEcho) OnReadEOF(c *Conn) { h.eofs <- c }

func (h *pathEcho) OnClose(c *Conn, err error) { h.closed <- c }

func startGroup(t *testing.T, native bool, h Handler) (*Group, net.Listener) {
	t.Helper()
	g, err := NewGroup(h, Options{Loops: 2, Native: native}, nil)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = g.Attach(nc)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, g.Shutdown(ctx))
	})
	return g, ln
}

func forEachLoop(t *testing.T, fn func(t *testing.T, native bool)) {
	for _, native := range []bool{false, true} {
		name := "portable"
		if native {
			name = "native"
		}
		t.Run(name, func(t *testing.T) { fn(t, native) })
	}
}

func TestGroup_PipelinedExchanges(t *testing.T) {
	forEachLoop(t, func(t *testing.T, native bool) {
		h := newPathEcho()
		_, ln := startGroup(t, native, h)

		nc, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer nc.Close()

		_, err = io.WriteString(nc, "GET /one HTTP/1.1\r\nHost: h\r\n\r\n"+
			"POST /two HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc")
		require.NoError(t, err)

		br := bufio.NewReader(nc)
		for _, want := range []string{"/one:", "/two:abc"} {
			resp, err := http.ReadResponse(br, nil)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, want, string(body))
		}
	})
}

func TestGroup_HalfCloseThenClose(t *testing.T) {
	forEachLoop(t, func(t *testing.T, native bool) {
		h := newPathEcho()
		_, ln := startGroup(t, native, h)

		nc, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		_, err = io.WriteString(nc, "GET /bye HTTP/1.1\r\nHost: h\r\n\r\n")
		require.NoError(t, err)
		require.NoError(t, nc.(*net.TCPConn).CloseWrite())

		resp, err := http.ReadResponse(bufio.NewReader(nc), nil)
		require.NoError(t, err, "a half-closed peer still gets its response")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var c *Conn
		select {
		case c = <-h.eofs:
		case <-time.After(2 * time.Second):
			t.Fatal("no read EOF event")
		}
		assert.True(t, c.ReadEOF())
		assert.True(t, c.Active())

		require.NoError(t, c.Close())
		select {
		case closed := <-h.closed:
			assert.Same(t, c, closed)
		case <-time.After(2 * time.Second):
			t.Fatal("no close event")
		}
		assert.False(t, c.Active())
		assert.Error(t, c.Context().Err())
		_, err = c.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrConnClosed)
		nc.Close()
	})
}

func TestGroup_DecodeError(t *testing.T) {
	forEachLoop(t, func(t *testing.T, native bool) {
		h := newPathEcho()
		_, ln := startGroup(t, native, h)

		nc, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer nc.Close()
		_, err = io.WriteString(nc, "NOT HTTP\r\n\r\n")
		require.NoError(t, err)

		resp, err := http.ReadResponse(bufio.NewReader(nc), nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		select {
		case de := <-h.decodes:
			assert.Equal(t, http.StatusBadRequest, de.Status)
		case <-time.After(2 * time.Second):
			t.Fatal("no decode error event")
		}
	})
}

func TestGroup_AbortReportsClose(t *testing.T) {
	forEachLoop(t, func(t *testing.T, native bool) {
		h := newPathEcho()
		g, ln := startGroup(t, native, h)

		nc, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return len(g.Conns()) == 1 }, 2*time.Second, 5*time.Millisecond)

		conn := g.Conns()[0]
		conn.Abort()
		select {
		case <-h.closed:
		case <-time.After(2 * time.Second):
			t.Fatal("no close event")
		}
		assert.Empty(t, g.Conns())
		nc.Close()
	})
}

func TestGroup_ShutdownClosesConnections(t *testing.T) {
	forEachLoop(t, func(t *testing.T, native bool) {
		h := newPathEcho()
		g, err := NewGroup(h, Options{Loops: 1, Native: native}, nil)
		require.NoError(t, err)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()
		server, err := ln.Accept()
		require.NoError(t, err)
		c, err := g.Attach(server)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, g.Shutdown(ctx))
		assert.False(t, c.Active())

		_, err = g.Attach(server)
		assert.ErrorIs(t, err, ErrGroupClosed)
	})
}

type wrappedConn struct{ net.Conn }

func TestGroup_WrappedConnUsesFallback(t *testing.T) {
	forEachLoop(t, func(t *testing.T, native bool) {
		h := newPathEcho()
		g, err := NewGroup(h, Options{Loops: 1, Native: native}, nil)
		require.NoError(t, err)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, g.Shutdown(ctx))
		}()
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()
		server, err := ln.Accept()
		require.NoError(t, err)
		_, err = g.Attach(wrappedConn{server})
		require.NoError(t, err)

		_, err = io.WriteString(client, "GET /wrapped HTTP/1.1\r\nHost: h\r\n\r\n")
		require.NoError(t, err)
		resp, err := http.ReadResponse(bufio.NewReader(client), nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "/wrapped:", string(body))
	})
}

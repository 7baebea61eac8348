// Package transport is the event-driven side of the container. Event loops
// read connections without blocking, decode HTTP/1.1 requests incrementally
// and report them to a Handler as discrete events; workers write responses
// back through Conn.
package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// Handler receives connection events. OnOpen, OnHead, OnBody and OnReadEOF
// run on the connection's I/O goroutine and must not block. OnClose runs
// exactly once per connection, on whichever goroutine closed it.
type Handler interface {
	OnOpen(c *Conn)
	// OnHead and OnBody errors close the connection.
	OnHead(c *Conn, h *RequestHead) error
	OnBody(c *Conn, p []byte, final bool) error
	// OnDecodeError reports malformed input. No further events follow
	// except OnReadEOF or OnClose.
	OnDecodeError(c *Conn, err *DecodeError)
	// OnReadEOF reports that the peer stopped sending. The connection may
	// still be written to.
	OnReadEOF(c *Conn)
	OnClose(c *Conn, err error)
}

// ErrConnClosed is returned by writes on a closed connection.
var ErrConnClosed = errors.New("transport: connection closed")

var connIDs atomic.Uint64

// Conn is one accepted connection. Writes are safe from any goroutine.
type Conn struct {
	id  uint64
	nc  net.Conn
	h   Handler
	dec *Decoder

	ctx    context.Context
	cancel context.CancelFunc

	active    atomic.Bool
	readEOF   atomic.Bool
	closeOnce sync.Once
	onDetach  func(*Conn)

	wmu sync.Mutex
	bw  *bufio.Writer

	value atomic.Value
}

func newConn(nc net.Conn, h Handler, opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     connIDs.Add(1),
		nc:     nc,
		h:      h,
		dec:    NewDecoder(opts.MaxHeaderBytes, opts.MaxChunkSize),
		ctx:    ctx,
		cancel: cancel,
		bw:     bufio.NewWriterSize(nc, opts.writeBufferSize()),
	}
	c.active.Store(true)
	return c
}

// ID is unique for the life of the process.
func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }

// Active reports whether the connection is still open.
func (c *Conn) Active() bool { return c.active.Load() }

// ReadEOF reports whether the peer has stopped sending.
func (c *Conn) ReadEOF() bool { return c.readEOF.Load() }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// SetValue attaches handler state to the connection.
func (c *Conn) SetValue(v any) { c.value.Store(v) }

// Value returns what SetValue stored, or nil.
func (c *Conn) Value() any { return c.value.Load() }

// Write buffers p. Data reaches the peer on Flush, or earlier when the
// buffer fills.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.Active() {
		return 0, ErrConnClosed
	}
	return c.bw.Write(p)
}

// Flush sends buffered output.
func (c *Conn) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.Active() {
		return ErrConnClosed
	}
	return c.bw.Flush()
}

// Close flushes pending output and closes the connection.
func (c *Conn) Close() error {
	c.wmu.Lock()
	var err error
	if c.Active() {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	c.shutdown(nil)
	return err
}

// Abort closes the connection without flushing, resetting it where the
// platform allows.
func (c *Conn) Abort() {
	if tc, ok := c.nc.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	c.shutdown(errAborted)
}

var errAborted = errors.New("transport: connection aborted")

// shutdown runs the close path once. cause is reported to OnClose.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		if c.onDetach != nil {
			c.onDetach(c)
		}
		_ = c.nc.Close()
		c.cancel()
		c.h.OnClose(c, cause)
	})
}

// deliver feeds received bytes through the decoder to the handler. It
// returns false once the connection should stop reading.
func (c *Conn) deliver(p []byte) bool {
	err := c.dec.Feed(p, connSink{c})
	if err == nil {
		return true
	}
	var de *DecodeError
	if errors.As(err, &de) {
		c.h.OnDecodeError(c, de)
		return false
	}
	c.shutdown(err)
	return false
}

// eof is called once when the peer half-closes.
func (c *Conn) eof() {
	if c.readEOF.CompareAndSwap(false, true) {
		c.h.OnReadEOF(c)
	}
}

type connSink struct{ c *Conn }

func (s connSink) OnHead(h *RequestHead) error         { return s.c.h.OnHead(s.c, h) }
func (s connSink) OnBody(p []byte, final bool) error { return s.c.h.OnBody(s.c, p, final) }

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/transport/poller"
)

// Options configures a loop group.
type Options struct {
	// Loops is the number of I/O loops; 0 means 2 x NumCPU.
	Loops int
	// Native selects the epoll loop where available.
	Native         bool
	MaxHeaderBytes int
	MaxChunkSize   int
	// ReadBufferSize is the per-loop read buffer; 0 means 32KiB.
	ReadBufferSize int
	// WriteBufferSize is the per-connection write buffer; 0 means 4KiB.
	WriteBufferSize int
}

func (o Options) loops() int {
	if o.Loops > 0 {
		return o.Loops
	}
	return 2 * runtime.NumCPU()
}

func (o Options) readBufferSize() int {
	if o.ReadBufferSize > 0 {
		return o.ReadBufferSize
	}
	return 32 << 10
}

func (o Options) writeBufferSize() int {
	if o.WriteBufferSize > 0 {
		return o.WriteBufferSize
	}
	return 4 << 10
}

// ErrGroupClosed is returned by Attach after Shutdown.
var ErrGroupClosed = errors.New("transport: loop group is shut down")

// errNoFD marks connections the native loop cannot poll, such as wrapped
// listener connections. They are read by the fallback loop.
var errNoFD = errors.New("transport: connection has no file descriptor")

type loop interface {
	add(c *Conn) error
	run() error
	stop()
	conns() []*Conn
}

// Group is a fixed set of I/O loops sharing the accepted connections
// round-robin.
type Group struct {
	h      Handler
	opts   Options
	log    *logger.Logger
	loops    []loop
	fallback loop // portable loop for native groups
	native   bool

	next   atomic.Uint64
	closed atomic.Bool
	eg     errgroup.Group
	done   chan struct{}
	err    error
}

// NewGroup starts the loops. When native loops are requested but the
// platform has no poller, the portable loop is used and a warning is logged.
func NewGroup(h Handler, opts Options, log *logger.Logger) (*Group, error) {
	if log == nil {
		log = logger.Nop()
	}
	g := &Group{h: h, opts: opts, log: log, done: make(chan struct{})}
	n := opts.loops()
	g.native = opts.Native
	for i := 0; i < n; i++ {
		var l loop
		if g.native {
			el, err := newEpollLoop(h, opts)
			if errors.Is(err, poller.ErrPlatformNotSupported) && i == 0 {
				log.Warn("Native poller unavailable, using portable I/O loops", logger.LogFields{"error": err})
				g.native = false
			} else if err != nil {
				for _, started := range g.loops {
					started.stop()
				}
				return nil, fmt.Errorf("transport: creating I/O loop %d: %w", i, err)
			} else {
				l = el
			}
		}
		if l == nil {
			l = newPortableLoop(h, opts)
		}
		g.loops = append(g.loops, l)
	}
	if g.native {
		g.fallback = newPortableLoop(h, opts)
		g.eg.Go(g.fallback.run)
	}
	for _, l := range g.loops {
		g.eg.Go(l.run)
	}
	go func() {
		g.err = g.eg.Wait()
		close(g.done)
	}()
	return g, nil
}

// Native reports whether the group runs on the native poller.
func (g *Group) Native() bool { return g.native }

// Size returns the number of loops.
func (g *Group) Size() int { return len(g.loops) }

// Attach hands an accepted connection to the next loop.
func (g *Group) Attach(nc net.Conn) (*Conn, error) {
	if g.closed.Load() {
		_ = nc.Close()
		return nil, ErrGroupClosed
	}
	l := g.loops[g.next.Add(1)%uint64(len(g.loops))]
	c := newConn(nc, g.h, g.opts)
	g.h.OnOpen(c)
	err := l.add(c)
	if errors.Is(err, errNoFD) && g.fallback != nil {
		err = g.fallback.add(c)
	}
	if err != nil {
		c.shutdown(err)
		return nil, err
	}
	return c, nil
}

// Conns returns a snapshot of the open connections.
func (g *Group) Conns() []*Conn {
	var out []*Conn
	for _, l := range g.all() {
		out = append(out, l.conns()...)
	}
	return out
}

func (g *Group) all() []loop {
	if g.fallback == nil {
		return g.loops
	}
	return append([]loop{g.fallback}, g.loops...)
}

// Shutdown closes every connection, stops the loops and waits for them.
func (g *Group) Shutdown(ctx context.Context) error {
	if g.closed.CompareAndSwap(false, true) {
		for _, l := range g.all() {
			l.stop()
		}
		for _, c := range g.Conns() {
			_ = c.Close()
		}
	}
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connSet tracks the connections of one loop.
type connSet struct {
	mu sync.Mutex
	m  map[*Conn]struct{}
}

func (s *connSet) put(c *Conn) {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[*Conn]struct{})
	}
	s.m[c] = struct{}{}
	s.mu.Unlock()
}

func (s *connSet) del(c *Conn) {
	s.mu.Lock()
	delete(s.m, c)
	s.mu.Unlock()
}

func (s *connSet) snapshot() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	return out
}

// portableLoop reads each connection on its own goroutine.
type portableLoop struct {
	h    Handler
	opts Options
	set  connSet
	wg   sync.WaitGroup

	mu      sync.Mutex
	stopped chan struct{}
}

func newPortableLoop(h Handler, opts Options) *portableLoop {
	return &portableLoop{h: h, opts: opts, stopped: make(chan struct{})}
}

func (l *portableLoop) add(c *Conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.stopped:
		return ErrGroupClosed
	default:
	}
	c.onDetach = l.set.del
	l.set.put(c)
	l.wg.Add(1)
	go l.read(c)
	return nil
}

func (l *portableLoop) read(c *Conn) {
	defer l.wg.Done()
	buf := make([]byte, l.opts.readBufferSize())
	for {
		n, err := c.nc.Read(buf)
		if n > 0 && !c.deliver(buf[:n]) {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.eof()
				return
			}
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			c.shutdown(err)
			return
		}
	}
}

func (l *portableLoop) run() error {
	<-l.stopped
	l.wg.Wait()
	return nil
}

func (l *portableLoop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.stopped:
	default:
		close(l.stopped)
	}
}

func (l *portableLoop) conns() []*Conn { return l.set.snapshot() }

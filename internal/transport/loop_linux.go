//go:build linux

package transport

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"example.com/bridgehttp/v2/internal/transport/poller"
)

// epollLoop multiplexes many connections over one poller goroutine.
type epollLoop struct {
	h    Handler
	opts Options
	p    poller.Poller
	buf  []byte

	mu      sync.Mutex
	fds     map[int]*Conn
	set     connSet
	stopped bool // the poller descriptor may already be released
}

func newEpollLoop(h Handler, opts Options) (*epollLoop, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	return &epollLoop{
		h:    h,
		opts: opts,
		p:    p,
		buf:  make([]byte, opts.readBufferSize()),
		fds:  make(map[int]*Conn),
	}, nil
}

// connFD returns the descriptor of a socket connection. The runtime keeps
// ownership; reads go through readFD so they never race a close.
func connFD(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%w: %T", errNoFD, nc)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func readFD(nc net.Conn, buf []byte) (int, error) {
	rc, err := nc.(syscall.Conn).SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var rerr error
	if err := rc.Control(func(fd uintptr) { n, rerr = unix.Read(int(fd), buf) }); err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, rerr
}

func (l *epollLoop) add(c *Conn) error {
	fd, err := connFD(c.nc)
	if err != nil {
		return err
	}
	// onDetach is set before c is published to the poller and the conn set.
	c.onDetach = func(c *Conn) { l.detach(fd, c) }
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrGroupClosed
	}
	l.fds[fd] = c
	l.mu.Unlock()
	l.set.put(c)
	if err := l.p.Register(fd); err != nil {
		l.detach(fd, c)
		return err
	}
	return nil
}

// detach must run before the descriptor is closed so a reused fd number is
// never mistaken for the old connection.
func (l *epollLoop) detach(fd int, c *Conn) {
	l.mu.Lock()
	if l.fds[fd] == c {
		delete(l.fds, fd)
		if !l.stopped {
			_ = l.p.Unregister(fd)
		}
	}
	l.mu.Unlock()
	l.set.del(c)
}

func (l *epollLoop) lookup(fd int) *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fds[fd]
}

// OnReadable drains the socket; the poller is edge-triggered.
func (l *epollLoop) OnReadable(fd int) {
	c := l.lookup(fd)
	if c == nil || c.ReadEOF() {
		return
	}
	for c.Active() {
		n, err := readFD(c.nc, l.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			c.shutdown(err)
			return
		case n == 0:
			l.stopReading(fd, c)
			c.eof()
			return
		}
		if !c.deliver(l.buf[:n]) {
			l.stopReading(fd, c)
			return
		}
	}
}

// stopReading removes read interest while keeping the connection writable.
func (l *epollLoop) stopReading(fd int, c *Conn) {
	l.mu.Lock()
	if l.fds[fd] == c && !l.stopped {
		_ = l.p.Unregister(fd)
	}
	l.mu.Unlock()
}

func (l *epollLoop) OnClose(fd int, err error) {
	if c := l.lookup(fd); c != nil {
		c.shutdown(err)
	}
}

func (l *epollLoop) run() error { return l.p.Run(l) }

func (l *epollLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	_ = l.p.Close()
}

func (l *epollLoop) conns() []*Conn { return l.set.snapshot() }

//go:build linux

package poller

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var errHangUp = errors.New("epoll: err|hup")

type epollPoller struct {
	efd    int
	wfd    int // eventfd used by Wake
	closed atomic.Bool

	// mu orders Close against the start and end of Run so the descriptors
	// are released exactly once and never written after release.
	mu      sync.Mutex
	started bool
}

// New returns an epoll poller.
func New() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, err
	}
	return &epollPoller{efd: efd, wfd: wfd}, nil
}

func (p *epollPoller) Register(fd FD) error {
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) Unregister(fd FD) error {
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !p.started {
		p.release()
		return nil
	}
	return p.Wake()
}

func (p *epollPoller) release() {
	unix.Close(p.wfd)
	unix.Close(p.efd)
}

// Run returns nil at once when the poller was closed before it started.
func (p *epollPoller) Run(h Handler) error {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.release()
		p.mu.Unlock()
	}()
	events := make([]unix.EpollEvent, 256)
	var efdBuf [8]byte
	for !p.closed.Load() {
		n, err := unix.EpollWait(p.efd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == p.wfd {
				for {
					if _, rerr := unix.Read(p.wfd, efdBuf[:]); rerr != nil {
						break
					}
				}
				continue
			}
			// Pending input is delivered before the hang-up so a peer that
			// sends a request and half-closes is still served.
			if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
				h.OnReadable(fd)
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				h.OnClose(fd, errHangUp)
			}
		}
	}
	return nil
}

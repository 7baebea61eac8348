//go:build linux

package poller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recorder struct {
	mu       sync.Mutex
	readable []FD
	closed   []FD
	notify   chan struct{}
}

func (r *recorder) OnReadable(fd FD) {
	r.mu.Lock()
	r.readable = append(r.readable, fd)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) OnClose(fd FD, err error) {
	r.mu.Lock()
	r.closed = append(r.closed, fd)
	r.mu.Unlock()
}

func TestEpoll_ReadableAndClose(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Register(fds[0]))
	rec := &recorder{notify: make(chan struct{}, 1)}
	done := make(chan error, 1)
	go func() { done <- p.Run(rec) }()

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)
	select {
	case <-rec.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no readable event")
	}
	rec.mu.Lock()
	assert.Contains(t, rec.readable, fds[0])
	rec.mu.Unlock()

	require.NoError(t, p.Unregister(fds[0]))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func TestEpoll_CloseBeforeRunReleasesDescriptors(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	ep := p.(*epollPoller)
	require.True(t, fdOpen(ep.efd))
	require.True(t, fdOpen(ep.wfd))

	require.NoError(t, p.Close())
	assert.False(t, fdOpen(ep.efd), "epoll descriptor released")
	assert.False(t, fdOpen(ep.wfd), "eventfd released")
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Run(&recorder{notify: make(chan struct{}, 1)}), "Run after Close returns at once")
}

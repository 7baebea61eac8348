package util

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// listenerFD returns a duplicate of the listener's descriptor. The caller owns it.
func listenerFD(t *testing.T, l net.Listener) *os.File {
	t.Helper()
	f, err := l.(*net.TCPListener).File()
	require.NoError(t, err)
	return f
}

func TestListen_ReuseAddr(t *testing.T) {
	ln, err := Listen(context.Background(), "tcp", "127.0.0.1:0", ListenOptions{ReuseAddr: true})
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	sc, err := ln.Accept()
	require.NoError(t, err)
	sc.Close()
}

func TestListen_UnsupportedNetwork(t *testing.T) {
	_, err := Listen(context.Background(), "udp", "127.0.0.1:0", ListenOptions{})
	assert.Error(t, err)
}

func TestListen_AddrInUse(t *testing.T) {
	ln, err := Listen(context.Background(), "tcp", "127.0.0.1:0", ListenOptions{})
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(context.Background(), "tcp", ln.Addr().String(), ListenOptions{})
	require.Error(t, err)
	assert.True(t, IsAddrInUse(err))
	assert.False(t, IsAddrInUse(nil))
	assert.False(t, IsAddrInUse(errors.New("other")))
}

func TestSetCloexec(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	f := listenerFD(t, ln)
	defer f.Close()

	require.NoError(t, SetCloexec(f.Fd(), true))
	set, err := isCloexecSet(f.Fd())
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, SetCloexec(f.Fd(), false))
	set, err = isCloexecSet(f.Fd())
	require.NoError(t, err)
	assert.False(t, set)
}

func TestParseInheritedListenerFDs(t *testing.T) {
	t.Setenv("TEST_FDS", "")
	fds, err := ParseInheritedListenerFDs("TEST_FDS")
	require.NoError(t, err)
	assert.Nil(t, fds)

	t.Setenv("TEST_FDS", "3:4")
	fds, err = ParseInheritedListenerFDs("TEST_FDS")
	require.NoError(t, err)
	assert.Equal(t, []uintptr{3, 4}, fds)

	t.Setenv("TEST_FDS", "3:x")
	_, err = ParseInheritedListenerFDs("TEST_FDS")
	assert.Error(t, err)

	t.Setenv("TEST_FDS", "-1")
	_, err = ParseInheritedListenerFDs("TEST_FDS")
	assert.Error(t, err)
}

func TestInheritedListener(t *testing.T) {
	t.Setenv("TEST_INHERIT_FDS", "")
	_, ok, err := InheritedListener("TEST_INHERIT_FDS")
	require.NoError(t, err)
	assert.False(t, ok)

	orig, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer orig.Close()
	f := listenerFD(t, orig)
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	f.Close()

	t.Setenv("TEST_INHERIT_FDS", strconv.Itoa(fd))
	ln, ok, err := InheritedListener("TEST_INHERIT_FDS")
	require.NoError(t, err)
	require.True(t, ok)
	defer ln.Close()
	assert.Equal(t, orig.Addr().String(), ln.Addr().String())

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	conn.Close()
}

func TestNewListenerFromFD_Invalid(t *testing.T) {
	_, err := NewListenerFromFD(uintptr(99999))
	assert.Error(t, err)
}

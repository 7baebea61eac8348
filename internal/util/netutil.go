package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenFdsEnvKey names the environment variable carrying listening socket
// descriptors handed over by a parent process, colon-separated.
const ListenFdsEnvKey = "BRIDGEHTTP_LISTEN_FDS"

// ListenOptions are socket options applied before bind.
type ListenOptions struct {
	ReuseAddr bool
	ReusePort bool
}

// Listen binds a TCP listener with the requested socket options.
func Listen(ctx context.Context, network, address string, opts ListenOptions) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported", network)
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) {
				if opts.ReuseAddr {
					if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
						return
					}
				}
				if opts.ReusePort {
					serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return lc.Listen(ctx, network, address)
}

// SetCloexec sets or clears the close-on-exec flag for a file descriptor.
// Descriptors handed to a child process must have it cleared.
func SetCloexec(fd uintptr, enabled bool) error {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFD failed: %w", err)
	}
	if enabled {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(fd, unix.F_SETFD, flags); err != nil {
		return fmt.Errorf("fcntl F_SETFD failed: %w", err)
	}
	return nil
}

func isCloexecSet(fd uintptr) (bool, error) {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return false, fmt.Errorf("fcntl F_GETFD failed for fd %d: %w", fd, err)
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}

// NewListenerFromFD creates a net.Listener from an inherited descriptor,
// leaving FD_CLOEXEC clear so it can be handed over again.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	if err := SetCloexec(fd, false); err != nil {
		return nil, fmt.Errorf("failed to clear FD_CLOEXEC on input FD %d: %w", fd, err)
	}
	file := os.NewFile(fd, fmt.Sprintf("listener-from-fd-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("os.NewFile returned nil for FD %d", fd)
	}
	// FileListener dups the descriptor; the original is closed with file.
	listener, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return listener, nil
}

// ParseInheritedListenerFDs returns the descriptors listed in envVarName, or
// nil when the variable is unset.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}
	fdStrings := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(fdStrings))
	for _, fdStr := range fdStrings {
		fdInt, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, fdStr, err)
		}
		if fdInt < 0 {
			return nil, fmt.Errorf("invalid negative FD value in environment variable %s: %d", envVarName, fdInt)
		}
		fds = append(fds, uintptr(fdInt))
	}
	return fds, nil
}

// InheritedListener returns a listener for the first descriptor in
// envVarName. ok is false when nothing was inherited.
func InheritedListener(envVarName string) (ln net.Listener, ok bool, err error) {
	fds, err := ParseInheritedListenerFDs(envVarName)
	if err != nil || len(fds) == 0 {
		return nil, false, err
	}
	ln, err = NewListenerFromFD(fds[0])
	if err != nil {
		return nil, false, err
	}
	return ln, true, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

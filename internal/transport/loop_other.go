//go:build !linux

package transport

import "example.com/bridgehttp/v2/internal/transport/poller"

func newEpollLoop(Handler, Options) (loop, error) {
	return nil, poller.ErrPlatformNotSupported
}

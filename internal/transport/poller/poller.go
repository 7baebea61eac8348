// Package poller wraps the operating system readiness notification facility
// used by the native event loops.
package poller

import "errors"

// FD is a file descriptor.
type FD = int

// ErrPlatformNotSupported is returned by New where no native poller exists.
var ErrPlatformNotSupported = errors.New("poller: platform not supported")

// Handler receives readiness events on the goroutine running Poller.Run.
// Implementations must not block.
type Handler interface {
	OnReadable(fd FD)
	OnClose(fd FD, err error)
}

// Poller is an edge-triggered readiness poller.
type Poller interface {
	// Register starts watching fd for readability and peer hang-up.
	Register(fd FD) error
	Unregister(fd FD) error
	// Run dispatches events until Close is called.
	Run(h Handler) error
	// Wake interrupts a blocked Run.
	Wake() error
	// Close stops Run. The poller's own descriptors are released when Run
	// returns, or by Close itself when Run never started.
	Close() error
}

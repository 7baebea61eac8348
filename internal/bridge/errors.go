package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminalChunkPushed is returned by Push after the final chunk was accepted.
	ErrTerminalChunkPushed = errors.New("bridge: chunk pushed after terminal chunk")
	// ErrNotReady is returned by Read in listener mode when no data is queued.
	ErrNotReady = errors.New("bridge: no data ready")
	// ErrListenerSet is returned when a second read listener is registered.
	ErrListenerSet = errors.New("bridge: read listener already set")
	// ErrNilListener is returned by SetReadListener(nil).
	ErrNilListener = errors.New("bridge: read listener is nil")
)

// ClosedStreamError reports an operation on a bridge that has been closed.
type ClosedStreamError struct {
	Op string
}

func (e *ClosedStreamError) Error() string {
	return fmt.Sprintf("bridge: %s on closed stream", e.Op)
}

// ChannelInactiveError reports that a blocked read observed the owning
// connection going inactive before the body was complete.
type ChannelInactiveError struct {
	Conn string
}

func (e *ChannelInactiveError) Error() string {
	if e.Conn == "" {
		return "bridge: connection inactive before end of body"
	}
	return fmt.Sprintf("bridge: connection %s inactive before end of body", e.Conn)
}

// IsClosed reports whether err is a *ClosedStreamError.
func IsClosed(err error) bool {
	var ce *ClosedStreamError
	return errors.As(err, &ce)
}

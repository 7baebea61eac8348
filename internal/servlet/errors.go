package servlet

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	ErrAsyncNotSupported   = errors.New("servlet: async not supported for this request")
	ErrAsyncAlreadyStarted = errors.New("servlet: async already started")
	ErrAsyncNotStarted     = errors.New("servlet: async not started")
	ErrAsyncDispatching    = errors.New("servlet: async dispatch already in progress")
	ErrAsyncCompleted      = errors.New("servlet: async context already completed")
	ErrTimeoutUnsupported  = errors.New("servlet: async timeouts are not supported")
	ErrCommitted           = errors.New("servlet: response already committed")
)

// ListenerError batches the failures of async listeners for one completion.
type ListenerError struct {
	Errs []error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("servlet: %d async listener(s) failed: %v", len(e.Errs), multierr.Combine(e.Errs...))
}

func (e *ListenerError) Unwrap() []error { return e.Errs }

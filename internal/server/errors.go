package server

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("server: container already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("server: container stopped")
)

// BindError reports that the listening address could not be bound.
type BindError struct {
	Addr  string
	InUse bool
	Err   error
}

func (e *BindError) Error() string {
	if e.InUse {
		return fmt.Sprintf("server: address %s already in use: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("server: binding %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Shutdown stages, in the order Stop runs them.
const (
	StageAcceptors = "acceptors"
	StageIO        = "io"
	StageWorkers   = "workers"
)

// ShutdownInterruptedError reports a shutdown stage that did not finish
// within the shutdown timeout or whose context was cancelled. The stage is
// not retried.
type ShutdownInterruptedError struct {
	Stage string
	Cause error
}

func (e *ShutdownInterruptedError) Error() string {
	return fmt.Sprintf("server: shutdown interrupted while stopping %s: %v", e.Stage, e.Cause)
}

func (e *ShutdownInterruptedError) Unwrap() error { return e.Cause }

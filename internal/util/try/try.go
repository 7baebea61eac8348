// Package try converts panics in handler, listener and task code into errors.
package try

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/multierr"
)

// PanicError carries a recovered panic value and the stack at the panic site.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recovered from panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Recover must be deferred directly. A recovered panic is appended to *err.
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	*err = multierr.Append(*err, &PanicError{Value: r, Stack: debug.Stack()})
}

// Call runs fn and returns its error, or a *PanicError if it panicked.
func Call(fn func() error) (err error) {
	defer Recover(&err)
	return fn()
}

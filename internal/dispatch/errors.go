package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrContextFrozen is returned by registration calls after Freeze.
	ErrContextFrozen = errors.New("dispatch: context is frozen")
	// ErrDuplicateName is returned when a servlet or filter name is reused.
	ErrDuplicateName = errors.New("dispatch: duplicate registration name")
	// ErrUnsupportedPattern is returned for patterns other than exact paths.
	ErrUnsupportedPattern = errors.New("dispatch: only exact path patterns and \"/\" are supported")
)

// DispatchNotFoundError reports that neither an exact mapping nor the
// default "/" mapping matched a path.
type DispatchNotFoundError struct {
	Path string
}

func (e *DispatchNotFoundError) Error() string {
	return fmt.Sprintf("dispatch: no handler mapped for %q", e.Path)
}

// MappingConflictError reports patterns already mapped to another servlet.
type MappingConflictError struct {
	Pattern  string
	Existing string
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("dispatch: pattern %q already mapped to %q", e.Pattern, e.Existing)
}

// HandlerError wraps a failure of the filter chain or handler for one dispatch.
type HandlerError struct {
	Name string
	Path string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("dispatch: handler %q failed for %q: %v", e.Name, e.Path, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

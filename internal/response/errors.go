package response

import "errors"

var (
	// ErrWriterClosed is returned by writes after Close.
	ErrWriterClosed = errors.New("response: write after close")
	// ErrCommitted is returned by operations that need an uncommitted response.
	ErrCommitted = errors.New("response: already committed")
	// ErrContentLengthExceeded is returned when a write would pass the declared Content-Length.
	ErrContentLengthExceeded = errors.New("response: body exceeds declared content length")
	// ErrContentLengthShort is returned by Close when fewer bytes than declared were written.
	// The connection cannot be reused and must be aborted.
	ErrContentLengthShort = errors.New("response: body shorter than declared content length")
)

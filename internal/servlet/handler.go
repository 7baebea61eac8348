// Package servlet is the application-facing request/response model: handlers,
// filters, the request and response objects and async dispatch.
package servlet

// Handler serves one request. A returned error is turned into a 500 error
// page when the response is still uncommitted, otherwise the connection is aborted.
type Handler interface {
	Serve(req *Request, resp *Response) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request, resp *Response) error

func (f HandlerFunc) Serve(req *Request, resp *Response) error { return f(req, resp) }

// HandlerConfig is passed to Initializer.Init.
type HandlerConfig struct {
	Name        string
	ContextPath string
}

// Initializer is implemented by handlers that need one-time setup before
// their first request.
type Initializer interface {
	Init(cfg HandlerConfig) error
}

// Destroyer is implemented by handlers that release resources at container stop.
type Destroyer interface {
	Destroy()
}

// FilterChain invokes the next filter, or the handler after the last one.
type FilterChain interface {
	Next(req *Request, resp *Response) error
}

// Filter wraps every dispatch. It calls chain.Next to continue, or returns
// without calling it to short-circuit.
type Filter interface {
	DoFilter(req *Request, resp *Response, chain FilterChain) error
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(req *Request, resp *Response, chain FilterChain) error

func (f FilterFunc) DoFilter(req *Request, resp *Response, chain FilterChain) error {
	return f(req, resp, chain)
}

// Dispatcher resolves a context-relative path and runs the pipeline for it.
// The async context uses it to resume a request on another path.
type Dispatcher interface {
	ServePath(req *Request, resp *Response, path string) error
}

// Executor runs tasks on worker goroutines. Submit must not block.
type Executor interface {
	Submit(task func()) error
}

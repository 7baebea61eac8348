package dispatch

import (
	"errors"
	"net/http"

	"go.uber.org/multierr"

	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/servlet"
	"example.com/bridgehttp/v2/internal/util/try"
)

// Binding is the resolved pipeline for one dispatch: the filters registered
// at resolution time followed by the handler. It does not change once built.
type Binding struct {
	Pattern string
	reg     *Registration
	filters []filterEntry
}

// Name returns the name of the terminal handler.
func (b *Binding) Name() string { return b.reg.name }

// FilterNames returns the names of the filters in invocation order.
func (b *Binding) FilterNames() []string {
	names := make([]string, len(b.filters))
	for i, fe := range b.filters {
		names[i] = fe.name
	}
	return names
}

// Execute runs the filters in order and then the handler, on the calling goroutine.
func (b *Binding) Execute(req *servlet.Request, resp *servlet.Response) error {
	h, err := b.reg.resolveHandler()
	if err != nil {
		return err
	}
	return chain{b: b, h: h}.Next(req, resp)
}

// chain is one position in a binding's filter list.
type chain struct {
	b   *Binding
	h   servlet.Handler
	pos int
}

func (c chain) Next(req *servlet.Request, resp *servlet.Response) error {
	if c.pos < len(c.b.filters) {
		next := chain{b: c.b, h: c.h, pos: c.pos + 1}
		return c.b.filters[c.pos].filter.DoFilter(req, resp, next)
	}
	return c.h.Serve(req, resp)
}

// Serve dispatches a fresh request. The request path is made relative to
// the context path before resolution.
func (c *Context) Serve(req *servlet.Request, resp *servlet.Response) error {
	req.SetDispatcherType(servlet.DispatcherRequest)
	path, ok := c.LookupPath(req.Path())
	if !ok {
		return c.notFound(req, resp, req.Path())
	}
	return c.ServePath(req, resp, path)
}

// ServePath resolves a context-relative path and runs its pipeline.
//
// An unmapped path gets a 404 page and is not an error. A failing or
// panicking handler gets a 500 page when the response is still uncommitted;
// the failure is returned either way, and the caller must abort the
// connection if the response had already been committed.
func (c *Context) ServePath(req *servlet.Request, resp *servlet.Response, path string) error {
	b, err := c.Resolve(path)
	if err != nil {
		var nf *DispatchNotFoundError
		if errors.As(err, &nf) {
			return c.notFound(req, resp, path)
		}
		return err
	}
	req.SetPaths(c.contextPath, path, "")

	err = try.Call(func() error { return b.Execute(req, resp) })
	if err == nil {
		return nil
	}
	herr := &HandlerError{Name: b.Name(), Path: path, Err: err}
	c.log.Error("Handler failed", logger.LogFields{
		"handler":    b.Name(),
		"path":       path,
		"dispatcher": req.DispatcherType().String(),
		"committed":  resp.Committed(),
		"error":      err,
	})
	if !resp.Committed() {
		if sendErr := resp.SendError(http.StatusInternalServerError, ""); sendErr != nil {
			return multierr.Append(herr, sendErr)
		}
	}
	return herr
}

func (c *Context) notFound(req *servlet.Request, resp *servlet.Response, path string) error {
	c.log.Info("No handler mapped for request", logger.LogFields{"path": path, "method": req.Method})
	if resp.Committed() {
		return &DispatchNotFoundError{Path: path}
	}
	if err := resp.SendError(http.StatusNotFound, ""); err != nil {
		return err
	}
	return nil
}

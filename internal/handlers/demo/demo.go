// Package demo holds the handlers the server binary registers out of the
// box. They double as usage examples for the blocking, streaming and async
// sides of the servlet API.
package demo

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"example.com/bridgehttp/v2/internal/bridge"
	"example.com/bridgehttp/v2/internal/dispatch"
	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/servlet"
)

// Mapped paths, relative to the context path.
const (
	HelloPath     = dispatch.DefaultPattern
	EchoPath      = "/echo"
	CountPath     = "/count"
	AsyncPath     = "/async"
	AsyncDonePath = "/async/done"
)

// MaxAsyncDelay caps the ?delay= parameter of the async handler.
const MaxAsyncDelay = 5 * time.Second

// Register adds every demo handler and the request-id filter to d.
func Register(d *dispatch.Context, serverInfo string, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	handlers := []struct {
		name    string
		h       servlet.Handler
		pattern string
	}{
		{"hello", &Hello{ServerInfo: serverInfo}, HelloPath},
		{"echo", Echo{}, EchoPath},
		{"count", Count{}, CountPath},
		{"async", &Async{Log: log}, AsyncPath},
		{"async-done", servlet.HandlerFunc(asyncDone), AsyncDonePath},
	}
	for _, e := range handlers {
		reg, err := d.AddServlet(e.name, e.h)
		if err != nil {
			return err
		}
		if err := reg.AddMapping(e.pattern); err != nil {
			return err
		}
	}
	return d.AddFilter("request-id", NewRequestID())
}

// Hello greets GET and HEAD requests on any unmapped path.
type Hello struct {
	ServerInfo string

	name string
}

func (h *Hello) Init(cfg servlet.HandlerConfig) error {
	h.name = cfg.Name
	return nil
}

func (h *Hello) Serve(req *servlet.Request, resp *servlet.Response) error {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		if err := resp.SendError(http.StatusMethodNotAllowed, ""); err != nil {
			return err
		}
		resp.Header().Set("Allow", "GET, HEAD")
		return nil
	}
	resp.SetContentType("text/plain; charset=utf-8")
	_, err := fmt.Fprintf(resp, "Hello from %s (%s), you asked for %s\n", h.ServerInfo, h.name, req.Path())
	return err
}

// Echo streams the request body back as it arrives.
type Echo struct{}

func (Echo) Serve(req *servlet.Request, resp *servlet.Response) error {
	ct := req.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	resp.SetContentType(ct)
	if req.ContentLength >= 0 {
		resp.SetContentLength(req.ContentLength)
	}

	buf := make([]byte, 8192)
	for {
		n, err := req.Read(buf)
		if n > 0 {
			if _, werr := resp.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := resp.Flush(); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Count reports the size of the request body, reading it without blocking
// a worker.
type Count struct{}

func (Count) Serve(req *servlet.Request, resp *servlet.Response) error {
	ac, err := req.StartAsync()
	if err != nil {
		return err
	}
	return req.Body().SetReadListener(&counter{ac: ac, resp: resp, body: req.Body()})
}

type counter struct {
	ac   *servlet.AsyncContext
	resp *servlet.Response
	body *bridge.Bridge
	n    int64
	buf  [4096]byte
}

func (c *counter) OnDataAvailable() error {
	for {
		n, err := c.body.Read(c.buf[:])
		c.n += int64(n)
		switch {
		case errors.Is(err, bridge.ErrNotReady), errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
	}
}

func (c *counter) OnAllDataRead() error {
	c.resp.SetContentType("text/plain; charset=utf-8")
	if _, err := fmt.Fprintf(c.resp, "%d\n", c.n); err != nil {
		return err
	}
	_ = c.ac.Complete()
	return nil
}

func (c *counter) OnError(err error) {
	if !c.resp.Committed() {
		_ = c.resp.SendError(http.StatusBadRequest, err.Error())
	}
	_ = c.ac.Complete()
}

// Async suspends the exchange, waits ?delay= milliseconds on a worker and
// resumes it on AsyncDonePath.
type Async struct {
	Log *logger.Logger
}

func (a *Async) Serve(req *servlet.Request, resp *servlet.Response) error {
	var delay time.Duration
	if v := req.URL.Query().Get("delay"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return resp.SendError(http.StatusBadRequest, "delay must be a non-negative number of milliseconds")
		}
		delay = min(time.Duration(ms)*time.Millisecond, MaxAsyncDelay)
	}

	ac, err := req.StartAsync()
	if err != nil {
		return err
	}
	uri := req.RequestURI
	if err := ac.AddListener(servlet.AsyncListenerFunc(func(ev servlet.AsyncEvent) error {
		fields := logger.LogFields{"uri": uri}
		if ev.Err != nil {
			fields["error"] = ev.Err
		}
		a.Log.Debug("Async exchange finished", fields)
		return nil
	})); err != nil {
		return err
	}
	return ac.Run(func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := ac.Dispatch(AsyncDonePath); err != nil {
			a.Log.Warn("Async dispatch failed", logger.LogFields{"uri": uri, "error": err})
		}
	})
}

func asyncDone(req *servlet.Request, resp *servlet.Response) error {
	resp.SetContentType("text/plain; charset=utf-8")
	_, err := fmt.Fprintf(resp, "resumed on %s (%s dispatch from %v)\n",
		req.ServletPath(), req.DispatcherType(), req.Attribute(servlet.AttrAsyncRequestURI))
	return err
}

// RequestID tags every response with X-Request-Id, reusing the client's
// value when one was sent.
type RequestID struct {
	next atomic.Uint64
}

func NewRequestID() *RequestID { return &RequestID{} }

func (f *RequestID) DoFilter(req *servlet.Request, resp *servlet.Response, chain servlet.FilterChain) error {
	id := req.Header.Get("X-Request-Id")
	if id == "" {
		id = strconv.FormatUint(f.next.Add(1), 10)
	}
	resp.Header().Set("X-Request-Id", id)
	return chain.Next(req, resp)
}

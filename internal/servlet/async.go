package servlet

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/util/try"
)

// AsyncState is the lifecycle state of an AsyncContext.
type AsyncState int32

const (
	AsyncInitial AsyncState = iota
	AsyncStarted
	AsyncDispatching
	AsyncCompleted
)

func (s AsyncState) String() string {
	switch s {
	case AsyncInitial:
		return "INITIAL"
	case AsyncStarted:
		return "STARTED"
	case AsyncDispatching:
		return "DISPATCHING"
	case AsyncCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("AsyncState(%d)", int32(s))
	}
}

// NoTimeout is the only supported async timeout: an async exchange lives
// until it is completed or its connection closes.
const NoTimeout time.Duration = 0

// AsyncEvent is delivered to listeners when the async exchange finishes.
// Err is nil on normal completion.
type AsyncEvent struct {
	Context  *AsyncContext
	Request  *Request
	Response *Response
	Err      error
}

// AsyncListener is notified exactly once per async exchange, on success
// and on failure alike.
type AsyncListener interface {
	OnComplete(ev AsyncEvent) error
}

// AsyncListenerFunc adapts a function to AsyncListener.
type AsyncListenerFunc func(ev AsyncEvent) error

func (f AsyncListenerFunc) OnComplete(ev AsyncEvent) error { return f(ev) }

// AsyncContext suspends completion of an exchange past the return of its
// handler. It is created by Request.StartAsync, one per exchange.
//
// Dispatched work always runs on the host executor. A dispatch or completion
// requested while a handler of the same exchange is still running is held
// back until that handler returns, so at most one handler runs per exchange
// and the connection never moves on while one does.
type AsyncContext struct {
	host     *AsyncHost
	origReq  *Request
	origResp *Response

	mu         sync.Mutex
	state      AsyncState
	req        *Request
	resp       *Response
	listeners  []AsyncListener
	active     bool   // a handler for this exchange is running or queued
	inDispatch bool   // the running handler was started by Dispatch
	pending    func() // dispatch waiting for the active handler to return

	completing  bool  // completion waiting for the active handler to return
	completeErr error // cause recorded with the held-back completion
}

func newAsyncContext(req *Request, resp *Response, host *AsyncHost) *AsyncContext {
	return &AsyncContext{
		host:     host,
		origReq:  req,
		origResp: resp,
		req:      req,
		resp:     resp,
		active:   true,
	}
}

func (a *AsyncContext) start(req *Request, resp *Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case AsyncInitial:
	case AsyncDispatching:
		if !a.inDispatch {
			return ErrAsyncDispatching
		}
	case AsyncStarted:
		return ErrAsyncAlreadyStarted
	default:
		return ErrAsyncCompleted
	}
	a.state = AsyncStarted
	a.req, a.resp = req, resp
	return nil
}

// State returns the current lifecycle state.
func (a *AsyncContext) State() AsyncState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Request returns the request passed to the most recent start.
func (a *AsyncContext) Request() *Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.req
}

// Response returns the response passed to the most recent start.
func (a *AsyncContext) Response() *Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resp
}

// HasOriginalRequestAndResponse reports whether no substitution took place.
func (a *AsyncContext) HasOriginalRequestAndResponse() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.req == a.origReq && a.resp == a.origResp
}

// AddListener registers l. Listeners run in registration order.
func (a *AsyncContext) AddListener(l AsyncListener) error {
	if l == nil {
		return fmt.Errorf("servlet: nil async listener")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == AsyncCompleted {
		return ErrAsyncCompleted
	}
	a.listeners = append(a.listeners, l)
	return nil
}

// Timeout always returns NoTimeout.
func (a *AsyncContext) Timeout() time.Duration { return NoTimeout }

// SetTimeout accepts only NoTimeout.
func (a *AsyncContext) SetTimeout(d time.Duration) error {
	if d != NoTimeout {
		return fmt.Errorf("%w: %s", ErrTimeoutUnsupported, d)
	}
	return nil
}

// Dispatch resumes the exchange by running the pipeline for the
// context-relative path on a worker.
func (a *AsyncContext) Dispatch(path string) error {
	a.mu.Lock()
	if a.completing {
		a.mu.Unlock()
		return ErrAsyncCompleted
	}
	switch a.state {
	case AsyncStarted:
	case AsyncDispatching:
		a.mu.Unlock()
		return ErrAsyncDispatching
	case AsyncCompleted:
		a.mu.Unlock()
		return ErrAsyncCompleted
	default:
		a.mu.Unlock()
		return ErrAsyncNotStarted
	}
	a.state = AsyncDispatching
	a.inDispatch = false
	a.recordOriginal(a.req)

	task := func() { a.runDispatch(path) }
	if a.active {
		a.pending = task
		a.mu.Unlock()
		return nil
	}
	a.active = true
	a.mu.Unlock()
	return a.submit(task)
}

// DispatchOriginal dispatches to the path the original request was mapped to.
func (a *AsyncContext) DispatchOriginal() error {
	path := a.origReq.ServletPath() + a.origReq.PathInfo()
	if path == "" {
		path = "/"
	}
	return a.Dispatch(path)
}

// recordOriginal stores the pre-dispatch paths on req once. Called with a.mu held.
func (a *AsyncContext) recordOriginal(req *Request) {
	if req.Attribute(AttrAsyncRequestURI) != nil {
		return
	}
	o := a.origReq
	req.SetAttribute(AttrAsyncRequestURI, o.RequestURI)
	req.SetAttribute(AttrAsyncContextPath, o.ContextPath())
	req.SetAttribute(AttrAsyncServletPath, o.ServletPath())
	req.SetAttribute(AttrAsyncPathInfo, o.PathInfo())
	req.SetAttribute(AttrAsyncQueryString, o.QueryString())
}

func (a *AsyncContext) submit(task func()) error {
	if err := a.host.Executor.Submit(task); err != nil {
		err = fmt.Errorf("servlet: submitting async work: %w", err)
		a.mu.Lock()
		a.active = false
		a.mu.Unlock()
		_ = a.finish(err)
		return err
	}
	return nil
}

func (a *AsyncContext) runDispatch(path string) {
	a.mu.Lock()
	if a.state == AsyncCompleted {
		a.active = false
		a.mu.Unlock()
		return
	}
	if a.completing {
		a.active = false
		cause := a.completeErr
		a.mu.Unlock()
		_ = a.finish(cause)
		return
	}
	a.inDispatch = true
	req, resp := a.req, a.resp
	a.mu.Unlock()

	req.SetDispatcherType(DispatcherAsync)
	err := try.Call(func() error { return a.host.Dispatcher.ServePath(req, resp, path) })
	a.HandlerDone(err)
}

// HandlerDone is called by the container when the handler that started
// async, or a dispatched handler, returns. It runs a held-back completion or
// dispatch, or finishes the exchange if the handler failed or a dispatched
// handler returned without starting a new async cycle.
func (a *AsyncContext) HandlerDone(err error) {
	a.mu.Lock()
	a.inDispatch = false
	switch {
	case a.state == AsyncCompleted:
		a.active = false
		a.pending = nil
		a.mu.Unlock()
	case a.completing:
		a.active = false
		a.pending = nil
		cause := multierr.Append(a.completeErr, err)
		a.mu.Unlock()
		_ = a.finish(cause)
	case err != nil:
		a.active = false
		a.pending = nil
		a.mu.Unlock()
		_ = a.finish(err)
	case a.pending != nil:
		task := a.pending
		a.pending = nil
		a.mu.Unlock()
		_ = a.submit(task)
	case a.state == AsyncDispatching:
		a.active = false
		a.mu.Unlock()
		_ = a.finish(nil)
	default:
		a.active = false
		a.mu.Unlock()
	}
}

// Complete finishes the exchange: the response is closed and listeners run.
// Called while a handler of the exchange is running, it takes effect when
// that handler returns. It returns ErrAsyncCompleted if the exchange already
// finished, or a *ListenerError if any listener failed.
func (a *AsyncContext) Complete() error {
	a.mu.Lock()
	if a.state == AsyncInitial {
		a.mu.Unlock()
		return ErrAsyncNotStarted
	}
	a.mu.Unlock()
	return a.completeWhenIdle(nil)
}

// completeWhenIdle finishes the exchange now, or records the completion for
// HandlerDone when a handler is still running.
func (a *AsyncContext) completeWhenIdle(cause error) error {
	a.mu.Lock()
	if a.state == AsyncCompleted || a.completing {
		a.mu.Unlock()
		return ErrAsyncCompleted
	}
	if a.active {
		a.completing = true
		a.completeErr = cause
		a.pending = nil
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return a.finish(cause)
}

// Completing reports whether a completion is waiting for the running
// handler to return.
func (a *AsyncContext) Completing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completing
}

// Run executes fn on a worker. A panic in fn fails the exchange.
func (a *AsyncContext) Run(fn func()) error {
	if a.State() == AsyncCompleted || a.Completing() {
		return ErrAsyncCompleted
	}
	return a.host.Executor.Submit(func() {
		if err := try.Call(func() error { fn(); return nil }); err != nil {
			a.host.Log.Error("async task failed", logger.LogFields{"error": err, "uri": a.origReq.RequestURI})
			_ = a.completeWhenIdle(err)
		}
	})
}

// finish runs once per exchange.
func (a *AsyncContext) finish(cause error) error {
	a.mu.Lock()
	if a.state == AsyncCompleted {
		a.mu.Unlock()
		return ErrAsyncCompleted
	}
	a.state = AsyncCompleted
	a.completing = false
	a.pending = nil
	listeners := append([]AsyncListener(nil), a.listeners...)
	req, resp := a.req, a.resp
	a.mu.Unlock()

	var closeErr error
	if resp != nil {
		closeErr = resp.Close()
	}
	if a.origResp != nil && a.origResp != resp {
		closeErr = multierr.Append(closeErr, a.origResp.Close())
	}

	ev := AsyncEvent{Context: a, Request: req, Response: resp, Err: cause}
	var errs error
	for _, l := range listeners {
		errs = multierr.Append(errs, try.Call(func() error { return l.OnComplete(ev) }))
	}

	var lerr error
	if errs != nil {
		lerr = &ListenerError{Errs: multierr.Errors(errs)}
		a.host.Log.Error("async listeners failed", logger.LogFields{
			"error":     lerr,
			"uri":       a.origReq.RequestURI,
			"listeners": len(listeners),
		})
	}
	if a.host.OnComplete != nil {
		a.host.OnComplete(multierr.Append(cause, closeErr))
	}
	return lerr
}

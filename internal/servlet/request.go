package servlet

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"example.com/bridgehttp/v2/internal/bridge"
	"example.com/bridgehttp/v2/internal/logger"
)

// DispatcherType tells a handler why it is being invoked.
type DispatcherType int

const (
	DispatcherRequest DispatcherType = iota
	DispatcherAsync
)

func (d DispatcherType) String() string {
	switch d {
	case DispatcherRequest:
		return "REQUEST"
	case DispatcherAsync:
		return "ASYNC"
	default:
		return fmt.Sprintf("DispatcherType(%d)", int(d))
	}
}

// Attribute names recorded on the request by AsyncContext.Dispatch. They hold
// the values of the request as it was before the first async dispatch.
const (
	AttrAsyncRequestURI  = "bridgehttp.async.request_uri"
	AttrAsyncContextPath = "bridgehttp.async.context_path"
	AttrAsyncServletPath = "bridgehttp.async.servlet_path"
	AttrAsyncPathInfo    = "bridgehttp.async.path_info"
	AttrAsyncQueryString = "bridgehttp.async.query_string"
)

// AsyncHost is what an exchange provides for async processing. The container
// attaches one to every request it dispatches.
type AsyncHost struct {
	Executor   Executor
	Dispatcher Dispatcher
	Log        *logger.Logger
	// OnComplete is called exactly once when an async exchange finishes.
	// A non-nil error means the connection must not be reused.
	OnComplete func(err error)
}

// Request is the inbound side of an exchange.
type Request struct {
	Method        string
	URL           *url.URL
	RequestURI    string
	Proto         string
	ProtoMajor    int
	ProtoMinor    int
	Header        http.Header
	ContentLength int64 // -1 when unknown
	RemoteAddr    string
	LocalAddr     string

	ctx  context.Context
	body *bridge.Bridge
	br   *bufio.Reader

	mu             sync.Mutex
	attrs          map[string]any
	contextPath    string
	servletPath    string
	pathInfo       string
	dispatcherType DispatcherType

	resp  *Response
	host  *AsyncHost
	async *AsyncContext
}

// NewRequest builds a request for requestURI, which must be in origin or
// absolute form.
func NewRequest(method, requestURI, proto string, header http.Header, body *bridge.Bridge) (*Request, error) {
	u, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return nil, fmt.Errorf("servlet: invalid request URI %q: %w", requestURI, err)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, fmt.Errorf("servlet: malformed HTTP version %q", proto)
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{
		Method:        method,
		URL:           u,
		RequestURI:    requestURI,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        header,
		ContentLength: -1,
		ctx:           context.Background(),
		body:          body,
		attrs:         make(map[string]any),
	}, nil
}

// Context returns the exchange context. It is cancelled when the connection closes.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// SetContext replaces the request context.
func (r *Request) SetContext(ctx context.Context) {
	if ctx == nil {
		panic("servlet: nil context")
	}
	r.ctx = ctx
}

// Body returns the request body stream. It is never nil for container requests.
func (r *Request) Body() *bridge.Bridge {
	return r.body
}

// Read reads from the body through the buffered reader if one was requested.
func (r *Request) Read(p []byte) (int, error) {
	if r.br != nil {
		return r.br.Read(p)
	}
	if r.body == nil {
		return 0, fmt.Errorf("servlet: request has no body")
	}
	return r.body.Read(p)
}

// BufferedReader returns a line-oriented reader over the body. Once called,
// all reads should go through it.
func (r *Request) BufferedReader() *bufio.Reader {
	if r.br == nil {
		r.br = bufio.NewReader(r.body)
	}
	return r.br
}

// ContextPath returns the container context path, "" for the root context.
func (r *Request) ContextPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contextPath
}

// ServletPath returns the part of the path that matched the handler mapping.
func (r *Request) ServletPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servletPath
}

// PathInfo returns the remainder after the servlet path, "" if none.
func (r *Request) PathInfo() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pathInfo
}

// QueryString returns the raw query, without the leading '?'.
func (r *Request) QueryString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.RawQuery
}

// SetPaths records how the request was mapped. Called by the dispatcher.
func (r *Request) SetPaths(contextPath, servletPath, pathInfo string) {
	r.mu.Lock()
	r.contextPath, r.servletPath, r.pathInfo = contextPath, servletPath, pathInfo
	r.mu.Unlock()
}

// DispatcherType returns why the current handler invocation happened.
func (r *Request) DispatcherType() DispatcherType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatcherType
}

func (r *Request) SetDispatcherType(t DispatcherType) {
	r.mu.Lock()
	r.dispatcherType = t
	r.mu.Unlock()
}

// Attribute returns a request attribute, or nil.
func (r *Request) Attribute(name string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attrs[name]
}

// SetAttribute stores an attribute. A nil value removes it.
func (r *Request) SetAttribute(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attrs == nil {
		r.attrs = make(map[string]any)
	}
	if v == nil {
		delete(r.attrs, name)
		return
	}
	r.attrs[name] = v
}

func (r *Request) RemoveAttribute(name string) {
	r.SetAttribute(name, nil)
}

// AttributeNames returns the attribute names in sorted order.
func (r *Request) AttributeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.attrs))
	for k := range r.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Attach binds the request to its response and async host. Requests without
// a host do not support async.
func (r *Request) Attach(resp *Response, host *AsyncHost) {
	r.mu.Lock()
	r.resp = resp
	r.host = host
	r.mu.Unlock()
}

// AsyncSupported reports whether StartAsync can succeed.
func (r *Request) AsyncSupported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host != nil && r.host.Executor != nil && r.host.Dispatcher != nil
}

// StartAsync puts the exchange into async mode with the original request and response.
func (r *Request) StartAsync() (*AsyncContext, error) {
	r.mu.Lock()
	resp := r.resp
	r.mu.Unlock()
	return r.StartAsyncWith(r, resp)
}

// StartAsyncWith is StartAsync with a substituted request/response pair.
// It may be called again from an async-dispatched handler to start a new
// cycle, but only once per cycle.
func (r *Request) StartAsyncWith(req *Request, resp *Response) (*AsyncContext, error) {
	if !r.AsyncSupported() {
		return nil, ErrAsyncNotSupported
	}
	if req == nil || resp == nil {
		return nil, fmt.Errorf("servlet: StartAsyncWith requires a request and a response")
	}
	r.mu.Lock()
	if r.async == nil {
		r.async = newAsyncContext(r, r.resp, r.host)
	}
	ac := r.async
	r.mu.Unlock()

	if err := ac.start(req, resp); err != nil {
		return nil, err
	}
	if req != r {
		req.mu.Lock()
		req.async = ac
		if req.host == nil {
			req.host = r.host
		}
		if req.resp == nil {
			req.resp = resp
		}
		req.mu.Unlock()
	}
	return ac, nil
}

// AsyncStarted reports whether StartAsync has been called on this exchange.
func (r *Request) AsyncStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.async != nil
}

// AsyncContext returns the async context, or nil before StartAsync.
func (r *Request) AsyncContext() *AsyncContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.async
}

// Host returns the host header value, falling back to the URL host.
func (r *Request) Host() string {
	if h := r.Header.Get("Host"); h != "" {
		return h
	}
	if r.URL != nil {
		return r.URL.Host
	}
	return ""
}

// Path returns the request path without query.
func (r *Request) Path() string {
	if r.URL == nil {
		return "/"
	}
	if p := r.URL.Path; p != "" {
		return p
	}
	return "/"
}

// ExpectsContinue reports whether the client sent Expect: 100-continue.
func (r *Request) ExpectsContinue() bool {
	return r.ProtoMinor >= 1 && strings.EqualFold(strings.TrimSpace(r.Header.Get("Expect")), "100-continue")
}

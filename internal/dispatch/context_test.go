package dispatch

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bridgehttp/v2/internal/bridge"
	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/response"
	"example.com/bridgehttp/v2/internal/servlet"
)

type bufSink struct{ bytes.Buffer }

func (s *bufSink) Flush() error { return nil }

func newExchange(t *testing.T, target string) (*servlet.Request, *servlet.Response, *bufSink) {
	t.Helper()
	req, err := servlet.NewRequest("GET", target, "HTTP/1.1", http.Header{}, bridge.New(nil))
	require.NoError(t, err)
	sink := &bufSink{}
	return req, servlet.NewResponse(sink, req, response.Options{Method: "GET", ProtoMinor: 1, KeepAlive: true}), sink
}

func finish(t *testing.T, resp *servlet.Response, sink *bufSink) (*http.Response, string) {
	t.Helper()
	require.NoError(t, resp.Close())
	r, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(sink.Bytes())), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return r, string(body)
}

func textHandler(body string) servlet.HandlerFunc {
	return func(req *servlet.Request, resp *servlet.Response) error {
		_, err := resp.WriteString(body)
		return err
	}
}

func TestServe_FiltersRunInOrderThenHandler(t *testing.T) {
	c := NewContext("", logger.Nop())
	var trace []string
	record := func(name string) servlet.FilterFunc {
		return func(req *servlet.Request, resp *servlet.Response, chain servlet.FilterChain) error {
			trace = append(trace, name+">")
			err := chain.Next(req, resp)
			trace = append(trace, "<"+name)
			return err
		}
	}
	require.NoError(t, c.AddFilter("F1", record("F1")))
	require.NoError(t, c.AddFilter("F2", record("F2")))
	require.NoError(t, c.HandleFunc("H", func(req *servlet.Request, resp *servlet.Response) error {
		trace = append(trace, "H")
		return nil
	}, "/work"))

	req, resp, _ := newExchange(t, "/work")
	require.NoError(t, c.Serve(req, resp))
	assert.Equal(t, []string{"F1>", "F2>", "H", "<F2", "<F1"}, trace)
	assert.Equal(t, "/work", req.ServletPath())
}

func TestServe_FilterShortCircuit(t *testing.T) {
	c := NewContext("", logger.Nop())
	called := false
	require.NoError(t, c.AddFilter("deny", servlet.FilterFunc(func(req *servlet.Request, resp *servlet.Response, _ servlet.FilterChain) error {
		return resp.SendError(http.StatusForbidden, "nope")
	})))
	require.NoError(t, c.HandleFunc("H", func(*servlet.Request, *servlet.Response) error {
		called = true
		return nil
	}, "/"))

	req, resp, sink := newExchange(t, "/anything")
	require.NoError(t, c.Serve(req, resp))
	r, _ := finish(t, resp, sink)
	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)
}

func TestServe_DefaultFallback(t *testing.T) {
	c := NewContext("", logger.Nop())
	_, err := c.AddServlet("exact", textHandler("exact"))
	require.NoError(t, err)
	require.NoError(t, c.Registration("exact").AddMapping("/exact"))
	require.NoError(t, c.HandleFunc("default", textHandler("default"), "/"))

	for path, want := range map[string]string{"/exact": "exact", "/exact/more": "default", "/zzz": "default"} {
		req, resp, sink := newExchange(t, path)
		require.NoError(t, c.Serve(req, resp))
		_, body := finish(t, resp, sink)
		assert.Equal(t, want, body, "path %s", path)
	}
}

func TestServe_NotFound(t *testing.T) {
	c := NewContext("", logger.Nop())
	require.NoError(t, c.HandleFunc("only", textHandler("x"), "/only"))

	_, err := c.Resolve("/missing")
	var nf *DispatchNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "/missing", nf.Path)

	req, resp, sink := newExchange(t, "/missing")
	require.NoError(t, c.Serve(req, resp), "a 404 is a response, not an error")
	r, body := finish(t, resp, sink)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
	assert.Contains(t, body, "Not Found")
}

func TestServe_HandlerErrorBeforeCommitSends500(t *testing.T) {
	c := NewContext("", logger.Nop())
	boom := errors.New("boom")
	require.NoError(t, c.HandleFunc("fails", func(req *servlet.Request, resp *servlet.Response) error {
		_, _ = resp.WriteString("half written")
		return boom
	}, "/fails"))

	req, resp, sink := newExchange(t, "/fails")
	err := c.Serve(req, resp)
	assert.ErrorIs(t, err, boom)
	var herr *HandlerError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "fails", herr.Name)
	assert.True(t, resp.ErrorSent())

	r, body := finish(t, resp, sink)
	assert.Equal(t, http.StatusInternalServerError, r.StatusCode)
	assert.NotContains(t, body, "half written")
}

func TestServe_HandlerErrorAfterCommitIsReturned(t *testing.T) {
	c := NewContext("", logger.Nop())
	boom := errors.New("late failure")
	require.NoError(t, c.HandleFunc("late", func(req *servlet.Request, resp *servlet.Response) error {
		_, _ = resp.WriteString("streamed")
		_ = resp.Flush()
		return boom
	}, "/late"))

	req, resp, _ := newExchange(t, "/late")
	err := c.Serve(req, resp)
	assert.ErrorIs(t, err, boom)
	assert.False(t, resp.ErrorSent(), "committed responses cannot carry an error page")
}

func TestServe_HandlerPanicIsRecovered(t *testing.T) {
	c := NewContext("", logger.Nop())
	require.NoError(t, c.HandleFunc("panics", func(*servlet.Request, *servlet.Response) error {
		panic("handler exploded")
	}, "/"))

	req, resp, sink := newExchange(t, "/")
	err := c.Serve(req, resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")
	r, _ := finish(t, resp, sink)
	assert.Equal(t, http.StatusInternalServerError, r.StatusCode)
}

func TestServe_ContextPath(t *testing.T) {
	c := NewContext("/app", logger.Nop())
	require.NoError(t, c.HandleFunc("hello", textHandler("hi"), "/hello"))
	require.NoError(t, c.HandleFunc("root", textHandler("root"), "/"))

	req, resp, sink := newExchange(t, "/app/hello")
	require.NoError(t, c.Serve(req, resp))
	_, body := finish(t, resp, sink)
	assert.Equal(t, "hi", body)
	assert.Equal(t, "/app", req.ContextPath())
	assert.Equal(t, "/hello", req.ServletPath())

	req, resp, sink = newExchange(t, "/other/hello")
	require.NoError(t, c.Serve(req, resp))
	r, _ := finish(t, resp, sink)
	assert.Equal(t, http.StatusNotFound, r.StatusCode, "paths outside the context are not found")
}

func TestLookupPath(t *testing.T) {
	c := NewContext("/app", nil)
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/app", "/", true},
		{"/app/", "/", true},
		{"/app/x/y", "/x/y", true},
		{"/application", "", false},
		{"/", "", false},
	}
	for _, tc := range tests {
		got, ok := c.LookupPath(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	root := NewContext("", nil)
	got, ok := root.LookupPath("")
	assert.True(t, ok)
	assert.Equal(t, "/", got)
}

func TestRegistration_Errors(t *testing.T) {
	c := NewContext("", nil)
	a, err := c.AddServlet("a", textHandler("a"))
	require.NoError(t, err)
	b, err := c.AddServlet("b", textHandler("b"))
	require.NoError(t, err)

	_, err = c.AddServlet("a", textHandler("again"))
	assert.ErrorIs(t, err, ErrDuplicateName)
	_, err = c.AddServlet("", textHandler(""))
	assert.Error(t, err)
	_, err = c.AddServlet("nil", nil)
	assert.Error(t, err)

	require.NoError(t, a.AddMapping("/one", "/two"))
	require.NoError(t, a.AddMapping("/one"), "re-adding an owned pattern is allowed")

	err = b.AddMapping("/three", "/two")
	var conflict *MappingConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "/two", conflict.Pattern)
	assert.Equal(t, "a", conflict.Existing)
	assert.Empty(t, b.Mappings(), "a conflicting call adds nothing")
	assert.Equal(t, []string{"/one", "/two"}, a.Mappings())

	assert.ErrorIs(t, b.AddMapping("/static/*"), ErrUnsupportedPattern)
	assert.ErrorIs(t, b.AddMapping("relative"), ErrUnsupportedPattern)

	require.NoError(t, c.AddFilter("f", servlet.FilterFunc(func(req *servlet.Request, resp *servlet.Response, ch servlet.FilterChain) error {
		return ch.Next(req, resp)
	})))
	assert.ErrorIs(t, c.AddFilter("f", servlet.FilterFunc(nil)), ErrDuplicateName)
	assert.Equal(t, []string{"f"}, c.FilterNames())
}

func TestFreeze(t *testing.T) {
	c := NewContext("", nil)
	require.NoError(t, c.HandleFunc("h", textHandler("h"), "/h"))
	c.Freeze()
	c.Freeze()
	assert.True(t, c.Frozen())

	_, err := c.AddServlet("late", textHandler("late"))
	assert.ErrorIs(t, err, ErrContextFrozen)
	assert.ErrorIs(t, c.AddFilter("late", servlet.FilterFunc(func(*servlet.Request, *servlet.Response, servlet.FilterChain) error { return nil })), ErrContextFrozen)
	assert.ErrorIs(t, c.Registration("h").AddMapping("/h2"), ErrContextFrozen)

	b1, err := c.Resolve("/h")
	require.NoError(t, err)
	b2, err := c.Resolve("/h")
	require.NoError(t, err)
	assert.Same(t, b1, b2, "frozen contexts reuse bindings")
	assert.Equal(t, "h", b1.Name())

	_, err = c.Resolve("/nope")
	assert.Error(t, err)
}

func TestResolve_BindingSnapshotsFilters(t *testing.T) {
	c := NewContext("", nil)
	pass := servlet.FilterFunc(func(req *servlet.Request, resp *servlet.Response, ch servlet.FilterChain) error {
		return ch.Next(req, resp)
	})
	require.NoError(t, c.AddFilter("first", pass))
	require.NoError(t, c.HandleFunc("h", textHandler(""), "/"))
	b, err := c.Resolve("/x")
	require.NoError(t, err)
	assert.Equal(t, DefaultPattern, b.Pattern)

	require.NoError(t, c.AddFilter("second", pass))
	assert.Equal(t, []string{"first"}, b.FilterNames())
}

type lifecycleHandler struct {
	inits     atomic.Int32
	destroyed atomic.Bool
	failInit  error
	cfg       servlet.HandlerConfig
}

func (h *lifecycleHandler) Init(cfg servlet.HandlerConfig) error {
	h.inits.Add(1)
	h.cfg = cfg
	return h.failInit
}

func (h *lifecycleHandler) Serve(req *servlet.Request, resp *servlet.Response) error {
	_, err := resp.WriteString("ok")
	return err
}

func (h *lifecycleHandler) Destroy() { h.destroyed.Store(true) }

func TestHandler_LazyInitOnce(t *testing.T) {
	c := NewContext("/ctx", nil)
	h := &lifecycleHandler{}
	r, err := c.AddServlet("life", h)
	require.NoError(t, err)
	require.NoError(t, r.AddMapping("/life"))
	c.Freeze()
	assert.Equal(t, int32(0), h.inits.Load(), "init is deferred to first dispatch")

	for i := 0; i < 3; i++ {
		req, resp, _ := newExchange(t, "/ctx/life")
		require.NoError(t, c.Serve(req, resp))
	}
	assert.Equal(t, int32(1), h.inits.Load())
	assert.Equal(t, servlet.HandlerConfig{Name: "life", ContextPath: "/ctx"}, h.cfg)

	c.Destroy()
	assert.True(t, h.destroyed.Load())
}

func TestHandler_InitFailureYields500(t *testing.T) {
	c := NewContext("", nil)
	h := &lifecycleHandler{failInit: errors.New("no database")}
	r, err := c.AddServlet("broken", h)
	require.NoError(t, err)
	require.NoError(t, r.AddMapping("/"))

	req, resp, sink := newExchange(t, "/")
	err = c.Serve(req, resp)
	assert.ErrorContains(t, err, "no database")
	res, _ := finish(t, resp, sink)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	c.Destroy()
	assert.False(t, h.destroyed.Load(), "handlers that never initialized are not destroyed")
}

package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"example.com/bridgehttp/v2/internal/bridge"
	"example.com/bridgehttp/v2/internal/config"
	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/response"
	"example.com/bridgehttp/v2/internal/servlet"
	"example.com/bridgehttp/v2/internal/transport"
)

// connHandler turns transport events into exchanges. Each connection carries
// a session; exchanges on one connection are served strictly in order.
type connHandler struct{ c *Container }

func sessionOf(conn *transport.Conn) *session {
	s, _ := conn.Value().(*session)
	return s
}

func (h *connHandler) OnOpen(conn *transport.Conn) {
	conn.SetValue(&session{c: h.c, conn: conn})
	h.c.log.Debug("Connection opened", logger.LogFields{
		"conn_id":     conn.ID(),
		"remote_addr": conn.RemoteAddr().String(),
	})
}

func (h *connHandler) OnHead(conn *transport.Conn, head *transport.RequestHead) error {
	return sessionOf(conn).onHead(head)
}

func (h *connHandler) OnBody(conn *transport.Conn, p []byte, final bool) error {
	return sessionOf(conn).onBody(p, final)
}

func (h *connHandler) OnDecodeError(conn *transport.Conn, err *transport.DecodeError) {
	sessionOf(conn).onDecodeError(err)
}

func (h *connHandler) OnReadEOF(conn *transport.Conn) { sessionOf(conn).onReadEOF() }

func (h *connHandler) OnClose(conn *transport.Conn, err error) {
	if s := sessionOf(conn); s != nil {
		s.onClose()
	}
	fields := logger.LogFields{"conn_id": conn.ID()}
	if err != nil {
		fields["error"] = err
	}
	h.c.log.Debug("Connection closed", fields)
}

type session struct {
	c    *Container
	conn *transport.Conn

	mu        sync.Mutex
	queue     []*exchange // queue[0] is being served
	reading   *exchange   // body still arriving
	readDone  bool
	decodeErr *transport.DecodeError
	closed    bool
}

// exchange is one request/response pair.
type exchange struct {
	s     *session
	head  *transport.RequestHead
	body  *bridge.Bridge
	req   *servlet.Request
	resp  *servlet.Response
	start time.Time

	bodyDone   atomic.Bool
	closeAfter bool
	once       sync.Once
}

func (s *session) onHead(head *transport.RequestHead) error {
	cfg := s.c.cfg.Server
	body := bridge.New(s.conn,
		bridge.WithRecheckInterval(cfg.ReadRecheckIntervalDuration()),
		bridge.WithScheduler(s.c.pool.Go),
		bridge.WithName(fmt.Sprintf("conn-%d", s.conn.ID())),
	)
	req, err := servlet.NewRequest(head.Method, head.RequestURI, head.Proto, head.Header, body)
	if err != nil {
		_ = body.Close()
		return &transport.DecodeError{Status: http.StatusBadRequest, Reason: err.Error()}
	}
	req.ContentLength = head.ContentLength
	req.RemoteAddr = s.conn.RemoteAddr().String()
	req.LocalAddr = s.conn.LocalAddr().String()
	req.SetContext(s.conn.Context())

	resp := servlet.NewResponse(s.conn, req, response.Options{
		Method:     head.Method,
		ProtoMinor: head.ProtoMinor,
		KeepAlive:  !head.Close,
		ServerInfo: cfg.ServerInfo,
		BufferSize: config.IntValue(cfg.ResponseBufferSize, config.DefaultResponseBufferSize),
		Gzip:       cfg.Compression && response.AcceptsGzip(head.Header.Get("Accept-Encoding")),
	})

	ex := &exchange{s: s, head: head, body: body, req: req, resp: resp, start: time.Now()}
	if head.ContentLength == 0 {
		ex.bodyDone.Store(true)
	}
	req.Attach(resp, &servlet.AsyncHost{
		Executor:   s.c.pool,
		Dispatcher: s.c.dctx,
		Log:        s.c.log,
		OnComplete: ex.finish,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = body.Close()
		return transport.ErrConnClosed
	}
	s.queue = append(s.queue, ex)
	s.reading = ex
	first := len(s.queue) == 1
	s.mu.Unlock()

	if first {
		s.dispatch(ex)
	}
	return nil
}

func (s *session) onBody(p []byte, final bool) error {
	s.mu.Lock()
	ex := s.reading
	if final {
		s.reading = nil
	}
	s.mu.Unlock()
	if ex == nil {
		return nil
	}

	var chunk bridge.Chunk
	switch bp := s.c.getChunkBuf(); {
	case len(p) == 0:
		s.c.putChunkBuf(bp)
		chunk = bridge.NewChunk(nil, final)
	case len(p) > len(*bp):
		s.c.putChunkBuf(bp)
		chunk = bridge.NewChunk(bytes.Clone(p), final)
	default:
		n := copy(*bp, p)
		chunk = bridge.NewPooledChunk((*bp)[:n], final, func() { s.c.putChunkBuf(bp) })
	}
	if final {
		ex.bodyDone.Store(true)
	}
	// The exchange may have finished without reading its body; the rest is
	// discarded.
	if err := ex.body.Push(chunk); err != nil && !bridge.IsClosed(err) {
		return err
	}
	return nil
}

func (s *session) onDecodeError(err *transport.DecodeError) {
	s.c.log.Warn("Malformed request", logger.LogFields{
		"conn_id": s.conn.ID(),
		"status":  err.Status,
		"reason":  err.Reason,
	})
	s.mu.Lock()
	s.readDone = true
	s.decodeErr = err
	ex := s.reading
	s.reading = nil
	idle := len(s.queue) == 0
	s.mu.Unlock()

	if ex != nil {
		_ = ex.body.Close()
	}
	if idle {
		s.sendDecodeError(err)
	}
}

func (s *session) sendDecodeError(err *transport.DecodeError) {
	_, _ = s.conn.Write(err.Response())
	_ = s.conn.Close()
}

func (s *session) onReadEOF() {
	s.mu.Lock()
	s.readDone = true
	ex := s.reading
	s.reading = nil
	idle := len(s.queue) == 0
	s.mu.Unlock()

	// A body cut short by the peer never completes.
	if ex != nil {
		_ = ex.body.Close()
	}
	if idle {
		_ = s.conn.Close()
	}
}

func (s *session) onClose() {
	s.mu.Lock()
	s.closed = true
	queue := append([]*exchange(nil), s.queue...)
	s.reading = nil
	s.mu.Unlock()
	for _, ex := range queue {
		_ = ex.body.Close()
	}
}

// dispatch hands ex to the worker pool, answering 503 when it is saturated.
func (s *session) dispatch(ex *exchange) {
	err := s.c.pool.Submit(ex.serve)
	if err == nil {
		return
	}
	s.c.log.Warn("Request rejected", logger.LogFields{
		"conn_id": s.conn.ID(),
		"uri":     ex.head.RequestURI,
		"error":   err,
	})
	ex.closeAfter = true
	sendErr := ex.resp.SendError(http.StatusServiceUnavailable, "")
	ex.resp.Header().Set("Connection", "close")
	ex.finish(multierr.Combine(err, sendErr, ex.resp.Close()))
}

func (ex *exchange) serve() {
	s := ex.s
	if !s.conn.Active() {
		ex.finish(transport.ErrConnClosed)
		return
	}
	if ex.req.ExpectsContinue() && !ex.bodyDone.Load() {
		if err := response.WriteContinue(s.conn); err != nil {
			ex.finish(err)
			return
		}
	}
	err := s.c.dctx.Serve(ex.req, ex.resp)
	if ac := ex.req.AsyncContext(); ac != nil {
		ac.HandlerDone(err)
		return
	}
	ex.finish(multierr.Append(err, ex.resp.Close()))
}

// finish ends the exchange once, then either serves the next pipelined
// request or settles the connection.
func (ex *exchange) finish(err error) {
	ex.once.Do(func() { ex.s.complete(ex, err) })
}

func (s *session) complete(ex *exchange, err error) {
	w := ex.resp.Writer()
	abort := err != nil && !ex.resp.ErrorSent()
	keep := !abort && !ex.closeAfter && !ex.head.Close && w.KeepAlive()
	// No handler of the exchange runs any more; an unread body goes back to
	// the pool here.
	ex.body.Release()

	s.c.log.Access(logger.AccessEntry{
		RemoteAddr:    ex.req.RemoteAddr,
		Header:        ex.req.Header,
		Proto:         ex.head.Proto,
		Method:        ex.head.Method,
		URI:           ex.head.RequestURI,
		Status:        w.Status(),
		ResponseBytes: w.BytesSent(),
		Duration:      time.Since(ex.start),
		ConnID:        s.conn.ID(),
	})

	s.mu.Lock()
	if len(s.queue) > 0 && s.queue[0] == ex {
		s.queue = s.queue[1:]
	}
	var next *exchange
	if len(s.queue) > 0 {
		next = s.queue[0]
	}
	readDone, decodeErr := s.readDone, s.decodeErr
	s.mu.Unlock()

	switch {
	case abort:
		if !errors.Is(err, transport.ErrConnClosed) {
			s.c.log.Warn("Aborting connection after failed exchange", logger.LogFields{
				"conn_id": s.conn.ID(),
				"uri":     ex.head.RequestURI,
				"error":   err,
			})
		}
		s.conn.Abort()
	case !keep:
		_ = s.conn.Close()
	case s.conn.Flush() != nil:
		s.conn.Abort()
	case next != nil:
		s.dispatch(next)
	case decodeErr != nil:
		s.sendDecodeError(decodeErr)
	case readDone:
		_ = s.conn.Close()
	}
}

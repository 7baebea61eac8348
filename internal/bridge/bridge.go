// Package bridge turns body fragments pushed by an I/O goroutine into a
// blocking io.Reader consumed by a handler running on a worker goroutine.
//
// Push is called from the transport only and never blocks. Read is called
// by a single consumer at a time. A blocked Read wakes when data arrives,
// when the bridge is closed, or at the latest after RecheckInterval, at
// which point it re-checks the connection's liveness.
package bridge

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRecheckInterval bounds how long a blocked Read goes without
// re-checking connection liveness.
const DefaultRecheckInterval = 100 * time.Millisecond

// Liveness is the part of a connection the bridge needs to observe.
type Liveness interface {
	Active() bool
}

// ReadListener receives non-blocking read notifications. Once set, Read
// returns ErrNotReady instead of blocking. Callbacks never overlap: the next
// one is delivered only after the previous one returned. OnAllDataRead and
// OnError are terminal and delivered at most once between them.
type ReadListener interface {
	OnDataAvailable() error
	OnAllDataRead() error
	OnError(err error)
}

// Scheduler runs listener callbacks off the I/O goroutine.
type Scheduler func(task func()) error

// Option configures a Bridge.
type Option func(*Bridge)

// WithRecheckInterval overrides DefaultRecheckInterval. Non-positive values are ignored.
func WithRecheckInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.recheck = d
		}
	}
}

// WithScheduler sets where listener callbacks run. The default starts a goroutine.
func WithScheduler(s Scheduler) Option {
	return func(b *Bridge) {
		if s != nil {
			b.schedule = s
		}
	}
}

// WithName labels the bridge in ChannelInactiveError, usually with the peer address.
func WithName(name string) Option {
	return func(b *Bridge) { b.name = name }
}

// Bridge is a single-producer single-consumer body stream.
type Bridge struct {
	conn     Liveness
	recheck  time.Duration
	schedule Scheduler
	name     string

	closed   atomic.Bool
	closedCh chan struct{}
	notify   chan struct{}

	mu             sync.Mutex
	queue          []Chunk
	terminalQueued bool
	listener       ReadListener
	wantNotify     bool
	allReadFired   bool // a terminal callback is pending or was delivered

	// Listener callbacks waiting for delivery, drained by one goroutine at a time.
	running        bool
	availPending   bool
	allReadPending bool
	errPending     error
	errSent        bool

	// Consumer-only state.
	cur Chunk
	off int
	eof bool
}

// New returns a bridge bound to conn. A nil conn is treated as always active.
func New(conn Liveness, opts ...Option) *Bridge {
	b := &Bridge{
		conn:     conn,
		recheck:  DefaultRecheckInterval,
		schedule: func(task func()) error { go task(); return nil },
		closedCh: make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push enqueues c. The bridge takes ownership of the chunk even when Push
// fails, in which case the chunk is released immediately.
func (b *Bridge) Push(c Chunk) error {
	if b.closed.Load() {
		c.releaseOnce()
		return &ClosedStreamError{Op: "push"}
	}
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		c.releaseOnce()
		return &ClosedStreamError{Op: "push"}
	}
	if b.terminalQueued {
		b.mu.Unlock()
		c.releaseOnce()
		return ErrTerminalChunkPushed
	}
	b.queue = append(b.queue, c)
	if c.final {
		b.terminalQueued = true
	}
	l := b.listener
	start := false
	if l != nil && b.wantNotify {
		b.wantNotify = false
		b.availPending = true
		start = b.claimLocked()
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	if start {
		b.startCallbacks(l)
	}
	return nil
}

// Read copies buffered body bytes into p. It blocks only while no byte has
// been copied and the body is not complete.
func (b *Bridge) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if b.closed.Load() {
			b.cur.releaseOnce()
			return 0, &ClosedStreamError{Op: "read"}
		}
		if n := b.copyAvailable(p); n > 0 {
			return n, nil
		}
		if b.eof {
			b.fireAllRead()
			return 0, io.EOF
		}
		if b.conn != nil && !b.conn.Active() {
			// The connection may have gone away after the last chunk landed.
			if b.hasQueued() {
				continue
			}
			return 0, &ChannelInactiveError{Conn: b.name}
		}
		if listening, retry := b.armListener(); listening {
			if retry {
				continue
			}
			return 0, ErrNotReady
		}

		if timer == nil {
			timer = time.NewTimer(b.recheck)
		} else {
			timer.Reset(b.recheck)
		}
		select {
		case <-b.notify:
		case <-b.closedCh:
		case <-timer.C:
		}
	}
}

// copyAvailable drains the current chunk and as many queued chunks as fit.
func (b *Bridge) copyAvailable(p []byte) int {
	n := 0
	for n < len(p) && !b.eof {
		if b.off < len(b.cur.data) {
			c := copy(p[n:], b.cur.data[b.off:])
			n += c
			b.off += c
			continue
		}
		if b.cur.final {
			b.cur.releaseOnce()
			b.eof = true
			break
		}
		b.cur.releaseOnce()
		next, ok := b.dequeue()
		if !ok {
			break
		}
		b.cur, b.off = next, 0
	}
	// A drained final chunk means end of body even if p was filled exactly.
	if !b.eof && b.cur.final && b.off >= len(b.cur.data) {
		b.cur.releaseOnce()
		b.eof = true
	}
	return n
}

func (b *Bridge) dequeue() (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Chunk{}, false
	}
	c := b.queue[0]
	b.queue[0] = Chunk{}
	b.queue = b.queue[1:]
	return c, true
}

func (b *Bridge) hasQueued() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) > 0
}

// armListener reports whether a listener is set and, if so, arms the next
// OnDataAvailable. retry is true when a chunk landed since the last copy;
// the queue is checked under the lock so a concurrent Push cannot be missed.
func (b *Bridge) armListener() (listening, retry bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return false, false
	}
	if len(b.queue) > 0 {
		return true, true
	}
	b.wantNotify = true
	return true, false
}

// Skip discards up to n bytes. Reaching end of body is not an error.
func (b *Bridge) Skip(n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	buf := make([]byte, min(n, 4096))
	var skipped int64
	for skipped < n {
		want := min(n-skipped, int64(len(buf)))
		m, err := b.Read(buf[:want])
		skipped += int64(m)
		if err == io.EOF {
			return skipped, nil
		}
		if err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

// Ready reports whether Read can return bytes without blocking.
func (b *Bridge) Ready() bool {
	if b.off < len(b.cur.data) {
		return true
	}
	return b.hasQueued()
}

// Available returns the number of bytes readable from the current chunk,
// or from the next queued chunk when the current one is exhausted.
func (b *Bridge) Available() int {
	if r := len(b.cur.data) - b.off; r > 0 {
		return r
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		return b.queue[0].Len()
	}
	return 0
}

// Finished reports whether the terminal chunk has been consumed.
func (b *Bridge) Finished() bool {
	return b.eof
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	return b.closed.Load()
}

// Close marks the bridge closed, wakes any blocked reader and releases
// queued chunks. Only the first call has an effect. The chunk currently held
// by the consumer is released on its next Read, or by Release.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closedCh)

	b.mu.Lock()
	queued := b.queue
	b.queue = nil
	l := b.listener
	start := false
	if l != nil && !b.allReadFired {
		b.allReadFired = true
		b.availPending = false
		b.allReadPending = false
		b.errPending = &ClosedStreamError{Op: "read"}
		start = b.claimLocked()
	}
	b.mu.Unlock()

	for i := range queued {
		queued[i].releaseOnce()
	}
	if start {
		b.startCallbacks(l)
	}
	return nil
}

// Release closes the bridge and also releases the chunk held by the
// consumer. It must only be called once no blocking Read can run any more,
// typically after the handler that owned the body returned. While listener
// callbacks are being delivered the chunk is released when they stop.
func (b *Bridge) Release() {
	_ = b.Close()
	b.mu.Lock()
	if !b.running {
		b.cur.releaseOnce()
	}
	b.mu.Unlock()
}

// SetReadListener switches the bridge to non-blocking mode. If data is
// already queued, OnDataAvailable is scheduled right away.
func (b *Bridge) SetReadListener(l ReadListener) error {
	if l == nil {
		return ErrNilListener
	}
	if b.closed.Load() {
		return &ClosedStreamError{Op: "set read listener"}
	}
	b.mu.Lock()
	if b.listener != nil {
		b.mu.Unlock()
		return ErrListenerSet
	}
	b.listener = l
	start := false
	if len(b.queue) > 0 || b.off < len(b.cur.data) {
		b.availPending = true
		start = b.claimLocked()
	} else {
		b.wantNotify = true
	}
	b.mu.Unlock()
	if start {
		b.startCallbacks(l)
	}
	return nil
}

func (b *Bridge) fireAllRead() {
	b.mu.Lock()
	l := b.listener
	start := false
	if l != nil && !b.allReadFired {
		b.allReadFired = true
		b.allReadPending = true
		start = b.claimLocked()
	}
	b.mu.Unlock()
	if start {
		b.startCallbacks(l)
	}
}

// claimLocked reports whether the caller must start delivering callbacks,
// that is whether no delivery goroutine is running. Called with b.mu held.
func (b *Bridge) claimLocked() bool {
	if b.running {
		return false
	}
	b.running = true
	return true
}

func (b *Bridge) startCallbacks(l ReadListener) {
	err := b.schedule(func() { b.runCallbacks(l) })
	if err == nil {
		return
	}
	b.mu.Lock()
	b.running = false
	b.allReadFired = true
	b.errSent = true
	b.availPending, b.allReadPending, b.errPending = false, false, nil
	b.mu.Unlock()
	l.OnError(fmt.Errorf("bridge: scheduling listener callback: %w", err))
}

// runCallbacks delivers pending callbacks one after another until none is
// left. A callback that runs Read may queue the next one; it is delivered
// after the current one returns.
func (b *Bridge) runCallbacks(l ReadListener) {
	for {
		b.mu.Lock()
		var cb func() error
		switch {
		case b.errPending != nil:
			err := b.errPending
			b.errPending = nil
			b.errSent = true
			b.availPending, b.allReadPending = false, false
			b.mu.Unlock()
			l.OnError(err)
			continue
		case b.availPending:
			b.availPending = false
			if !b.closed.Load() {
				cb = l.OnDataAvailable
			}
		case b.allReadPending:
			b.allReadPending = false
			cb = l.OnAllDataRead
		default:
			if b.closed.Load() {
				b.cur.releaseOnce()
			}
			b.running = false
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		if cb == nil {
			continue
		}
		if err := cb(); err != nil {
			b.mu.Lock()
			b.allReadFired = true
			b.availPending, b.allReadPending = false, false
			if !b.errSent {
				b.errPending = err
			}
			b.mu.Unlock()
		}
	}
}

// Package server owns the container lifecycle: the listening socket, the
// acceptor goroutines, the I/O loop group and the dispatch worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"example.com/bridgehttp/v2/internal/config"
	"example.com/bridgehttp/v2/internal/dispatch"
	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/transport"
	"example.com/bridgehttp/v2/internal/util"
	"example.com/bridgehttp/v2/internal/workerpool"
)

type state int

const (
	stateNew state = iota
	stateStarted
	stateStopped
)

// Container is an embedded HTTP/1.1 servlet-style container.
type Container struct {
	cfg  *config.Config
	log  *logger.Logger
	dctx *dispatch.Context
	port int

	chunks sync.Pool // *[]byte of MaxChunkSize

	mu        sync.Mutex
	state     state
	ln        net.Listener
	addr      net.Addr
	acceptors *errgroup.Group
	accepting chan struct{} // closed when acceptors must stop
	loops     *transport.Group
	pool      *workerpool.Pool
}

// New builds a container from cfg. A nil cfg uses the defaults, a nil dctx
// an empty registry for the configured context path. Port 0 picks a random
// port in [1024, 65535). The dispatch context is frozen here: register
// handlers and filters before calling New.
func New(cfg *config.Config, log *logger.Logger, dctx *dispatch.Context) (*Container, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	s := cfg.Server
	if dctx == nil {
		dctx = dispatch.NewContext(s.ContextPath, log)
	} else if dctx.ContextPath() != s.ContextPath {
		log.Warn("Dispatch context path differs from configuration; using the dispatch context", logger.LogFields{
			"configured": s.ContextPath,
			"context":    dctx.ContextPath(),
		})
	}

	if s.RegisterDefaultServlet {
		log.Warn("Default servlet registration is not supported and was ignored", nil)
	}
	if s.RegisterJspServlet {
		log.Warn("JSP servlet registration is not supported and was ignored", nil)
	}

	port := config.IntValue(s.Port, 0)
	if port == 0 {
		port = config.EphemeralPortMin + rand.IntN(config.EphemeralPortMax-config.EphemeralPortMin)
	}

	c := &Container{cfg: cfg, log: log, dctx: dctx, port: port}
	chunkSize := config.IntValue(s.MaxChunkSize, config.DefaultMaxChunkSize)
	c.chunks.New = func() any {
		b := make([]byte, chunkSize)
		return &b
	}
	dctx.Freeze()
	return c, nil
}

// Dispatch returns the container's handler registry.
func (c *Container) Dispatch() *dispatch.Context { return c.dctx }

// Port returns the bound port once started, or the configured port before.
func (c *Container) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tcp, ok := c.addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return c.port
}

// Addr returns the listening address, or nil before Start.
func (c *Container) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Start binds the listening socket and starts the worker pool, the I/O
// loops and the acceptors. A bind failure is returned as *BindError and
// leaves nothing running.
func (c *Container) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}
	s := c.cfg.Server

	ln, err := c.listen()
	if err != nil {
		return err
	}
	if s.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.MaxConnections)
	}

	pool, err := workerpool.New(config.IntValue(s.DispatchWorkers, config.DefaultDispatchWorkers),
		config.IntValue(s.DispatchQueue, config.DefaultDispatchQueue), c.log)
	if err != nil {
		ln.Close()
		return err
	}
	loops, err := transport.NewGroup(&connHandler{c: c}, transport.Options{
		Loops:          config.IntValue(s.IOThreads, 0),
		Native:         config.BoolValue(s.NativePoller, true),
		MaxHeaderBytes: config.IntValue(s.MaxHeaderBytes, config.DefaultMaxHeaderBytes),
		MaxChunkSize:   config.IntValue(s.MaxChunkSize, config.DefaultMaxChunkSize),
	}, c.log)
	if err != nil {
		ln.Close()
		_ = pool.Shutdown(context.Background())
		return err
	}

	c.ln, c.addr, c.pool, c.loops = ln, ln.Addr(), pool, loops
	c.accepting = make(chan struct{})
	c.acceptors = new(errgroup.Group)
	for i := 0; i < config.IntValue(s.AcceptorThreads, config.DefaultAcceptorThreads); i++ {
		c.acceptors.Go(c.accept)
	}
	c.state = stateStarted

	c.log.Info("Container started", logger.LogFields{
		"address":      c.addr.String(),
		"context_path": c.dctx.ContextPath(),
		"io_loops":     loops.Size(),
		"native":       loops.Native(),
		"workers":      config.IntValue(s.DispatchWorkers, config.DefaultDispatchWorkers),
	})
	return nil
}

func (c *Container) listen() (net.Listener, error) {
	ln, ok, err := util.InheritedListener(util.ListenFdsEnvKey)
	if err != nil {
		return nil, &BindError{Addr: util.ListenFdsEnvKey, Err: err}
	}
	if ok {
		c.log.Info("Using inherited listener", logger.LogFields{"address": ln.Addr().String()})
		return ln, nil
	}
	addr := net.JoinHostPort(config.StringValue(c.cfg.Server.Address, config.DefaultAddress), strconv.Itoa(c.port))
	ln, err = util.Listen(context.Background(), "tcp", addr, util.ListenOptions{ReuseAddr: true})
	if err != nil {
		return nil, &BindError{Addr: addr, InUse: util.IsAddrInUse(err), Err: err}
	}
	return ln, nil
}

func (c *Container) accept() error {
	delay := time.Duration(0)
	for {
		nc, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.accepting:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			c.log.Warn("Accept failed, retrying", logger.LogFields{"error": err, "delay_ms": delay.Milliseconds()})
			time.Sleep(delay)
			continue
		}
		delay = 0
		if _, err := c.loops.Attach(nc); err != nil {
			c.log.Debug("Dropping accepted connection", logger.LogFields{"error": err})
		}
	}
}

// Stop shuts down the acceptors, the I/O loops and then the worker pool,
// waiting for each stage up to the configured shutdown timeout. A stage that
// does not finish in time yields a *ShutdownInterruptedError; later stages
// still run. Handlers are destroyed once the workers have drained.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateStarted {
		c.state = stateStopped
		c.mu.Unlock()
		return nil
	}
	c.state = stateStopped
	c.mu.Unlock()

	timeout := c.cfg.Server.ShutdownTimeoutDuration()
	var errs error
	stage := func(name string, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(sctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				err = &ShutdownInterruptedError{Stage: name, Cause: err}
			}
			c.log.Error("Shutdown stage failed", logger.LogFields{"stage": name, "error": err})
			errs = multierr.Append(errs, err)
		}
	}

	stage(StageAcceptors, func(ctx context.Context) error {
		close(c.accepting)
		closeErr := c.ln.Close()
		done := make(chan error, 1)
		go func() { done <- c.acceptors.Wait() }()
		select {
		case err := <-done:
			if errors.Is(closeErr, net.ErrClosed) {
				closeErr = nil
			}
			return multierr.Append(closeErr, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	stage(StageIO, c.loops.Shutdown)
	stage(StageWorkers, c.pool.Shutdown)

	select {
	case <-c.pool.Done():
		c.dctx.Destroy()
	default:
	}
	if errs == nil {
		c.log.Info("Container stopped", nil)
	}
	return errs
}

// Run starts the container and stops it when ctx is done.
func (c *Container) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop(context.Background())
}

func (c *Container) getChunkBuf() *[]byte { return c.chunks.Get().(*[]byte) }

func (c *Container) putChunkBuf(b *[]byte) { c.chunks.Put(b) }

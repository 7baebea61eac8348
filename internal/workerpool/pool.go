// Package workerpool runs dispatch work on a fixed set of goroutines fed by a
// bounded queue. Submission never blocks, so I/O loops can hand work off
// without stalling.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"example.com/bridgehttp/v2/internal/logger"
	"example.com/bridgehttp/v2/internal/util/try"
)

var (
	// ErrSaturated is returned by Submit when the task queue is full.
	ErrSaturated = errors.New("workerpool: task queue is full")
	// ErrPoolClosed is returned by Submit after Shutdown has begun.
	ErrPoolClosed = errors.New("workerpool: pool is shut down")
)

// Pool is a fixed-size worker pool.
type Pool struct {
	log   *logger.Logger
	tasks chan func()

	mu     sync.RWMutex
	closed bool

	g    *errgroup.Group
	done chan struct{}
}

// New starts workers goroutines consuming a queue of capacity queue.
func New(workers, queue int, log *logger.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workerpool: workers must be positive, got %d", workers)
	}
	if queue < 0 {
		return nil, fmt.Errorf("workerpool: queue must not be negative, got %d", queue)
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &Pool{
		log:   log,
		tasks: make(chan func(), queue),
		g:     new(errgroup.Group),
		done:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.g.Go(p.work)
	}
	go func() {
		_ = p.g.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *Pool) work() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

func (p *Pool) run(task func()) {
	err := try.Call(func() error {
		task()
		return nil
	})
	if err != nil {
		p.log.Error("Worker task panicked", logger.LogFields{"error": err})
	}
}

// Submit queues task without blocking. It satisfies servlet.Executor.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("workerpool: nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrSaturated
	}
}

// Go adapts Submit to the bridge scheduler signature.
func (p *Pool) Go(task func()) error { return p.Submit(task) }

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int { return len(p.tasks) }

// Shutdown stops accepting tasks, lets queued and running tasks finish, and
// waits for the workers until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} { return p.done }

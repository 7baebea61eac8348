package workerpool

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bridgehttp/v2/internal/logger"
)

func TestNew_InvalidSizes(t *testing.T) {
	_, err := New(0, 1, nil)
	assert.Error(t, err)
	_, err = New(1, -1, nil)
	assert.Error(t, err)
}

func TestPool_RunsAllTasks(t *testing.T) {
	p, err := New(4, 100, nil)
	require.NoError(t, err)

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(50), count.Load())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SubmitNeverBlocks(t *testing.T) {
	p, err := New(1, 1, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(func() {}), "one slot in the queue")

	start := time.Now()
	assert.ErrorIs(t, p.Submit(func() {}), ErrSaturated)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, p.Pending())

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p, err := New(1, 10, nil)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(5), ran.Load())
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
	require.NoError(t, p.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestPool_ShutdownTimeout(t *testing.T) {
	p, err := New(1, 1, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	<-p.Done()
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(1, 4, logger.NewTestLogger(&syncWriter{w: &buf}))
	require.NoError(t, err)

	require.NoError(t, p.Submit(func() { panic("task failed") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "task failed")
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

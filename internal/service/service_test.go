package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/service"
)

// ─────────────────────────────────────────────────────────────
// runningGuard
// ─────────────────────────────────────────────────────────────

func TestRunningGuard_TryLock(t *testing.T) {
	var g service.ExportedRunningGuard

	require.True(t, g.TryLock("job-1"))
	assert.False(t, g.TryLock("job-1"), "same key twice")
	require.True(t, g.TryLock("job-2"))
	assert.Equal(t, []string{"job-1", "job-2"}, g.Running())

	g.Unlock("job-1")
	g.Unlock("job-2")
	g.Unlock("job-2") // no-op

	require.True(t, g.TryLock("job-1"))
	g.Unlock("job-1")
}

func TestRunningGuard_WaitAll(t *testing.T) {
	var g service.ExportedRunningGuard
	require.True(t, g.TryLock("job-a"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Unlock("job-a")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.WaitAll(ctx)
	assert.NoError(t, ctx.Err(), "WaitAll returned only after the deadline")
}

// ─────────────────────────────────────────────────────────────
// MockEmitter
// ─────────────────────────────────────────────────────────────

func TestMockEmitter_RecordsEvents(t *testing.T) {
	m := &service.MockEmitter{}
	ctx := context.Background()

	m.Emit(ctx, service.EventExportCompleted, map[string]string{"jobId": "1"})
	m.Emit(ctx, service.EventPullFailed, nil)

	assert.Equal(t, []string{"export:completed", "pull:failed"}, m.Names())
	assert.Equal(t, map[string]string{"jobId": "1"}, m.Events[0].Data)
}

// ─────────────────────────────────────────────────────────────
// Queue
// ─────────────────────────────────────────────────────────────

func TestQueue_RunsTasks(t *testing.T) {
	q := newQueue(t, service.WithWorkers(2))
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, q.Enqueue(service.Task{Kind: "test", Run: func(context.Context) error {
			defer wg.Done()
			n.Add(1)
			return nil
		}}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), n.Load())
}

func TestQueue_FullDoesNotBlock(t *testing.T) {
	q := newQueue(t, service.WithWorkers(1), service.WithQueueSize(1))
	release := make(chan struct{})
	started := make(chan struct{})
	block := service.Task{Kind: "test", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, q.Enqueue(block))
	<-started

	noop := service.Task{Kind: "test", Run: func(context.Context) error { return nil }}
	require.NoError(t, q.Enqueue(noop))
	err := q.Enqueue(noop)
	assert.True(t, errors.Is(err, apperr.ErrQueueFull))
	close(release)
}

func TestQueue_ShutdownDrainsAndCloses(t *testing.T) {
	q := service.NewQueue(zap.NewNop(), service.WithWorkers(1))
	var ran atomic.Bool
	require.NoError(t, q.Enqueue(service.Task{Kind: "test", Run: func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		ran.Store(true)
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	assert.True(t, ran.Load())

	err := q.Enqueue(service.Task{Kind: "test", Run: func(context.Context) error { return nil }})
	assert.True(t, errors.Is(err, apperr.ErrQueueClosed))
	assert.True(t, errors.Is(q.EnqueueAfter(time.Millisecond, service.Task{}), apperr.ErrQueueClosed))
}

func TestQueue_EnqueueAfter(t *testing.T) {
	q := newQueue(t)
	done := make(chan time.Time, 1)
	start := time.Now()
	require.NoError(t, q.EnqueueAfter(30*time.Millisecond, service.Task{Kind: "test", Run: func(context.Context) error {
		done <- time.Now()
		return nil
	}}))

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(waitFor):
		t.Fatal("delayed task never ran")
	}
}

func TestQueue_TaskTimeoutAndPanic(t *testing.T) {
	q := newQueue(t, service.WithWorkers(1), service.WithTaskTimeout(20*time.Millisecond))
	errCh := make(chan error, 1)
	require.NoError(t, q.Enqueue(service.Task{Kind: "test", Run: func(context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, q.Enqueue(service.Task{Kind: "test", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}}))

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(waitFor):
		t.Fatal("task was not cancelled by its timeout")
	}
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/metrics"
)

// ─────────────────────────────────────────────────────────────
// Queue — bounded worker pool for background jobs
// ─────────────────────────────────────────────────────────────

// Task is one unit of background work.
type Task struct {
	Kind string // "export" | "pull" | "ingest" | "migrate"
	Name string
	Run  func(ctx context.Context) error
	// Dropped, if set, is called once when a delayed task is discarded
	// before it could be queued.
	Dropped func(err error)
}

// Queue runs tasks on a fixed pool of workers fed by a buffered channel.
// Submitters never block: a full buffer is reported as apperr.ErrQueueFull.
type Queue struct {
	tasks   chan Task
	workers int
	timeout time.Duration
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	timers map[*time.Timer]Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.tasks = make(chan Task, n)
		}
	}
}

// WithTaskTimeout bounds every task run. Zero means no bound.
func WithTaskTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = d }
}

// NewQueue starts the workers. Call Shutdown to drain and stop them.
func NewQueue(log *zap.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		tasks:   make(chan Task, 64),
		workers: 4,
		log:     log.Named("queue"),
		timers:  make(map[*time.Timer]Task),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue submits t without blocking.
func (q *Queue) Enqueue(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return apperr.ErrQueueClosed
	}
	select {
	case q.tasks <- t:
		return nil
	default:
		return apperr.ErrQueueFull
	}
}

// EnqueueAfter submits t once delay has elapsed. A task that cannot be
// queued when its timer fires, or whose timer is still pending at Shutdown,
// is reported to t.Dropped.
func (q *Queue) EnqueueAfter(delay time.Duration, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return apperr.ErrQueueClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		if err := q.Enqueue(t); err != nil {
			q.drop(t, err)
		}
	})
	q.timers[timer] = t
	return nil
}

// Pending returns the number of buffered tasks.
func (q *Queue) Pending() int { return len(q.tasks) }

// Shutdown stops accepting tasks and waits for queued and running ones to
// finish. When ctx expires first, running tasks are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	var dropped []Task
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for timer, t := range q.timers {
			if timer.Stop() {
				dropped = append(dropped, t)
			}
		}
		q.timers = nil
		close(q.tasks)
	}
	q.mu.Unlock()
	for _, t := range dropped {
		q.drop(t, apperr.ErrQueueClosed)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

func (q *Queue) drop(t Task, err error) {
	q.log.Error("delayed task dropped",
		zap.String("kind", t.Kind), zap.String("name", t.Name), zap.Error(err))
	metrics.QueueJobsProcessed.WithLabelValues(t.Kind, "dropped").Inc()
	if t.Dropped != nil {
		t.Dropped(err)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			q.log.Error("task panicked",
				zap.String("kind", t.Kind), zap.String("name", t.Name), zap.Any("panic", r))
		}
		metrics.QueueJobsProcessed.WithLabelValues(t.Kind, status).Inc()
	}()

	if err := t.Run(ctx); err != nil {
		status = "error"
		q.log.Warn("task failed", zap.String("kind", t.Kind), zap.String("name", t.Name), zap.Error(err))
	}
}

// Package queue provides a bounded first-come-first-served admission queue.
// A single dispatcher takes tasks in arrival order, acquires an admission
// token for each and hands it to a fixed pool of workers, so at most
// Workers tasks run at once and tasks start in the order they arrived.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueClosed is the result of tasks enqueued after Stop.
	ErrQueueClosed = errors.New("queue closed")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("queue already started")
)

const (
	DefaultCapacity = 100
	DefaultWorkers  = 4
)

// Options configures a Queue.
type Options struct {
	// Capacity bounds the pending FIFO; Enqueue blocks when it is full.
	Capacity int
	// Workers is both the worker pool size and the number of admission tokens.
	Workers int
	// ReportInterval enables a periodic Stats log line when positive.
	ReportInterval time.Duration
	Logger         *slog.Logger
}

// Queue runs submitted functions in FCFS order with bounded concurrency.
type Queue[T any] struct {
	name    string
	opts    Options
	logger  *slog.Logger
	pending chan *Task[T]
	work    chan *Task[T]
	tokens  *semaphore.Weighted
	diag    *diagnostics

	// mu guards closed against concurrent Enqueue; closing unblocks
	// producers waiting on a full FIFO.
	mu      sync.RWMutex
	closed  bool
	closing chan struct{}

	seq     atomic.Uint64
	started atomic.Bool

	dispatcherDone chan struct{}
	workers        sync.WaitGroup
	stopReport     chan struct{}
	stopOnce       sync.Once
}

// New creates a queue. Call Start before expecting tasks to run.
func New[T any](name string, opts Options) *Queue[T] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		name:           name,
		opts:           opts,
		logger:         logger.With("component", "queue", "queue", name),
		pending:        make(chan *Task[T], opts.Capacity),
		work:           make(chan *Task[T]),
		tokens:         semaphore.NewWeighted(int64(opts.Workers)),
		diag:           newDiagnostics(),
		closing:        make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		stopReport:     make(chan struct{}),
	}
}

// Start launches the workers and the dispatcher. Only one dispatcher may
// ever run per queue, so a second call fails.
func (q *Queue[T]) Start() error {
	if !q.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for i := 1; i <= q.opts.Workers; i++ {
		q.workers.Add(1)
		go q.worker(i)
	}
	go q.dispatch()
	if q.opts.ReportInterval > 0 {
		go q.reportLoop()
	}
	q.logger.Info("Admission queue started", "workers", q.opts.Workers, "capacity", q.opts.Capacity)
	return nil
}

// Enqueue submits fn and returns its task. It blocks while the FIFO is
// full. After Stop it returns a task already failed with ErrQueueClosed.
func (q *Queue[T]) Enqueue(fn func() (T, error)) *Task[T] {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return failedTask[T](ErrQueueClosed)
	}

	t := newTask(q.seq.Add(1), fn)
	select {
	case q.pending <- t:
		// Stamped after the send so arrivals are counted in FIFO order.
		q.diag.arrived(time.Now())
		return t
	case <-q.closing:
		return failedTask[T](ErrQueueClosed)
	}
}

// Do enqueues fn and waits for its result.
func (q *Queue[T]) Do(fn func() (T, error)) (T, error) {
	return q.Enqueue(fn).Result()
}

func (q *Queue[T]) dispatch() {
	defer close(q.dispatcherDone)
	defer close(q.work)
	for t := range q.pending {
		// Acquisition happens here, in arrival order, before the task is
		// handed to any worker.
		if err := q.tokens.Acquire(context.Background(), 1); err != nil {
			t.complete(*new(T), fmt.Errorf("acquire admission token: %w", err))
			continue
		}
		t.attachRelease(func() { q.tokens.Release(1) })
		q.work <- t
	}
}

func (q *Queue[T]) worker(id int) {
	defer q.workers.Done()
	for t := range q.work {
		q.run(t)
	}
	q.logger.Debug("Queue worker exiting", "worker_id", id)
}

func (q *Queue[T]) run(t *Task[T]) {
	t.startedAt = time.Now()
	q.diag.started()

	v, err := q.call(t)
	now := time.Now()
	q.diag.finished(now, now.Sub(t.startedAt))

	t.complete(v, err)
	t.Release()
}

func (q *Queue[T]) call(t *Task[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Queued task panicked", "seq", t.seq, "panic", r)
			err = fmt.Errorf("queued task %d panicked: %v", t.seq, r)
		}
	}()
	return t.fn()
}

// Stop refuses new tasks, lets every queued task run and waits for the
// workers to finish. Tasks still pending on a queue that was never started
// fail with ErrQueueClosed.
func (q *Queue[T]) Stop() {
	q.stopOnce.Do(func() {
		close(q.closing)
		q.mu.Lock()
		q.closed = true
		close(q.pending)
		q.mu.Unlock()
		close(q.stopReport)

		if !q.started.Load() {
			for t := range q.pending {
				t.complete(*new(T), ErrQueueClosed)
			}
			return
		}
		<-q.dispatcherDone
		q.workers.Wait()
		q.logger.Info("Admission queue stopped", "completed", q.diag.snapshot().Completed)
	})
}

// Len returns the number of tasks waiting for dispatch.
func (q *Queue[T]) Len() int { return len(q.pending) }

// Stats returns current diagnostics.
func (q *Queue[T]) Stats() Stats {
	st := q.diag.snapshot()
	st.Name = q.name
	st.Length = q.Len()
	return st
}

// Report renders Stats for logging.
func (q *Queue[T]) Report() string { return q.Stats().String() }

func (q *Queue[T]) reportLoop() {
	ticker := time.NewTicker(q.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := q.Stats()
			q.logger.Info("Admission queue report",
				"length", st.Length,
				"in_flight", st.InFlight,
				"arrival_rate", st.ArrivalRate,
				"service_rate", st.ServiceRate,
				"utilization", st.Utilization,
				"service_p50", st.ServiceP50,
				"service_p99", st.ServiceP99,
			)
		case <-q.stopReport:
			return
		}
	}
}

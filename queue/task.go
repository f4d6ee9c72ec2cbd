package queue

import (
	"sync"
	"time"
)

// Task is one unit of work submitted to a Queue. Its result is delivered
// exactly once, to whoever holds the Task.
type Task[T any] struct {
	seq uint64
	fn  func() (T, error)

	done chan struct{}
	val  T
	err  error

	mu          sync.Mutex
	release     func()
	releaseOnce sync.Once

	startedAt time.Time
}

func newTask[T any](seq uint64, fn func() (T, error)) *Task[T] {
	return &Task[T]{seq: seq, fn: fn, done: make(chan struct{})}
}

func failedTask[T any](err error) *Task[T] {
	t := newTask[T](0, nil)
	t.err = err
	close(t.done)
	return t
}

// Seq is the task's position in the queue's arrival order, starting at 1.
// Tasks that were never admitted have sequence 0.
func (t *Task[T]) Seq() uint64 { return t.seq }

// Done is closed once the result is available.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Result blocks until the task has run and returns its result. Every call
// returns the same values.
func (t *Task[T]) Result() (T, error) {
	<-t.done
	return t.val, t.err
}

// Release returns the task's admission token to the queue. Only the first
// call after dispatch has an effect; workers call it on completion.
func (t *Task[T]) Release() {
	t.mu.Lock()
	rel := t.release
	t.mu.Unlock()
	if rel == nil {
		return
	}
	t.releaseOnce.Do(rel)
}

func (t *Task[T]) attachRelease(rel func()) {
	t.mu.Lock()
	t.release = rel
	t.mu.Unlock()
}

func (t *Task[T]) complete(v T, err error) {
	t.val, t.err = v, err
	close(t.done)
}

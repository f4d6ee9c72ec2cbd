package server

import (
	"context"

	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/queue"
)

// Backend is the block store a Processor serves. *arena.Store satisfies it.
type Backend interface {
	Get(ctx context.Context, score core.Score, blockType uint8) (core.Block, error)
	Put(ctx context.Context, data []byte, blockType uint8) (core.Block, error)
	Sync(ctx context.Context) error
}

// AdmissionBackend runs every call of the wrapped Backend as a task on a
// bounded FIFO queue. It bounds how many storage calls run at once and the
// order they start in. Results always go back to the calling goroutine.
type AdmissionBackend struct {
	next  Backend
	tasks *queue.Queue[core.Block]
}

// NewAdmissionBackend wraps next. Call Start before serving.
func NewAdmissionBackend(next Backend, opts queue.Options) *AdmissionBackend {
	return &AdmissionBackend{
		next:  next,
		tasks: queue.New[core.Block]("admission", opts),
	}
}

// Start launches the queue's dispatcher and workers.
func (a *AdmissionBackend) Start() error {
	return a.tasks.Start()
}

// Stop drains queued calls and waits for them to finish.
func (a *AdmissionBackend) Stop() {
	a.tasks.Stop()
}

// Stats reports the admission queue's diagnostics.
func (a *AdmissionBackend) Stats() queue.Stats {
	return a.tasks.Stats()
}

func (a *AdmissionBackend) Get(ctx context.Context, score core.Score, blockType uint8) (core.Block, error) {
	return a.tasks.Do(func() (core.Block, error) {
		return a.next.Get(ctx, score, blockType)
	})
}

func (a *AdmissionBackend) Put(ctx context.Context, data []byte, blockType uint8) (core.Block, error) {
	return a.tasks.Do(func() (core.Block, error) {
		return a.next.Put(ctx, data, blockType)
	})
}

func (a *AdmissionBackend) Sync(ctx context.Context) error {
	_, err := a.tasks.Do(func() (core.Block, error) {
		return core.Block{}, a.next.Sync(ctx)
	})
	return err
}

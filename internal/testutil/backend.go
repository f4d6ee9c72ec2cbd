package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/ventibase/core"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memKey struct {
	score core.Score
	typ   uint8
}

// MemBackend is an in-memory block store for server and client tests.
// Failures can be injected per operation.
type MemBackend struct {
	mu     sync.Mutex
	blocks map[memKey][]byte

	PutErr  error
	SyncErr error
	GetErr  error

	Puts  int
	Gets  int
	Syncs int
}

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{blocks: make(map[memKey][]byte)}
}

func (m *MemBackend) Get(_ context.Context, score core.Score, blockType uint8) (core.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gets++
	if m.GetErr != nil {
		return core.Block{}, m.GetErr
	}
	data, ok := m.blocks[memKey{score, blockType}]
	if !ok {
		return core.Block{}, fmt.Errorf("block %s/%d: %w", score, blockType, core.ErrNotFound)
	}
	return core.Block{Type: blockType, Data: append([]byte(nil), data...)}, nil
}

func (m *MemBackend) Put(_ context.Context, data []byte, blockType uint8) (core.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Puts++
	if m.PutErr != nil {
		return core.Block{}, m.PutErr
	}
	b, err := core.NewBlock(blockType, append([]byte(nil), data...))
	if err != nil {
		return core.Block{}, err
	}
	m.blocks[memKey{b.Score(), blockType}] = b.Data
	return b, nil
}

func (m *MemBackend) Sync(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Syncs++
	return m.SyncErr
}

// Counts returns the number of Put, Get and Sync calls so far.
func (m *MemBackend) Counts() (puts, gets, syncs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Puts, m.Gets, m.Syncs
}

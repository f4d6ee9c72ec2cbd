package server

import (
	"context"

	"github.com/INLOpen/ventibase/core"
	"github.com/stretchr/testify/mock"
)

// MockBackend is a testify mock of Backend.
type MockBackend struct {
	mock.Mock
}

var _ Backend = (*MockBackend)(nil)

func (m *MockBackend) Get(ctx context.Context, score core.Score, blockType uint8) (core.Block, error) {
	args := m.Called(ctx, score, blockType)
	return args.Get(0).(core.Block), args.Error(1)
}

func (m *MockBackend) Put(ctx context.Context, data []byte, blockType uint8) (core.Block, error) {
	args := m.Called(ctx, data, blockType)
	return args.Get(0).(core.Block), args.Error(1)
}

func (m *MockBackend) Sync(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a mutex-protected free list of buffers. Unlike sync.Pool its
// contents survive garbage collection, which suits the steady stream of
// block-sized buffers used by record writes and compression.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	maxItems int

	// Metrics
	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// DefaultRecordBufferSize fits one record header plus a full block.
const DefaultRecordBufferSize = MaxBlockSize + 64

// BufferPool is shared by the record writer and the compressors.
var BufferPool = NewBufferPool(DefaultRecordBufferSize, 64)

// NewBufferPool creates a pool whose new buffers have the given initial
// capacity. At most maxItems idle buffers are retained; buffers that grew
// beyond four times the initial capacity are dropped on Put.
func NewBufferPool(capacity, maxItems int) *bufferPool {
	if capacity < 0 {
		capacity = 0
	}
	if maxItems <= 0 {
		maxItems = 1
	}
	return &bufferPool{
		items:    make([]*bytes.Buffer, 0, maxItems),
		capacity: capacity,
		maxItems: maxItems,
	}
}

func (bp *bufferPool) newBuffer() *bytes.Buffer {
	bp.created.Add(1)
	return bytes.NewBuffer(make([]byte, 0, bp.capacity))
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newBuffer()
	}
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	bp.hits.Add(1)
	return item
}

// Put resets buf and returns it to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if bp.capacity > 0 && buf.Cap() > 4*bp.capacity {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) < bp.maxItems {
		bp.items = append(bp.items, buf)
	}
	bp.mu.Unlock()
}

// Len returns the number of idle buffers.
func (bp *bufferPool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.items)
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load()
}

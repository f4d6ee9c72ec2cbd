package core

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	t.Run("Get and Put", func(t *testing.T) {
		pool := NewBufferPool(128, 4)
		require.Equal(t, 0, pool.Len())

		buf := pool.Get()
		require.NotNil(t, buf)
		assert.GreaterOrEqual(t, buf.Cap(), 128)
		buf.WriteString("hello world")
		pool.Put(buf)
		require.Equal(t, 1, pool.Len())

		buf2 := pool.Get()
		assert.Equal(t, 0, buf2.Len(), "Reused buffer should be reset")

		hits, misses, created := pool.GetMetrics()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(1), misses)
		assert.Equal(t, uint64(1), created)
	})

	t.Run("Retains at most maxItems", func(t *testing.T) {
		pool := NewBufferPool(16, 2)
		for i := 0; i < 5; i++ {
			pool.Put(new(bytes.Buffer))
		}
		assert.Equal(t, 2, pool.Len())
	})

	t.Run("Drops oversized buffers", func(t *testing.T) {
		pool := NewBufferPool(16, 2)
		pool.Put(bytes.NewBuffer(make([]byte, 0, 1024)))
		assert.Equal(t, 0, pool.Len())
	})

	t.Run("Concurrent access", func(t *testing.T) {
		pool := NewBufferPool(64, 8)
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b := pool.Get()
				b.WriteString("x")
				pool.Put(b)
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, pool.Len(), 8)
	})
}

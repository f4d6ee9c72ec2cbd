package queue

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue[T any](t *testing.T, opts Options) *Queue[T] {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	q := New[T]("test", opts)
	require.NoError(t, q.Start())
	t.Cleanup(q.Stop)
	return q
}

func TestQueue_FCFSWithOneWorker(t *testing.T) {
	q := newTestQueue[int](t, Options{Capacity: 64, Workers: 1})

	var mu sync.Mutex
	var order []int
	tasks := make([]*Task[int], 0, 50)
	for i := 0; i < 50; i++ {
		i := i
		tasks = append(tasks, q.Enqueue(func() (int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}
	for i, task := range tasks {
		v, err := task.Result()
		require.NoError(t, err)
		assert.Equal(t, i, v)
		assert.Equal(t, uint64(i+1), task.Seq())
	}

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestQueue_ResultsReachTheirOwnCallers(t *testing.T) {
	q := newTestQueue[int](t, Options{Capacity: 8, Workers: 4})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := q.Do(func() (int, error) {
				time.Sleep(time.Duration(i%3) * time.Millisecond)
				return i * i, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, i*i, v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(100), q.Stats().Completed)
}

func TestQueue_BoundsConcurrency(t *testing.T) {
	q := newTestQueue[struct{}](t, Options{Capacity: 32, Workers: 3})

	var mu sync.Mutex
	running, peak := 0, 0
	tasks := make([]*Task[struct{}], 0, 30)
	for i := 0; i < 30; i++ {
		tasks = append(tasks, q.Enqueue(func() (struct{}, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return struct{}{}, nil
		}))
	}
	for _, task := range tasks {
		_, err := task.Result()
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak, 3)
	assert.GreaterOrEqual(t, peak, 1)
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := newTestQueue[int](t, Options{Capacity: 2, Workers: 1})

	gate := make(chan struct{})
	blocked := func() (int, error) { <-gate; return 0, nil }

	// One task runs, one waits in the dispatcher for a token and two fill
	// the FIFO.
	first := q.Enqueue(blocked)
	require.Eventually(t, func() bool { return q.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	q.Enqueue(blocked)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	q.Enqueue(blocked)
	q.Enqueue(blocked)

	enqueued := make(chan *Task[int])
	go func() { enqueued <- q.Enqueue(func() (int, error) { return 5, nil }) }()

	select {
	case <-enqueued:
		t.Fatal("Enqueue returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	var last *Task[int]
	select {
	case last = <-enqueued:
	case <-time.After(time.Second):
		t.Fatal("Enqueue stayed blocked after capacity freed")
	}
	v, err := last.Result()
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	_, err = first.Result()
	assert.NoError(t, err)
}

func TestTask_ReleaseIsIdempotent(t *testing.T) {
	q := newTestQueue[int](t, Options{Capacity: 4, Workers: 1})

	task := q.Enqueue(func() (int, error) { return 1, nil })
	_, err := task.Result()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		task.Release()
		task.Release()
		task.Release()
	})

	// The single token is still usable exactly once at a time.
	v, err := q.Do(func() (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	again, err2 := task.Result()
	assert.Equal(t, 1, again)
	assert.NoError(t, err2)
}

func TestQueue_Lifecycle(t *testing.T) {
	q := New[string]("lifecycle", Options{Workers: 2, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, q.Start())
	assert.ErrorIs(t, q.Start(), ErrAlreadyStarted)

	var tasks []*Task[string]
	for i := 0; i < 10; i++ {
		tasks = append(tasks, q.Enqueue(func() (string, error) {
			time.Sleep(time.Millisecond)
			return "ok", nil
		}))
	}
	q.Stop()
	for _, task := range tasks {
		select {
		case <-task.Done():
		default:
			t.Fatal("Stop returned before queued tasks finished")
		}
		v, err := task.Result()
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	}

	late := q.Enqueue(func() (string, error) { return "never", nil })
	_, err := late.Result()
	assert.ErrorIs(t, err, ErrQueueClosed)
	q.Stop()
}

func TestQueue_StopWithoutStartFailsPendingTasks(t *testing.T) {
	q := New[int]("idle", Options{Capacity: 4, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	task := q.Enqueue(func() (int, error) { return 1, nil })
	q.Stop()
	_, err := task.Result()
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := newTestQueue[int](t, Options{Workers: 1})
	_, err := q.Do(func() (int, error) { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	v, err := q.Do(func() (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestQueue_StatsAfterTraffic(t *testing.T) {
	q := newTestQueue[int](t, Options{Workers: 2})
	for i := 0; i < 20; i++ {
		_, err := q.Do(func() (int, error) {
			time.Sleep(time.Millisecond)
			return 0, nil
		})
		require.NoError(t, err)
	}
	st := q.Stats()
	assert.Equal(t, "test", st.Name)
	assert.Equal(t, uint64(20), st.Enqueued)
	assert.Equal(t, uint64(20), st.Completed)
	assert.Greater(t, st.ArrivalRate, 0.0)
	assert.Greater(t, st.ServiceRate, 0.0)
	assert.Greater(t, st.Utilization, 0.0)
	assert.Greater(t, st.ServiceP50, time.Duration(0))
	assert.GreaterOrEqual(t, st.ServiceP99, st.ServiceP50)
	assert.Contains(t, q.Report(), "queue test:")
}

func TestEWMA(t *testing.T) {
	assert.Equal(t, 2.0, ewma(0, 2))
	assert.InDelta(t, 0.9*2+0.1*4, ewma(2, 4), 1e-12)
}

func TestDiagnostics_OutOfOrderSamplesClampToZero(t *testing.T) {
	d := newDiagnostics()
	base := time.Now()

	d.arrived(base.Add(time.Second))
	d.arrived(base)
	d.arrived(base.Add(2 * time.Second))
	assert.InDelta(t, 1.0, d.arrivalEWMA, 1e-9)
	assert.True(t, d.lastArrival.Equal(base.Add(2*time.Second)))

	d.finished(base.Add(time.Second), time.Millisecond)
	d.finished(base, time.Millisecond)
	assert.GreaterOrEqual(t, d.completionEWMA, 0.0)
	assert.GreaterOrEqual(t, d.snapshot().ArrivalRate, 0.0)
}

package arena

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/INLOpen/ventibase/compressors"
	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/hooks"
	"github.com/INLOpen/ventibase/record"
	"github.com/INLOpen/ventibase/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dir string, mutate ...func(*Options)) *Store {
	t.Helper()
	opts := Options{Dir: dir, Name: "arena0", Logger: discardLogger()}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	b, err := s.Put(ctx, []byte("abc"), 1)
	require.NoError(t, err)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", b.Score().String())

	got, err := s.Get(ctx, b.Score(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Data)
	assert.Equal(t, uint8(1), got.Type)

	empty, err := s.Put(ctx, nil, 0)
	require.NoError(t, err)
	got, err = s.Get(ctx, empty.Score(), 0)
	require.NoError(t, err)
	assert.Empty(t, got.Data)

	assert.Equal(t, 2, s.Len())
	entry, ok := s.Lookup(b.Score())
	require.True(t, ok)
	assert.Equal(t, uint64(record.HeaderSize), entry.Offset)
}

func TestStore_GetMissingOrWrongType(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	_, err := s.Get(ctx, core.ScoreOf([]byte("nothing")), 0)
	assert.ErrorIs(t, err, core.ErrNotFound)

	b, err := s.Put(ctx, []byte("typed"), 2)
	require.NoError(t, err)
	_, err = s.Get(ctx, b.Score(), 3)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.True(t, core.IsNotFound(err))
}

func TestStore_PutDeduplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	_, err := s.Put(ctx, []byte("same"), 1)
	require.NoError(t, err)
	require.NoError(t, s.Sync(ctx))
	logSize := fileSize(t, filepath.Join(dir, "arena0.log"))
	idxSize := fileSize(t, filepath.Join(dir, "arena0.idx"))

	_, err = s.Put(ctx, []byte("same"), 1)
	require.NoError(t, err)
	require.NoError(t, s.Sync(ctx))

	assert.Equal(t, logSize, fileSize(t, filepath.Join(dir, "arena0.log")))
	assert.Equal(t, idxSize, fileSize(t, filepath.Join(dir, "arena0.idx")))
	st := s.Stats()
	assert.Equal(t, int64(1), st.Coalesced)
	assert.Equal(t, int64(1), st.Puts)
	assert.Equal(t, 1, st.Blocks)
}

func TestStore_TypeConflict(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	_, err := s.Put(ctx, []byte("content"), 1)
	require.NoError(t, err)
	before := s.Stats()

	_, err = s.Put(ctx, []byte("content"), 2)
	require.ErrorIs(t, err, core.ErrTypeConflict)

	after := s.Stats()
	assert.Equal(t, before.DataBytes, after.DataBytes)
	assert.Equal(t, before.IndexBytes, after.IndexBytes)
	assert.Equal(t, before.Corruptions+1, after.Corruptions)
}

func TestStore_RejectsOversizeBlock(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	_, err := s.Put(context.Background(), make([]byte, core.MaxBlockSize+1), 0)
	assert.ErrorIs(t, err, core.ErrBlockTooLarge)

	b, err := s.Put(context.Background(), make([]byte, core.MaxBlockSize), 0)
	require.NoError(t, err)
	assert.Equal(t, core.MaxBlockSize, b.Len())
}

func TestStore_ReadsUnflushedWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir) // cache disabled, reads go to disk

	b, err := s.Put(ctx, []byte("buffered"), 4)
	require.NoError(t, err)
	assert.Zero(t, fileSize(t, filepath.Join(dir, "arena0.log")), "write should still be buffered")

	got, err := s.Get(ctx, b.Score(), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("buffered"), got.Data)
}

func TestStore_ReopenContinuesAppending(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, Name: "arena0", Logger: discardLogger()})
	require.NoError(t, err)
	first, err := s.Put(ctx, []byte("first"), 1)
	require.NoError(t, err)
	second, err := s.Put(ctx, []byte("second"), 2)
	require.NoError(t, err)
	firstEntry, _ := s.Lookup(first.Score())
	secondEntry, _ := s.Lookup(second.Score())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	_, err = s.Get(ctx, first.Score(), 1)
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = s.Put(ctx, []byte("late"), 1)
	assert.ErrorIs(t, err, core.ErrClosed)

	s2 := openTestStore(t, dir)
	assert.Equal(t, 2, s2.Len())
	for _, b := range []core.Block{first, second} {
		got, err := s2.Get(ctx, b.Score(), b.Type)
		require.NoError(t, err)
		assert.Equal(t, b.Data, got.Data)
	}

	third, err := s2.Put(ctx, []byte("third"), 1)
	require.NoError(t, err)
	thirdEntry, ok := s2.Lookup(third.Score())
	require.True(t, ok)
	assert.Greater(t, secondEntry.Offset, firstEntry.Offset)
	assert.Equal(t, secondEntry.End()+record.HeaderSize, thirdEntry.Offset)
}

func TestStore_DropsEntriesBeyondDataLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, Name: "arena0", Logger: discardLogger()})
	require.NoError(t, err)
	kept, err := s.Put(ctx, []byte("kept"), 1)
	require.NoError(t, err)
	lost, err := s.Put(ctx, []byte("lost in a crash"), 1)
	require.NoError(t, err)
	keptEntry, _ := s.Lookup(kept.Score())
	require.NoError(t, s.Close())

	// Simulate an index write that reached disk before its data.
	require.NoError(t, os.Truncate(filepath.Join(dir, "arena0.log"), int64(keptEntry.End())))

	var replay hooks.IndexReplayPayload
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostIndexReplay, &funcListener{fn: func(ev hooks.HookEvent) {
		replay = ev.Payload().(hooks.IndexReplayPayload)
	}})

	s2 := openTestStore(t, dir, func(o *Options) { o.Hooks = hm })
	assert.Equal(t, 1, replay.Entries)
	assert.Equal(t, 1, replay.Dropped)

	_, err = s2.Get(ctx, lost.Score(), 1)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The block can be written again and is then served.
	_, err = s2.Put(ctx, []byte("lost in a crash"), 1)
	require.NoError(t, err)
	got, err := s2.Get(ctx, lost.Score(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("lost in a crash"), got.Data)
}

func TestStore_CorruptPayloadIsNotFound(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, Name: "arena0", Logger: discardLogger()})
	require.NoError(t, err)
	b, err := s.Put(ctx, []byte("will be damaged"), 1)
	require.NoError(t, err)
	entry, _ := s.Lookup(b.Score())
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, "arena0.log"), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("W"), int64(entry.Offset))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var mu sync.Mutex
	var reports []hooks.CorruptionPayload
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventOnCorruption, &funcListener{fn: func(ev hooks.HookEvent) {
		mu.Lock()
		reports = append(reports, ev.Payload().(hooks.CorruptionPayload))
		mu.Unlock()
	}})

	s2 := openTestStore(t, dir, func(o *Options) { o.Hooks = hm; o.CacheCapacity = 16 })
	_, err = s2.Get(ctx, b.Score(), 1)
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.True(t, core.IsCorruptionError(err))
	assert.Equal(t, int64(1), s2.Stats().Corruptions)

	mu.Lock()
	require.Len(t, reports, 1)
	assert.Equal(t, b.Score(), reports[0].Score)
	mu.Unlock()
}

func TestStore_ReplaySkipsCorruptIndexRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, Name: "arena0", Logger: discardLogger()})
	require.NoError(t, err)
	var blocks []core.Block
	for _, p := range []string{"one", "two", "three"} {
		b, err := s.Put(ctx, []byte(p), 1)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	require.NoError(t, s.Close())

	// Each index record is a header plus a 33-byte entry. Damage the
	// payload of the second one.
	idxPath := filepath.Join(dir, "arena0.idx")
	raw, err := os.ReadFile(idxPath)
	require.NoError(t, err)
	recSize := record.HeaderSize + IndexEntrySize
	require.Len(t, raw, 3*recSize)
	raw[recSize+record.HeaderSize+15] ^= 0xff
	require.NoError(t, os.WriteFile(idxPath, raw, 0644))

	s2 := openTestStore(t, dir)
	assert.Equal(t, 2, s2.Len())
	_, err = s2.Get(ctx, blocks[1].Score(), 1)
	assert.ErrorIs(t, err, core.ErrNotFound)
	for _, b := range []core.Block{blocks[0], blocks[2]} {
		_, err := s2.Get(ctx, b.Score(), 1)
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), s2.Stats().Corruptions)
}

func TestStore_CompressedArena(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	snappy, err := compressors.FromName("snappy")
	require.NoError(t, err)

	s, err := Open(Options{Dir: dir, Name: "arena0", Logger: discardLogger(), Compressor: snappy})
	require.NoError(t, err)

	repetitive := bytes.Repeat([]byte("ventibase "), 1000)
	b, err := s.Put(ctx, repetitive, 1)
	require.NoError(t, err)
	entry, _ := s.Lookup(b.Score())
	assert.Equal(t, core.CompressionSnappy, entry.Codec)
	assert.Less(t, int(entry.Length), len(repetitive))

	tiny, err := s.Put(ctx, []byte("x"), 1)
	require.NoError(t, err)
	tinyEntry, _ := s.Lookup(tiny.Score())
	assert.Equal(t, core.CompressionNone, tinyEntry.Codec, "compression that does not shrink is discarded")
	require.NoError(t, s.Close())

	// Reopen without a compressor: stored codecs still decode.
	s2 := openTestStore(t, dir)
	got, err := s2.Get(ctx, b.Score(), 1)
	require.NoError(t, err)
	assert.Equal(t, repetitive, got.Data)
	got, err = s2.Get(ctx, tiny.Score(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Data)
}

func TestStore_LockedArena(t *testing.T) {
	dir := t.TempDir()
	openTestStore(t, dir)

	_, err := Open(Options{Dir: dir, Name: "arena0", Logger: discardLogger()})
	require.Error(t, err)
	assert.ErrorIs(t, err, sys.ErrLocked)

	// A different arena in the same directory is independent.
	openTestStore(t, dir, func(o *Options) { o.Name = "arena1" })
}

func TestStore_SyncAlways(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir, func(o *Options) { o.SyncMode = SyncAlways })

	_, err := s.Put(ctx, []byte("durable"), 1)
	require.NoError(t, err)
	st := s.Stats()
	assert.Equal(t, st.DataBytes, fileSize(t, filepath.Join(dir, "arena0.log")))
	assert.Equal(t, st.IndexBytes, fileSize(t, filepath.Join(dir, "arena0.idx")))
}

func TestStore_CacheServesRepeatReads(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), func(o *Options) { o.CacheCapacity = 8 })

	b, err := s.Put(ctx, []byte("hot"), 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, b.Score(), 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), s.Stats().CacheHits)
}

func TestStore_CacheIsIsolatedFromCallerBuffers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), func(o *Options) { o.CacheCapacity = 16 })

	data := []byte("abc")
	b, err := s.Put(ctx, data, 1)
	require.NoError(t, err)
	key := b.Score()
	data[0] = 'X'

	got, err := s.Get(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Data)
	assert.Equal(t, key, core.ScoreOf(got.Data))

	// Mutating a returned block must not leak into later reads either.
	got.Data[1] = 'Y'
	again, err := s.Get(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Data)
	assert.Equal(t, int64(2), s.Stats().CacheHits)
}

func TestStore_CachePublishesExpvarCounters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), func(o *Options) { o.CacheCapacity = 4 })

	hitsBefore, missesBefore := cacheHits.Value(), cacheMisses.Value()

	b, err := s.Put(ctx, []byte("counted"), 1)
	require.NoError(t, err)
	_, err = s.Get(ctx, b.Score(), 1)
	require.NoError(t, err)

	other := openTestStore(t, t.TempDir(), func(o *Options) { o.CacheCapacity = 4 })
	c, err := other.Put(ctx, []byte("uncached"), 1)
	require.NoError(t, err)
	other.blockCache.Clear()
	_, err = other.Get(ctx, c.Score(), 1)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, cacheHits.Value()-hitsBefore, int64(1))
	assert.GreaterOrEqual(t, cacheMisses.Value()-missesBefore, int64(1))
}

func TestStore_SyncAlwaysFailureHidesBlock(t *testing.T) {
	ctx := context.Background()
	hm := hooks.NewHookManager(nil)
	veto := &funcListener{err: assert.AnError}
	hm.Register(hooks.EventPreSync, veto)
	s := openTestStore(t, t.TempDir(), func(o *Options) {
		o.SyncMode = SyncAlways
		o.Hooks = hm
		o.CacheCapacity = 4
	})

	_, err := s.Put(ctx, []byte("not durable"), 1)
	require.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, s.Len())
	_, err = s.Get(ctx, core.ScoreOf([]byte("not durable")), 1)
	assert.ErrorIs(t, err, core.ErrNotFound)

	veto.err = nil
	b, err := s.Put(ctx, []byte("not durable"), 1)
	require.NoError(t, err)
	got, err := s.Get(ctx, b.Score(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("not durable"), got.Data)
	assert.Equal(t, 1, s.Len())
}

func TestStore_PreHookVetoesPut(t *testing.T) {
	ctx := context.Background()
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPrePutBlock, &funcListener{err: assert.AnError})
	s := openTestStore(t, t.TempDir(), func(o *Options) { o.Hooks = hm })

	_, err := s.Put(ctx, []byte("vetoed"), 1)
	require.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Stats().DataBytes)
}

func TestStore_ConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				data := []byte{byte(i), byte(j)}
				b, err := s.Put(ctx, data, 1)
				assert.NoError(t, err)
				got, err := s.Get(ctx, b.Score(), 1)
				assert.NoError(t, err)
				assert.Equal(t, data, got.Data)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 200, s.Len())
}

func TestOptions_Validation(t *testing.T) {
	_, err := Open(Options{Name: "a"})
	assert.Error(t, err)
	_, err = Open(Options{Dir: t.TempDir()})
	assert.Error(t, err)
	_, err = Open(Options{Dir: t.TempDir(), Name: "../escape"})
	assert.Error(t, err)

	m, err := ParseSyncMode("always")
	require.NoError(t, err)
	assert.Equal(t, SyncAlways, m)
	_, err = ParseSyncMode("sometimes")
	assert.Error(t, err)
}

// funcListener is a synchronous hook listener backed by a function.
type funcListener struct {
	fn  func(hooks.HookEvent)
	err error
}

func (l *funcListener) OnEvent(_ context.Context, ev hooks.HookEvent) error {
	if l.fn != nil {
		l.fn(ev)
	}
	return l.err
}
func (l *funcListener) Priority() int { return 0 }
func (l *funcListener) IsAsync() bool { return false }

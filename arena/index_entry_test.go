package arena

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIndexEntry_Encoding(t *testing.T) {
	score := core.ScoreOf([]byte("entry"))

	t.Run("uncompressed uses 33 bytes", func(t *testing.T) {
		e := IndexEntry{Offset: 34, Length: 5, Type: 3, Score: score}
		b, err := e.MarshalBinary()
		require.NoError(t, err)
		require.Len(t, b, IndexEntrySize)
		assert.Equal(t, []byte{34, 0, 0, 0, 0, 0, 0, 0}, b[0:8])
		assert.Equal(t, []byte{5, 0, 0, 0}, b[8:12])
		assert.Equal(t, byte(3), b[12])
		assert.Equal(t, score[:], b[13:])

		var got IndexEntry
		require.NoError(t, got.UnmarshalBinary(b))
		assert.Equal(t, e, got)
	})

	t.Run("compressed carries the codec byte", func(t *testing.T) {
		e := IndexEntry{Offset: 1 << 40, Length: 900, Type: 0, Score: score, Codec: core.CompressionZSTD}
		b := e.AppendBinary(nil)
		require.Len(t, b, IndexEntrySizeWithCodec)
		got, err := DecodeIndexEntry(b)
		require.NoError(t, err)
		assert.Equal(t, e, got)
		assert.Equal(t, e.Offset+900, got.End())
		assert.Equal(t, int64(1<<40)-record.HeaderSize, got.RecordOffset())
	})

	t.Run("rejects malformed entries", func(t *testing.T) {
		valid := IndexEntry{Offset: 34, Length: 1, Score: score}.AppendBinary(nil)

		_, err := DecodeIndexEntry(valid[:20])
		assert.Error(t, err)

		tooLong := append(append([]byte(nil), valid...), 1, 2)
		_, err = DecodeIndexEntry(tooLong)
		assert.Error(t, err)

		badCodec := append(append([]byte(nil), valid...), 9)
		_, err = DecodeIndexEntry(badCodec)
		assert.Error(t, err)

		oversize := IndexEntry{Offset: 34, Length: core.MaxBlockSize + 1, Score: score}.AppendBinary(nil)
		_, err = DecodeIndexEntry(oversize)
		assert.Error(t, err)

		lowOffset := IndexEntry{Offset: 10, Length: 1, Score: score}.AppendBinary(nil)
		_, err = DecodeIndexEntry(lowOffset)
		assert.Error(t, err)
	})
}

func TestBlockIndex_InsertIsFirstWriterWins(t *testing.T) {
	bi := NewBlockIndex()
	s := core.ScoreOf([]byte("a"))
	assert.True(t, bi.Insert(IndexEntry{Offset: 34, Length: 1, Type: 1, Score: s}))
	assert.False(t, bi.Insert(IndexEntry{Offset: 99, Length: 1, Type: 2, Score: s}))

	e, ok := bi.Lookup(s)
	require.True(t, ok)
	assert.Equal(t, uint64(34), e.Offset)
	assert.Equal(t, 1, bi.Len())
}

func TestBlockIndex_Replay(t *testing.T) {
	var log bytes.Buffer
	w := record.NewWriter(&log)
	write := func(e IndexEntry) {
		_, err := w.WriteBlock(e.Type, e.AppendBinary(nil))
		require.NoError(t, err)
	}

	a := IndexEntry{Offset: 34, Length: 10, Type: 1, Score: core.ScoreOf([]byte("a"))}
	b := IndexEntry{Offset: 78, Length: 10, Type: 1, Score: core.ScoreOf([]byte("b"))}
	beyond := IndexEntry{Offset: 122, Length: 10, Type: 1, Score: core.ScoreOf([]byte("c"))}
	write(a)
	write(b)
	write(a) // duplicate
	write(beyond)
	_, err := w.WriteBlock(1, []byte("not an entry"))
	require.NoError(t, err)
	mismatched := IndexEntry{Offset: 34, Length: 1, Type: 7, Score: core.ScoreOf([]byte("d"))}
	_, err = w.WriteBlock(2, mismatched.AppendBinary(nil))
	require.NoError(t, err)

	bi := NewBlockIndex()
	stats, err := bi.Replay(&log, 88, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Records)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 2, stats.Invalid)
	assert.Equal(t, 0, stats.Resyncs)

	_, ok := bi.Lookup(beyond.Score)
	assert.False(t, ok)
	got, ok := bi.Lookup(b.Score)
	require.True(t, ok)
	assert.Equal(t, b, got)
}

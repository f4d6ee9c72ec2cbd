package record

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"

	"github.com/INLOpen/ventibase/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBlock struct {
	typ  uint8
	data []byte
}

func writeAll(t *testing.T, blocks ...testBlock) ([]byte, []int64) {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	offsets := make([]int64, 0, len(blocks))
	for _, b := range blocks {
		offsets = append(offsets, w.Offset())
		n, err := w.WriteBlock(b.typ, b.data)
		require.NoError(t, err)
		require.Equal(t, int64(HeaderSize+len(b.data)), n)
	}
	require.Equal(t, int64(buf.Len()), w.Offset())
	return buf.Bytes(), offsets
}

func readAll(t *testing.T, r *Reader) []Record {
	t.Helper()
	var out []Record
	for {
		rec, err := r.ReadBlock()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func resealHeader(hdr []byte) {
	binary.LittleEndian.PutUint32(hdr[crcOffset:HeaderSize], crc32.ChecksumIEEE(hdr[:crcOffset]))
}

func TestWriterReader_RoundTrip(t *testing.T) {
	blocks := []testBlock{
		{typ: 1, data: []byte("first")},
		{typ: 2, data: []byte{}},
		{typ: 7, data: bytes.Repeat([]byte{0x5a}, core.MaxBlockSize)},
	}
	raw, offsets := writeAll(t, blocks...)

	r := NewReader(bytes.NewReader(raw))
	recs := readAll(t, r)
	require.Len(t, recs, len(blocks))
	for i, rec := range recs {
		assert.Equal(t, blocks[i].typ, rec.Type)
		assert.Equal(t, blocks[i].data, rec.Data)
		assert.Equal(t, offsets[i], rec.Offset)
		assert.Equal(t, offsets[i]+HeaderSize, rec.DataOffset())
	}
	assert.Equal(t, 0, r.Resyncs())
	assert.Equal(t, int64(0), r.Skipped())
	assert.Equal(t, int64(len(raw)), r.Offset())
}

func TestWriter_RejectsOversizeBlock(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriterAt(&buf, 100)
	_, err := w.WriteBlock(1, make([]byte, core.MaxBlockSize+1))
	require.ErrorIs(t, err, core.ErrBlockTooLarge)
	assert.Zero(t, buf.Len())
	assert.Equal(t, int64(100), w.Offset())
}

func TestReader_EmptyStream(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).ReadBlock()
	assert.Equal(t, io.EOF, err)
}

func TestReader_SkipsPayloadHashMismatch(t *testing.T) {
	second := bytes.Repeat([]byte("b"), 100)
	raw, offsets := writeAll(t,
		testBlock{1, []byte("alpha")},
		testBlock{1, second},
		testBlock{1, []byte("gamma")},
	)
	raw[offsets[1]+HeaderSize+10] ^= 0xff

	var reports []*core.CorruptionError
	r := NewReader(bytes.NewReader(raw), WithSource("test.log"), WithCorruptionHandler(func(ce *core.CorruptionError) {
		reports = append(reports, ce)
	}))
	recs := readAll(t, r)

	require.Len(t, recs, 2)
	assert.Equal(t, []byte("alpha"), recs[0].Data)
	assert.Equal(t, []byte("gamma"), recs[1].Data)
	assert.Equal(t, offsets[2], recs[1].Offset)
	assert.Equal(t, 1, r.Resyncs())
	assert.Equal(t, int64(HeaderSize+len(second)), r.Skipped())

	require.Len(t, reports, 1)
	assert.Equal(t, "test.log", reports[0].Source)
	assert.Equal(t, offsets[1], reports[0].Offset)
	assert.True(t, core.IsCorruptionError(reports[0]))
}

func TestReader_ScanRecoversFromHeaderDamage(t *testing.T) {
	second := bytes.Repeat([]byte("b"), 64)
	raw, offsets := writeAll(t,
		testBlock{1, []byte("alpha")},
		testBlock{1, second},
		testBlock{2, []byte("gamma")},
	)
	// A damaged length field fails the header checksum.
	raw[offsets[1]+5] ^= 0x01

	r := NewReader(bytes.NewReader(raw))
	recs := readAll(t, r)

	require.Len(t, recs, 2)
	assert.Equal(t, []byte("gamma"), recs[1].Data)
	assert.Equal(t, uint8(2), recs[1].Type)
	assert.Equal(t, 1, r.Resyncs())
	assert.Equal(t, int64(HeaderSize+len(second)), r.Skipped())
}

func TestReader_ResyncStrategies(t *testing.T) {
	first, _ := writeAll(t, testBlock{1, []byte("alpha")})
	second, _ := writeAll(t, testBlock{3, bytes.Repeat([]byte("x"), 100)})

	build := func(garbage int) []byte {
		var b bytes.Buffer
		b.Write(first)
		b.Write(bytes.Repeat([]byte{0xab}, garbage))
		b.Write(second)
		return b.Bytes()
	}

	testCases := []struct {
		name     string
		strategy ResyncStrategy
		garbage  int
		want     int
		skipped  int64
	}{
		{name: "scan odd length", strategy: ResyncScan, garbage: 7, want: 2, skipped: 7},
		{name: "scan aligned length", strategy: ResyncScan, garbage: 2 * HeaderSize, want: 2, skipped: 2 * HeaderSize},
		{name: "stride aligned length", strategy: ResyncStride, garbage: HeaderSize, want: 2, skipped: HeaderSize},
		{name: "stride odd length loses the next record", strategy: ResyncStride, garbage: 7, want: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(build(tc.garbage)), WithResyncStrategy(tc.strategy))
			recs := readAll(t, r)
			require.Len(t, recs, tc.want)
			assert.Equal(t, 1, r.Resyncs())
			if tc.want == 2 {
				assert.Equal(t, uint8(3), recs[1].Type)
				assert.Equal(t, int64(len(first)+tc.garbage), recs[1].Offset)
				assert.Equal(t, tc.skipped, r.Skipped())
			}
		})
	}
}

func TestReader_CountsEachResyncTransition(t *testing.T) {
	a, _ := writeAll(t, testBlock{1, []byte("a")})
	b, _ := writeAll(t, testBlock{1, []byte("b")})
	c, _ := writeAll(t, testBlock{1, []byte("c")})
	junk := bytes.Repeat([]byte{0xee}, 5)

	var stream bytes.Buffer
	for _, part := range [][]byte{a, junk, b, junk, c} {
		stream.Write(part)
	}

	calls := 0
	r := NewReader(&stream, WithCorruptionHandler(func(*core.CorruptionError) { calls++ }))
	recs := readAll(t, r)
	require.Len(t, recs, 3)
	assert.Equal(t, 2, r.Resyncs())
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(10), r.Skipped())
}

func TestReader_TornTail(t *testing.T) {
	raw, offsets := writeAll(t,
		testBlock{1, []byte("complete")},
		testBlock{1, bytes.Repeat([]byte("t"), 50)},
	)

	t.Run("short payload", func(t *testing.T) {
		recs := readAll(t, NewReader(bytes.NewReader(raw[:len(raw)-10])))
		require.Len(t, recs, 1)
		assert.Equal(t, []byte("complete"), recs[0].Data)
	})

	t.Run("short header", func(t *testing.T) {
		recs := readAll(t, NewReader(bytes.NewReader(raw[:offsets[1]+10])))
		require.Len(t, recs, 1)
	})
}

func TestParseHeader_ValidationOrder(t *testing.T) {
	good := AppendRecord(nil, 4, []byte("payload"))[:HeaderSize]

	h, err := ParseHeader(good)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), h.DataLen)
	assert.Equal(t, uint8(4), h.BlockType)
	assert.Equal(t, core.ScoreOf([]byte("payload")), h.DataHash)

	mutate := func(fn func(hdr []byte)) []byte {
		hdr := append([]byte(nil), good...)
		fn(hdr)
		return hdr
	}

	testCases := []struct {
		name string
		hdr  []byte
		msg  string
	}{
		{"bad magic", mutate(func(h []byte) { h[0] = 1; resealHeader(h) }), "bad magic"},
		{"bad checksum", mutate(func(h []byte) { h[9] = 9 }), "checksum"},
		{"bad hash algorithm", mutate(func(h []byte) { h[8] = 1; resealHeader(h) }), "hash algorithm"},
		{"oversize length", mutate(func(h []byte) {
			binary.LittleEndian.PutUint32(h[4:8], core.MaxBlockSize+1)
			resealHeader(h)
		}), "exceeds"},
		{"short", good[:20], "short header"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseHeader(tc.hdr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestReader_SkipsOversizeHeader(t *testing.T) {
	var stream bytes.Buffer
	bad := AppendRecord(nil, 1, []byte("zz"))
	binary.LittleEndian.PutUint32(bad[4:8], core.MaxBlockSize+1)
	resealHeader(bad[:HeaderSize])
	stream.Write(bad)
	stream.Write(AppendRecord(nil, 2, []byte("after")))

	r := NewReader(&stream)
	recs := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("after"), recs[0].Data)
	assert.Equal(t, int64(len(bad)), r.Skipped())
}

func TestParseResyncStrategy(t *testing.T) {
	s, err := ParseResyncStrategy("")
	require.NoError(t, err)
	assert.Equal(t, ResyncScan, s)
	s, err = ParseResyncStrategy("stride")
	require.NoError(t, err)
	assert.Equal(t, ResyncStride, s)
	_, err = ParseResyncStrategy("leap")
	assert.Error(t, err)
}

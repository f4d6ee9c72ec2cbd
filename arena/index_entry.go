package arena

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/record"
)

const (
	// IndexEntrySize is the encoded size of an entry for an uncompressed block.
	IndexEntrySize = 8 + 4 + 1 + core.ScoreSize
	// IndexEntrySizeWithCodec adds the trailing codec byte.
	IndexEntrySizeWithCodec = IndexEntrySize + 1
)

// IndexEntry locates one stored block in the data log.
type IndexEntry struct {
	// Offset is the position of the record payload, i.e. record start
	// plus record.HeaderSize.
	Offset uint64
	// Length is the stored payload length, which is the compressed size
	// when Codec is not CompressionNone.
	Length uint32
	Type   uint8
	Score  core.Score
	Codec  core.CompressionType
}

// End returns the data log offset just past the payload.
func (e IndexEntry) End() uint64 {
	return e.Offset + uint64(e.Length)
}

// RecordOffset returns the offset of the record header in the data log.
func (e IndexEntry) RecordOffset() int64 {
	return int64(e.Offset) - record.HeaderSize
}

// AppendBinary appends the little-endian encoding of e to dst. The codec
// byte is only written for compressed payloads, so arenas that never
// compress keep the 33-byte layout.
func (e IndexEntry) AppendBinary(dst []byte) []byte {
	var buf [IndexEntrySizeWithCodec]byte
	binary.LittleEndian.PutUint64(buf[0:8], e.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], e.Length)
	buf[12] = e.Type
	copy(buf[13:13+core.ScoreSize], e.Score[:])
	if e.Codec == core.CompressionNone {
		return append(dst, buf[:IndexEntrySize]...)
	}
	buf[IndexEntrySize] = byte(e.Codec)
	return append(dst, buf[:]...)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e IndexEntry) MarshalBinary() ([]byte, error) {
	return e.AppendBinary(make([]byte, 0, IndexEntrySizeWithCodec)), nil
}

// DecodeIndexEntry parses an entry produced by AppendBinary.
func DecodeIndexEntry(b []byte) (IndexEntry, error) {
	if len(b) != IndexEntrySize && len(b) != IndexEntrySizeWithCodec {
		return IndexEntry{}, fmt.Errorf("index entry must be %d or %d bytes, got %d", IndexEntrySize, IndexEntrySizeWithCodec, len(b))
	}
	e := IndexEntry{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
		Type:   b[12],
	}
	copy(e.Score[:], b[13:13+core.ScoreSize])
	if len(b) == IndexEntrySizeWithCodec {
		e.Codec = core.CompressionType(b[IndexEntrySize])
		if e.Codec > core.CompressionZSTD {
			return IndexEntry{}, fmt.Errorf("index entry has unknown codec %d", e.Codec)
		}
	}
	if e.Length > core.MaxBlockSize {
		return IndexEntry{}, fmt.Errorf("index entry length %d exceeds maximum %d", e.Length, core.MaxBlockSize)
	}
	if e.Offset < record.HeaderSize {
		return IndexEntry{}, fmt.Errorf("index entry offset %d precedes first payload", e.Offset)
	}
	return e, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *IndexEntry) UnmarshalBinary(b []byte) error {
	decoded, err := DecodeIndexEntry(b)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

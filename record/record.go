// Package record implements the self-checksummed record format shared by the
// arena data log and the arena index log.
//
// Every record is a fixed 34-byte header followed by its payload:
//
//	magic(4)=0 | dataLen(4) | hashAlgo(1) | blockType(1) | dataHash(20) | headerCRC(4) | data
//
// Integers are little-endian. headerCRC is CRC-32 (IEEE) over the first 30
// header bytes and dataHash is the SHA-1 of the payload.
package record

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/ventibase/core"
)

const (
	// HeaderSize is the encoded size of a record header.
	HeaderSize = 34

	// Magic is the leading word of every record.
	Magic uint32 = 0

	crcOffset = 30
)

// Header is the decoded form of a record header.
type Header struct {
	DataLen   uint32
	HashAlgo  uint8
	BlockType uint8
	DataHash  core.Score
}

// Record is a validated record returned by a Reader.
type Record struct {
	Type uint8
	Data []byte
	// Offset is the stream offset of the record header.
	Offset int64
}

// DataOffset returns the stream offset of the record payload.
func (r Record) DataOffset() int64 {
	return r.Offset + HeaderSize
}

// Size returns the encoded size of the record.
func (r Record) Size() int64 {
	return HeaderSize + int64(len(r.Data))
}

// EncodeHeader writes the header for a block into dst, which must hold at
// least HeaderSize bytes.
func EncodeHeader(dst []byte, blockType uint8, data []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(len(data)))
	dst[8] = core.HashSHA1
	dst[9] = blockType
	sum := sha1.Sum(data)
	copy(dst[10:30], sum[:])
	binary.LittleEndian.PutUint32(dst[crcOffset:HeaderSize], crc32.ChecksumIEEE(dst[:crcOffset]))
}

// AppendRecord appends the full encoded record for a block to dst.
func AppendRecord(dst []byte, blockType uint8, data []byte) []byte {
	var hdr [HeaderSize]byte
	EncodeHeader(hdr[:], blockType, data)
	dst = append(dst, hdr[:]...)
	return append(dst, data...)
}

// ParseHeader decodes and validates a header. Checks run in the order magic,
// header checksum, hash algorithm, payload length. The returned error
// describes the first check that failed.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("short header: %d bytes", len(b))
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != Magic {
		return Header{}, fmt.Errorf("bad magic %#08x", m)
	}
	want := binary.LittleEndian.Uint32(b[crcOffset:HeaderSize])
	if got := crc32.ChecksumIEEE(b[:crcOffset]); got != want {
		return Header{}, fmt.Errorf("header checksum mismatch: stored %#08x, computed %#08x", want, got)
	}
	h := Header{
		DataLen:   binary.LittleEndian.Uint32(b[4:8]),
		HashAlgo:  b[8],
		BlockType: b[9],
	}
	if h.HashAlgo != core.HashSHA1 {
		return Header{}, fmt.Errorf("unsupported hash algorithm %d", h.HashAlgo)
	}
	if h.DataLen > core.MaxBlockSize {
		return Header{}, fmt.Errorf("data length %d exceeds maximum %d", h.DataLen, core.MaxBlockSize)
	}
	copy(h.DataHash[:], b[10:30])
	return h, nil
}

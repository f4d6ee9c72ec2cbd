package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/ventibase/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using the Snappy block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte, maxSize int) ([]byte, error) {
	// The block header carries the decoded length, so the limit is checked
	// before any allocation.
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	if maxSize > 0 && n > maxSize {
		return nil, fmt.Errorf("%w: snappy block decodes to %d bytes, limit %d", ErrDecompressedTooLarge, n, maxSize)
	}
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return decompressed, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}

// CompressTo compresses src into dst using the same block format as Compress.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	dst.Write(snappy.Encode(nil, src))
	return nil
}

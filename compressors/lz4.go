package compressors

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/INLOpen/ventibase/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 block format.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		// Incompressible input. CompressBlock reports this as zero bytes;
		// callers keep the raw payload when the result is not smaller.
		return nil, fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}
	return dst[:n], nil
}

// Decompress needs an upper bound because the LZ4 block format does not
// record the original size. Stored blocks never exceed core.MaxBlockSize, so
// that is the default bound.
func (c *LZ4Compressor) Decompress(data []byte, maxSize int) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	if maxSize <= 0 {
		maxSize = core.MaxBlockSize
	}
	dst := make([]byte, maxSize)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			return nil, fmt.Errorf("%w: lz4 block exceeds limit %d", ErrDecompressedTooLarge, maxSize)
		}
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

// CompressTo compresses src data into the dst buffer using LZ4.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	out, err := c.Compress(src)
	if err != nil {
		return fmt.Errorf("lz4 CompressTo: %w", err)
	}
	dst.Write(out)
	return nil
}

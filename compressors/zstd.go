package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/ventibase/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using ZSTD frames.
// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder are shared by all callers.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(4*core.MaxBlockSize),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &ZstdCompressor{encoder: enc, decoder: dec}, nil
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *ZstdCompressor) Decompress(data []byte, maxSize int) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	if maxSize > 0 && len(out) > maxSize {
		return nil, fmt.Errorf("%w: zstd frame decodes to %d bytes, limit %d", ErrDecompressedTooLarge, len(out), maxSize)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}

// CompressTo compresses src data into the dst buffer using ZSTD.
func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	out := c.encoder.EncodeAll(src, buf.Bytes()[:0])
	dst.Reset()
	dst.Write(out)
	return nil
}

// Close releases the decoder's background resources.
func (c *ZstdCompressor) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}

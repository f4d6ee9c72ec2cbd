// Package compressors provides the payload codecs a compressed arena can
// store blocks with. Each stored index entry records which codec produced
// its payload, so arenas may mix codecs across restarts.
package compressors

import (
	"errors"
	"fmt"

	"github.com/INLOpen/ventibase/core"
)

// ErrDecompressedTooLarge is returned when a payload would decode past the caller's limit.
var ErrDecompressedTooLarge = errors.New("decompressed payload too large")

// New returns the compressor for the given type.
func New(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unsupported compression type %d", ct)
	}
}

// FromName returns the compressor named by a configuration value.
func FromName(name string) (core.Compressor, error) {
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return New(ct)
}

// Registry resolves compression types to shared compressor instances.
// It is populated eagerly so lookups on the read path never allocate.
type Registry struct {
	byType map[core.CompressionType]core.Compressor
}

// NewRegistry builds a registry holding every supported codec.
func NewRegistry() (*Registry, error) {
	r := &Registry{byType: make(map[core.CompressionType]core.Compressor, 4)}
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := New(ct)
		if err != nil {
			return nil, err
		}
		r.byType[ct] = c
	}
	return r, nil
}

// Get returns the compressor for ct.
func (r *Registry) Get(ct core.CompressionType) (core.Compressor, error) {
	c, ok := r.byType[ct]
	if !ok {
		return nil, fmt.Errorf("unsupported compression type %d", ct)
	}
	return c, nil
}

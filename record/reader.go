package record

import (
	"bufio"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/ventibase/core"
)

// ResyncStrategy controls how far a Reader advances after a header fails
// validation.
type ResyncStrategy int

const (
	// ResyncScan advances one byte at a time and finds the next valid
	// record after corruption of any length.
	ResyncScan ResyncStrategy = iota
	// ResyncStride advances a full header length at a time. It only
	// realigns when the damaged region is a multiple of HeaderSize.
	ResyncStride
)

func (s ResyncStrategy) String() string {
	switch s {
	case ResyncScan:
		return "scan"
	case ResyncStride:
		return "stride"
	default:
		return "unknown"
	}
}

// ParseResyncStrategy maps a configuration name to a strategy.
func ParseResyncStrategy(name string) (ResyncStrategy, error) {
	switch name {
	case "", "scan":
		return ResyncScan, nil
	case "stride":
		return ResyncStride, nil
	default:
		return ResyncScan, fmt.Errorf("unknown resync strategy %q", name)
	}
}

// Option configures a Reader.
type Option func(*Reader)

// WithResyncStrategy selects the header-failure skip distance.
func WithResyncStrategy(s ResyncStrategy) Option {
	return func(r *Reader) { r.strategy = s }
}

// WithLogger sets the logger used for resync and torn-tail messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSource names the stream in log messages and corruption reports.
func WithSource(name string) Option {
	return func(r *Reader) { r.source = name }
}

// WithCorruptionHandler registers a callback invoked each time the Reader
// loses sync, with the failure that caused it.
func WithCorruptionHandler(fn func(*core.CorruptionError)) Option {
	return func(r *Reader) { r.onCorruption = fn }
}

// WithBaseOffset sets the stream offset of the first byte the Reader sees.
func WithBaseOffset(off int64) Option {
	return func(r *Reader) { r.offset = off }
}

// Reader returns validated records from a stream, skipping damaged regions.
// It is not safe for concurrent use.
type Reader struct {
	br           *bufio.Reader
	strategy     ResyncStrategy
	logger       *slog.Logger
	source       string
	onCorruption func(*core.CorruptionError)

	offset    int64
	resyncing bool
	resyncs   int
	skipped   int64
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	rd := &Reader{
		br:     bufio.NewReaderSize(r, 64*1024),
		logger: slog.Default(),
		source: "record stream",
	}
	for _, opt := range opts {
		opt(rd)
	}
	rd.logger = rd.logger.With("component", "record_reader", "source", rd.source)
	return rd
}

// Resyncs returns how many times the Reader lost and searched for sync.
func (r *Reader) Resyncs() int { return r.resyncs }

// Skipped returns the total number of bytes skipped during resync.
func (r *Reader) Skipped() int64 { return r.skipped }

// Offset returns the stream offset of the next unread byte.
func (r *Reader) Offset() int64 { return r.offset }

// ReadBlock returns the next valid record. It returns io.EOF at the end of
// the stream, including when the stream ends partway through a record.
func (r *Reader) ReadBlock() (Record, error) {
	for {
		start := r.offset
		hdrBytes, err := r.br.Peek(HeaderSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(hdrBytes) > 0 {
					r.logger.Warn("Torn record header at end of stream.", "offset", start, "bytes", len(hdrBytes))
				}
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("reading record header at offset %d: %w", start, err)
		}

		hdr, perr := ParseHeader(hdrBytes)
		if perr != nil {
			r.corrupt(start, perr.Error())
			step := 1
			if r.strategy == ResyncStride {
				step = HeaderSize
			}
			if err := r.skip(step); err != nil {
				return Record{}, err
			}
			continue
		}

		if _, err := r.br.Discard(HeaderSize); err != nil {
			return Record{}, fmt.Errorf("consuming record header at offset %d: %w", start, err)
		}
		r.offset += HeaderSize

		data := make([]byte, hdr.DataLen)
		n, err := io.ReadFull(r.br, data)
		r.offset += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.logger.Warn("Torn record payload at end of stream.", "offset", start, "want", hdr.DataLen, "got", n)
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("reading record payload at offset %d: %w", start, err)
		}

		if core.Score(sha1.Sum(data)) != hdr.DataHash {
			// The checksummed header is trusted for length, so the whole
			// record is skipped rather than rescanning its payload.
			r.corrupt(start, "payload hash mismatch")
			r.skipped += HeaderSize + int64(hdr.DataLen)
			continue
		}

		if r.resyncing {
			r.resyncing = false
			r.logger.Info("Record stream resynchronized.", "offset", start, "skipped_total", r.skipped)
		}
		return Record{Type: hdr.BlockType, Data: data, Offset: start}, nil
	}
}

func (r *Reader) corrupt(offset int64, reason string) {
	if !r.resyncing {
		r.resyncing = true
		r.resyncs++
		r.logger.Warn("Record stream out of sync, resynchronizing.",
			"offset", offset, "reason", reason, "strategy", r.strategy.String())
		if r.onCorruption != nil {
			r.onCorruption(&core.CorruptionError{Source: r.source, Offset: offset, Reason: reason})
		}
	}
}

func (r *Reader) skip(n int) error {
	d, err := r.br.Discard(n)
	r.offset += int64(d)
	r.skipped += int64(d)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("skipping %d bytes at offset %d: %w", n, r.offset, err)
	}
	return nil
}

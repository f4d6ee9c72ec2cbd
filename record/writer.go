package record

import (
	"fmt"
	"io"

	"github.com/INLOpen/ventibase/core"
)

// Writer appends records to a stream. It is not safe for concurrent use.
type Writer struct {
	w      io.Writer
	offset int64
}

// NewWriter returns a Writer whose offsets start at zero.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// NewWriterAt returns a Writer for a stream that already holds base bytes.
func NewWriterAt(w io.Writer, base int64) *Writer {
	return &Writer{w: w, offset: base}
}

// Offset returns the stream offset at which the next record will start.
func (w *Writer) Offset() int64 {
	return w.offset
}

// WriteBlock encodes one record and issues it as a single Write. It returns
// the number of bytes written.
func (w *Writer) WriteBlock(blockType uint8, data []byte) (int64, error) {
	if len(data) > core.MaxBlockSize {
		return 0, fmt.Errorf("record of %d bytes: %w", len(data), core.ErrBlockTooLarge)
	}

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	var hdr [HeaderSize]byte
	EncodeHeader(hdr[:], blockType, data)
	buf.Write(hdr[:])
	buf.Write(data)

	n, err := w.w.Write(buf.Bytes())
	w.offset += int64(n)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write record at offset %d: %w", w.offset-int64(n), err)
	}
	if n != buf.Len() {
		return int64(n), fmt.Errorf("short record write at offset %d: %w", w.offset-int64(n), io.ErrShortWrite)
	}
	return int64(n), nil
}

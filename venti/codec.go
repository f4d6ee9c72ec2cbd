package venti

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/INLOpen/ventibase/core"
	"golang.org/x/text/encoding/charmap"
)

// MaxFrameSize bounds the body length a Decoder accepts.
const MaxFrameSize = 2 * 65536

func checkWidth(width int) error {
	if width != 2 && width != 4 {
		return protoErrorf("version", nil, "unsupported length-field width %d", width)
	}
	return nil
}

func maxBodyForWidth(width int) int {
	if width == 2 {
		return 0xffff
	}
	return MaxFrameSize
}

// Encoder writes framed messages. It is not safe for concurrent use.
type Encoder struct {
	w     *bufio.Writer
	width int
	buf   []byte
}

// NewEncoder returns an Encoder with the default width. If w is already a
// *bufio.Writer it is used directly.
func NewEncoder(w io.Writer) *Encoder {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &Encoder{w: bw, width: DefaultWidth}
}

// SetWidth changes the length-field width for subsequent frames.
func (e *Encoder) SetWidth(width int) error {
	if err := checkWidth(width); err != nil {
		return err
	}
	e.width = width
	return nil
}

// Width returns the current length-field width.
func (e *Encoder) Width() int { return e.width }

// WriteMessage frames m and buffers it. The body is fully encoded before
// anything is written, so an encode error leaves the stream untouched.
func (e *Encoder) WriteMessage(m Message) error {
	body, err := appendBody(e.buf[:0], m, e.width)
	if err != nil {
		return err
	}
	e.buf = body
	if len(body) > maxBodyForWidth(e.width) {
		return protoErrorf("encode", nil, "%s body of %d bytes does not fit a %d-byte length field", m.Type(), len(body), e.width)
	}

	var prefix [4]byte
	if e.width == 2 {
		binary.BigEndian.PutUint16(prefix[:2], uint16(len(body)))
	} else {
		binary.BigEndian.PutUint32(prefix[:4], uint32(len(body)))
	}
	if _, err := e.w.Write(prefix[:e.width]); err != nil {
		return err
	}
	_, err = e.w.Write(body)
	return err
}

// Flush writes any buffered frames to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

func appendUint16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

func appendString(b []byte, s, field string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, protoErrorf("encode", nil, "%s is not valid UTF-8", field)
	}
	if len(s) > 0xffff {
		return nil, protoErrorf("encode", nil, "%s longer than %d bytes", field, 0xffff)
	}
	b = appendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

func appendDatum(b []byte, s, field string) ([]byte, error) {
	enc, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil {
		return nil, protoErrorf("encode", err, "%s is not representable in Latin-1", field)
	}
	if len(enc) > 0xff {
		return nil, protoErrorf("encode", nil, "%s longer than %d bytes", field, 0xff)
	}
	b = append(b, byte(len(enc)))
	return append(b, enc...), nil
}

func appendCount(b []byte, v uint32, width int) ([]byte, error) {
	if width == 2 {
		if v > 0xffff {
			return nil, protoErrorf("encode", nil, "count %d does not fit 2 bytes", v)
		}
		return appendUint16(b, uint16(v)), nil
	}
	return binary.BigEndian.AppendUint32(b, v), nil
}

func appendBody(b []byte, m Message, width int) ([]byte, error) {
	b = append(b, byte(m.Type()), m.GetTag())
	var err error
	switch m := m.(type) {
	case Ping, Pong, Goodbye, Sync, SyncAck:
	case Hello:
		if b, err = appendString(b, m.Version, "version"); err != nil {
			return nil, err
		}
		if b, err = appendString(b, m.UID, "uid"); err != nil {
			return nil, err
		}
		b = append(b, m.Strength)
		if b, err = appendDatum(b, m.Crypto, "crypto"); err != nil {
			return nil, err
		}
		if b, err = appendDatum(b, m.Codec, "codec"); err != nil {
			return nil, err
		}
	case HelloAck:
		if b, err = appendString(b, m.SID, "sid"); err != nil {
			return nil, err
		}
		b = append(b, 0, 0)
	case Read:
		b = append(b, m.Score[:]...)
		b = append(b, m.Type, 0)
		if b, err = appendCount(b, m.Count, width); err != nil {
			return nil, err
		}
	case ReadAck:
		b = append(b, m.Data...)
	case Write:
		b = append(b, m.Type, 0, 0, 0)
		b = append(b, m.Data...)
	case WriteAck:
		b = append(b, m.Score[:]...)
	case Error:
		if b, err = appendString(b, m.Message, "error"); err != nil {
			return nil, err
		}
	default:
		return nil, protoErrorf("encode", nil, "unsupported message %T", m)
	}
	return b, nil
}

// Decoder reads framed messages. It is not safe for concurrent use.
type Decoder struct {
	r     *bufio.Reader
	width int
}

// NewDecoder returns a Decoder with the default width. If r is already a
// *bufio.Reader it is used directly, so bytes buffered while reading the
// version line are not lost.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, width: DefaultWidth}
}

// SetWidth changes the length-field width for subsequent frames.
func (d *Decoder) SetWidth(width int) error {
	if err := checkWidth(width); err != nil {
		return err
	}
	d.width = width
	return nil
}

// Width returns the current length-field width.
func (d *Decoder) Width() int { return d.width }

type role int

const (
	roleAny role = iota
	roleRequest
	roleResponse
)

// ReadRequest decodes the next frame and requires it to be a client request.
func (d *Decoder) ReadRequest() (Message, error) { return d.read(roleRequest) }

// ReadResponse decodes the next frame and requires it to be a server reply.
func (d *Decoder) ReadResponse() (Message, error) { return d.read(roleResponse) }

// ReadMessage decodes the next frame of either role.
func (d *Decoder) ReadMessage() (Message, error) { return d.read(roleAny) }

func (d *Decoder) read(want role) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(d.r, prefix[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, protoErrorf("decode", err, "reading frame length")
	}
	if _, err := io.ReadFull(d.r, prefix[1:d.width]); err != nil {
		return nil, protoErrorf("decode", err, "truncated frame length")
	}
	var n int
	if d.width == 2 {
		n = int(binary.BigEndian.Uint16(prefix[:2]))
	} else {
		n = int(binary.BigEndian.Uint32(prefix[:4]))
	}
	if n < 2 || n > MaxFrameSize {
		return nil, protoErrorf("decode", nil, "invalid frame length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, protoErrorf("decode", err, "truncated frame body (want %d bytes)", n)
	}

	t := MsgType(body[0])
	switch {
	case want == roleRequest && !t.IsRequest():
		return nil, protoErrorf("decode", nil, "expected a request, got %s", t)
	case want == roleResponse && t.IsRequest():
		return nil, protoErrorf("decode", nil, "expected a response, got %s", t)
	}
	return decodeBody(body, d.width)
}

// scanner walks a frame body. The first error sticks.
type scanner struct {
	b   []byte
	pos int
	err error
}

func (s *scanner) take(n int, field string) []byte {
	if s.err != nil {
		return nil
	}
	if n < 0 || len(s.b)-s.pos < n {
		s.err = protoErrorf("decode", nil, "truncated %s", field)
		return nil
	}
	out := s.b[s.pos : s.pos+n]
	s.pos += n
	return out
}

func (s *scanner) byte1(field string) uint8 {
	b := s.take(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

func (s *scanner) string2(field string) string {
	lb := s.take(2, field+" length")
	if lb == nil {
		return ""
	}
	raw := s.take(int(binary.BigEndian.Uint16(lb)), field)
	if s.err == nil && !utf8.Valid(raw) {
		s.err = protoErrorf("decode", nil, "%s is not valid UTF-8", field)
	}
	return string(raw)
}

func (s *scanner) datum(field string) string {
	n := s.byte1(field + " length")
	raw := s.take(int(n), field)
	if s.err != nil {
		return ""
	}
	dec, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		s.err = protoErrorf("decode", err, "decoding %s", field)
		return ""
	}
	return string(dec)
}

func (s *scanner) score(field string) core.Score {
	var sc core.Score
	copy(sc[:], s.take(core.ScoreSize, field))
	return sc
}

func (s *scanner) count(width int) uint32 {
	b := s.take(width, "count")
	if b == nil {
		return 0
	}
	if width == 2 {
		return uint32(binary.BigEndian.Uint16(b))
	}
	return binary.BigEndian.Uint32(b)
}

func (s *scanner) rest() []byte {
	if s.err != nil {
		return nil
	}
	out := make([]byte, len(s.b)-s.pos)
	copy(out, s.b[s.pos:])
	s.pos = len(s.b)
	return out
}

func (s *scanner) done(t MsgType) error {
	if s.err != nil {
		return s.err
	}
	if s.pos != len(s.b) {
		return protoErrorf("decode", nil, "%d trailing bytes after %s", len(s.b)-s.pos, t)
	}
	return nil
}

func decodeBody(body []byte, width int) (Message, error) {
	t := MsgType(body[0])
	tag := body[1]
	s := &scanner{b: body, pos: 2}

	var m Message
	switch t {
	case TypePing:
		m = Ping{Tag: tag}
	case TypePong:
		m = Pong{Tag: tag}
	case TypeGoodbye:
		m = Goodbye{Tag: tag}
	case TypeSync:
		m = Sync{Tag: tag}
	case TypeSyncAck:
		m = SyncAck{Tag: tag}
	case TypeHello:
		h := Hello{Tag: tag}
		h.Version = s.string2("version")
		h.UID = s.string2("uid")
		h.Strength = s.byte1("strength")
		h.Crypto = s.datum("crypto")
		h.Codec = s.datum("codec")
		m = h
	case TypeHelloAck:
		h := HelloAck{Tag: tag}
		h.SID = s.string2("sid")
		s.take(2, "reserved bytes")
		m = h
	case TypeRead:
		r := Read{Tag: tag}
		r.Score = s.score("score")
		r.Type = s.byte1("type")
		s.take(1, "pad")
		r.Count = s.count(width)
		m = r
	case TypeReadAck:
		m = ReadAck{Tag: tag, Data: s.rest()}
	case TypeWrite:
		w := Write{Tag: tag}
		w.Type = s.byte1("type")
		s.take(3, "pad")
		w.Data = s.rest()
		if s.err == nil && len(w.Data) > core.MaxBlockSize {
			return nil, protoErrorf("decode", nil, "write of %d bytes exceeds block limit %d", len(w.Data), core.MaxBlockSize)
		}
		m = w
	case TypeWriteAck:
		m = WriteAck{Tag: tag, Score: s.score("score")}
	case TypeError:
		m = Error{Tag: tag, Message: s.string2("error")}
	case TypeGoodbyeAck, TypeAuth0, TypeAuth0Ack, TypeAuth1, TypeAuth1Ack:
		return nil, protoErrorf("decode", nil, "%s is not supported", t)
	default:
		return nil, protoErrorf("decode", nil, "unknown message type %d", uint8(t))
	}
	if err := s.done(t); err != nil {
		return nil, err
	}
	return m, nil
}

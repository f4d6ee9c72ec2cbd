package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/venti"
)

// State is the protocol state of a connection.
type State int32

const (
	StateAwaitingVersionLine State = iota
	StateEstablished
	StateDispatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingVersionLine:
		return "awaiting-version-line"
	case StateEstablished:
		return "established"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	// ServerName is announced in the greeting line.
	ServerName string
	Logger     *slog.Logger
	// ReadTimeout and WriteTimeout set socket deadlines around each request
	// when the connection supports them. Zero disables them.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// sessionCounter makes session ids unique within the process.
var sessionCounter atomic.Uint64

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Processor runs the venti protocol for one connection.
type Processor struct {
	backend Backend
	opts    ProcessorOptions
	logger  *slog.Logger
	state   atomic.Int32
}

// NewProcessor returns a Processor that serves requests from backend.
func NewProcessor(backend Backend, opts ProcessorOptions) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServerName == "" {
		opts.ServerName = "ventibase"
	}
	return &Processor{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With("component", "Processor"),
	}
}

// State returns the connection's current protocol state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

func (p *Processor) setState(s State) {
	p.state.Store(int32(s))
}

// Serve runs the connection until the peer says goodbye, the stream ends,
// a protocol error occurs or ctx is cancelled. conn is always closed on
// return. A clean end of the session returns nil.
func (p *Processor) Serve(ctx context.Context, conn io.ReadWriteCloser) (err error) {
	p.setState(StateAwaitingVersionLine)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		p.setState(StateClosed)
		if ctx.Err() != nil {
			err = nil
		}
	}()

	logger := p.logger
	var remote string
	if rc, ok := conn.(interface{ RemoteAddr() net.Addr }); ok {
		remote = rc.RemoteAddr().String()
		logger = logger.With("remote_addr", remote)
	}
	sess := session{remote: remote, logger: logger}

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	p.armWriteDeadline(conn)
	if _, err := bw.WriteString(venti.GreetingLine(p.opts.ServerName)); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	p.armReadDeadline(conn)
	line, err := venti.ReadVersionLine(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("Peer closed before sending a version line.")
			return nil
		}
		return fmt.Errorf("read peer version line: %w", err)
	}
	logger.Info("Peer version line", "line", line)

	dec := venti.NewDecoder(br)
	enc := venti.NewEncoder(bw)
	p.setState(StateEstablished)

	for {
		p.armReadDeadline(conn)
		req, err := dec.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("Peer closed the connection.")
				return nil
			}
			if venti.IsProtocolError(err) {
				logger.Warn("Protocol error, closing connection.", "error", err)
			}
			return err
		}
		requestsTotal.Add(req.Type().String(), 1)

		if hello, ok := req.(venti.Hello); ok {
			width, err := venti.WidthForVersion(hello.Version)
			if err != nil {
				logger.Warn("Unsupported protocol version, closing connection.", "version", hello.Version)
				return err
			}
			// Both directions switch before the ack goes out.
			_ = dec.SetWidth(width)
			_ = enc.SetWidth(width)
		}

		p.setState(StateDispatching)
		resp, goodbye := p.dispatch(ctx, req, sess)
		if goodbye {
			logger.Info("Peer said goodbye.")
			return nil
		}
		if resp == nil {
			return fmt.Errorf("no response produced for %s", req.Type())
		}

		p.armWriteDeadline(conn)
		if err := p.respond(enc, resp, logger); err != nil {
			return err
		}
		p.setState(StateEstablished)
	}
}

// dispatch runs one request. It reports goodbye=true when the session ends
// without a response.
func (p *Processor) dispatch(ctx context.Context, req venti.Message, sess session) (resp venti.Message, goodbye bool) {
	logger := sess.logger
	tag := req.GetTag()
	switch m := req.(type) {
	case venti.Ping:
		return venti.Pong{Tag: tag}, false

	case venti.Hello:
		sid := newSessionID(m.UID, sess.remote)
		logger.Debug("Session opened", "version", m.Version, "uid", m.UID, "sid", sid)
		return venti.HelloAck{Tag: tag, SID: sid}, false

	case venti.Read:
		blk, err := p.backend.Get(ctx, m.Score, m.Type)
		if err != nil {
			if core.IsNotFound(err) {
				return venti.Error{Tag: tag, Message: fmt.Sprintf("no block with score %s/%d exists", m.Score, m.Type)}, false
			}
			logger.Error("Read failed", "score", m.Score.String(), "type", m.Type, "error", err)
			return venti.Error{Tag: tag, Message: err.Error()}, false
		}
		if uint32(blk.Len()) > m.Count {
			return venti.Error{Tag: tag, Message: fmt.Sprintf("block %s/%d has %d bytes, more than the requested %d", m.Score, m.Type, blk.Len(), m.Count)}, false
		}
		return venti.ReadAck{Tag: tag, Data: blk.Data}, false

	case venti.Write:
		blk, err := p.backend.Put(ctx, m.Data, m.Type)
		if err != nil {
			logger.Warn("Write failed", "type", m.Type, "size", len(m.Data), "error", err)
			return venti.Error{Tag: tag, Message: err.Error()}, false
		}
		return venti.WriteAck{Tag: tag, Score: blk.Score()}, false

	case venti.Sync:
		if err := p.backend.Sync(ctx); err != nil {
			logger.Error("Sync failed", "error", err)
			return venti.Error{Tag: tag, Message: err.Error()}, false
		}
		return venti.SyncAck{Tag: tag}, false

	case venti.Goodbye:
		if err := p.backend.Sync(ctx); err != nil {
			logger.Error("Sync on goodbye failed", "error", err)
		}
		return nil, true
	}
	return nil, false
}

// respond encodes and flushes resp. A response the negotiated width cannot
// carry is replaced by an error message with the same tag.
func (p *Processor) respond(enc *venti.Encoder, resp venti.Message, logger *slog.Logger) error {
	err := enc.WriteMessage(resp)
	if err != nil && venti.IsProtocolError(err) && resp.Type() != venti.TypeError {
		logger.Warn("Response does not fit the frame, sending error instead.", "type", resp.Type().String(), "error", err)
		err = enc.WriteMessage(venti.Error{Tag: resp.GetTag(), Message: err.Error()})
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", resp.Type(), err)
	}
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", resp.Type(), err)
	}
	return nil
}

func (p *Processor) armReadDeadline(conn io.ReadWriteCloser) {
	if p.opts.ReadTimeout <= 0 {
		return
	}
	if d, ok := conn.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout))
	}
}

func (p *Processor) armWriteDeadline(conn io.ReadWriteCloser) {
	if p.opts.WriteTimeout <= 0 {
		return
	}
	if d, ok := conn.(deadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	}
}

// session is per-connection context handed to dispatch.
type session struct {
	remote string
	logger *slog.Logger
}

// newSessionID hashes the client uid, the peer address and a process-wide
// counter into a score and returns its hex form.
func newSessionID(uid, remote string) string {
	n := sessionCounter.Add(1)
	return core.ScoreOf([]byte(uid + "|" + remote + "|" + strconv.FormatUint(n, 10))).String()
}

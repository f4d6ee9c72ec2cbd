// Package client is a synchronous venti protocol client.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/venti"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client closed")

// ServerError is an Rerror reply from the server.
type ServerError struct {
	Op      string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("venti %s: server error: %s", e.Op, e.Message)
}

// IsNotFound reports whether err is the server saying a block is absent.
func IsNotFound(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && strings.HasPrefix(se.Message, "no block with score")
}

// Options configures a Client.
type Options struct {
	// Version is the protocol version requested in hello, "02" or "04".
	// Empty picks the highest version the server offers.
	Version  string
	Software string
	UID      string
	Logger   *slog.Logger
}

// Client speaks venti over one connection. Calls are serialized; it is
// safe for concurrent use but never pipelines requests.
type Client struct {
	conn    net.Conn
	enc     *venti.Encoder
	dec     *venti.Decoder
	logger  *slog.Logger
	greet   string
	version string
	sid     string

	mu     sync.Mutex
	tag    uint8
	closed bool
}

// Dial connects to addr and performs the version exchange and hello.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := NewClient(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the handshake over an established connection.
func NewClient(ctx context.Context, conn net.Conn, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Software == "" {
		opts.Software = "ventibase-client"
	}
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	c := &Client{
		conn:   conn,
		enc:    venti.NewEncoder(bw),
		dec:    venti.NewDecoder(br),
		logger: opts.Logger.With("component", "VentiClient"),
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	greet, err := venti.ReadVersionLine(br)
	if err != nil {
		return nil, fmt.Errorf("read server greeting: %w", err)
	}
	offered, software, err := venti.ParseVersionLine(greet)
	if err != nil {
		return nil, err
	}
	version := opts.Version
	if version == "" {
		if version, err = venti.NegotiateVersion(offered); err != nil {
			return nil, err
		}
	} else if !slices.Contains(offered, version) {
		return nil, fmt.Errorf("server %q does not offer version %s (offers %v)", software, version, offered)
	}
	width, err := venti.WidthForVersion(version)
	if err != nil {
		return nil, err
	}
	c.greet = greet
	c.version = version

	if _, err := bw.WriteString(venti.ClientVersionLine(version, opts.Software)); err != nil {
		return nil, fmt.Errorf("write version line: %w", err)
	}

	// hello goes out at the default width; the ack comes back at the new one.
	hello := venti.Hello{Tag: 0, Version: version, UID: opts.UID}
	if err := c.enc.WriteMessage(hello); err != nil {
		return nil, err
	}
	if err := c.enc.Flush(); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	_ = c.enc.SetWidth(width)
	_ = c.dec.SetWidth(width)

	resp, err := c.dec.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("read hello reply: %w", err)
	}
	switch r := resp.(type) {
	case venti.HelloAck:
		c.sid = r.SID
	case venti.Error:
		return nil, &ServerError{Op: "hello", Message: r.Message}
	default:
		return nil, fmt.Errorf("unexpected %s in reply to hello", resp.Type())
	}
	c.tag = 1
	c.logger.Debug("Session established", "server", greet, "version", version, "sid", c.sid)
	return c, nil
}

// ServerGreeting returns the server's version announcement line.
func (c *Client) ServerGreeting() string { return c.greet }

// Version returns the negotiated protocol version.
func (c *Client) Version() string { return c.version }

// SessionID returns the sid from the server's hello reply.
func (c *Client) SessionID() string { return c.sid }

// Ping checks the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", func(tag uint8) venti.Message { return venti.Ping{Tag: tag} }, venti.TypePong)
	return err
}

// Write stores data under blockType and returns its score.
func (c *Client) Write(ctx context.Context, blockType uint8, data []byte) (core.Score, error) {
	if len(data) > core.MaxBlockSize {
		return core.Score{}, fmt.Errorf("%w: %d bytes (max %d)", core.ErrBlockTooLarge, len(data), core.MaxBlockSize)
	}
	resp, err := c.call(ctx, "write", func(tag uint8) venti.Message {
		return venti.Write{Tag: tag, Type: blockType, Data: data}
	}, venti.TypeWriteAck)
	if err != nil {
		return core.Score{}, err
	}
	return resp.(venti.WriteAck).Score, nil
}

// Read fetches at most count bytes of the block score/blockType.
func (c *Client) Read(ctx context.Context, score core.Score, blockType uint8, count uint32) ([]byte, error) {
	resp, err := c.call(ctx, "read", func(tag uint8) venti.Message {
		return venti.Read{Tag: tag, Score: score, Type: blockType, Count: count}
	}, venti.TypeReadAck)
	if err != nil {
		return nil, err
	}
	return resp.(venti.ReadAck).Data, nil
}

// Sync asks the server to make every acknowledged write durable.
func (c *Client) Sync(ctx context.Context) error {
	_, err := c.call(ctx, "sync", func(tag uint8) venti.Message { return venti.Sync{Tag: tag} }, venti.TypeSyncAck)
	return err
}

// Close sends goodbye and closes the connection. The server replies to
// goodbye by closing its end, so no response is awaited.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	werr := c.enc.WriteMessage(venti.Goodbye{Tag: c.tag})
	if werr == nil {
		werr = c.enc.Flush()
	}
	cerr := c.conn.Close()
	if werr != nil {
		return fmt.Errorf("send goodbye: %w", werr)
	}
	return cerr
}

func (c *Client) call(ctx context.Context, op string, build func(tag uint8) venti.Message, want venti.MsgType) (venti.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	tag := c.tag
	c.tag++
	if err := c.enc.WriteMessage(build(tag)); err != nil {
		return nil, fmt.Errorf("venti %s: %w", op, err)
	}
	if err := c.enc.Flush(); err != nil {
		return nil, c.fail(ctx, op, err)
	}
	resp, err := c.dec.ReadResponse()
	if err != nil {
		return nil, c.fail(ctx, op, err)
	}
	if resp.GetTag() != tag {
		return nil, fmt.Errorf("venti %s: reply tag %d does not match request tag %d", op, resp.GetTag(), tag)
	}
	if e, ok := resp.(venti.Error); ok {
		return nil, &ServerError{Op: op, Message: e.Message}
	}
	if resp.Type() != want {
		return nil, fmt.Errorf("venti %s: unexpected %s reply", op, resp.Type())
	}
	return resp, nil
}

// fail marks the client unusable after a transport error; the stream may
// be mid-frame.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	c.closed = true
	c.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("venti %s: %w", op, ctxErr)
	}
	return fmt.Errorf("venti %s: %w", op, err)
}

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"net"
	"sync"
)

type memAddr string

func (m memAddr) Network() string { return "inmem" }
func (m memAddr) String() string  { return string(m) }

// InMemoryListener is a net.Listener backed by net.Pipe. The server side
// of each pair is handed out by Accept and the client side by Dial, so
// end-to-end tests never touch the network stack.
type InMemoryListener struct {
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewInMemoryListener returns a listener that queues up to 16 unaccepted
// connections.
func NewInMemoryListener() *InMemoryListener {
	return &InMemoryListener{
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}
}

func (l *InMemoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops Accept and closes connections nobody accepted.
func (l *InMemoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		for {
			select {
			case c := <-l.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}

func (l *InMemoryListener) Addr() net.Addr { return memAddr("venti-inmem") }

// Dial returns the client end of a new pipe whose server end is delivered
// to the next Accept.
func (l *InMemoryListener) Dial() (net.Conn, error) {
	server, client := net.Pipe()
	select {
	case <-l.done:
	default:
		select {
		case l.conns <- server:
			return client, nil
		case <-l.done:
		}
	}
	server.Close()
	client.Close()
	return nil, net.ErrClosed
}

// DialContext adapts Dial to the signature of net.Dialer.DialContext.
func (l *InMemoryListener) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Dial()
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// TCPServerOptions configures a TCPServer.
type TCPServerOptions struct {
	Processor ProcessorOptions
	// MaxConnections caps concurrently served connections. Connections
	// beyond the cap are closed right after accept. Zero means no cap.
	MaxConnections int
}

// TCPServer accepts venti connections and runs one Processor per connection.
type TCPServer struct {
	listener  net.Listener
	readyCh   chan struct{}
	backend   Backend
	opts      TCPServerOptions
	slots     *semaphore.Weighted
	logger    *slog.Logger
	connWg    sync.WaitGroup // Tracks active connections for graceful shutdown.
	isStarted bool
	stopped   bool
	quit      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// NewTCPServer creates a new TCP server instance.
func NewTCPServer(backend Backend, opts TCPServerOptions, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Processor.Logger == nil {
		opts.Processor.Logger = logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TCPServer{
		backend: backend,
		opts:    opts,
		readyCh: make(chan struct{}),
		logger:  logger.With("component", "TCPServer"),
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(int64(opts.MaxConnections))
	}
	return s
}

// Ready is closed once the server is accepting connections.
func (s *TCPServer) Ready() <-chan struct{} { return s.readyCh }

// Addr returns the listener address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins listening for and handling TCP connections.
// This is a blocking call that runs the server's accept loop. It should be run in a goroutine.
func (s *TCPServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.isStarted {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	if s.stopped {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.listener = lis
	s.isStarted = true
	s.mu.Unlock()
	close(s.readyCh)
	s.logger.Info("TCP server listening", "address", lis.Addr().String())

	for {
		conn, err := lis.Accept()
		if err != nil {
			// Stop closes the listener, so Accept fails during a graceful shutdown.
			select {
			case <-s.quit:
				s.logger.Info("Server shutting down, stopping accept loop.")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Failed to accept connection", "error", err)
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		if s.slots != nil && !s.slots.TryAcquire(1) {
			connectionsRejected.Add(1)
			s.logger.Warn("Connection limit reached, rejecting connection", "remote_addr", conn.RemoteAddr(), "max_connections", s.opts.MaxConnections)
			conn.Close()
			continue
		}
		// Stop may have begun waiting on connWg; a late Add would race it.
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			if s.slots != nil {
				s.slots.Release(1)
			}
			conn.Close()
			s.logger.Info("Server shutting down, dropping late connection.", "remote_addr", conn.RemoteAddr())
			return nil
		}
		s.connWg.Add(1)
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

// Stop closes the listener, cancels every open session and waits for
// connection goroutines to exit.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.isStarted
	s.mu.Unlock()

	if !started {
		s.cancel()
		return
	}

	s.logger.Info("Stopping TCP server...")
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.cancel()

	s.logger.Info("Waiting for active connections to drain...")
	s.connWg.Wait()
	s.logger.Info("All TCP connections closed. Server stopped.")
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.connWg.Done()
	if s.slots != nil {
		defer s.slots.Release(1)
	}
	connectionsTotal.Add(1)
	connectionsActive.Add(1)
	defer connectionsActive.Add(-1)

	s.logger.Info("Accepted new connection", "remote_addr", conn.RemoteAddr())
	p := NewProcessor(s.backend, s.opts.Processor)
	if err := p.Serve(s.ctx, conn); err != nil {
		s.logger.Warn("Connection closed with error", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}
	s.logger.Info("Connection closed", "remote_addr", conn.RemoteAddr())
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/INLOpen/ventibase/config"
	"github.com/INLOpen/ventibase/queue"
	"golang.org/x/sync/errgroup"
)

// AppServer manages the venti listener and the optional debug HTTP server.
type AppServer struct {
	tcpLis        net.Listener
	tcpServer     *TCPServer
	metricsServer *MetricsServer
	collector     *SystemCollector
	admission     *AdmissionBackend
	cfg           *config.Config
	logger        *slog.Logger
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewAppServer listens on the configured port and builds the servers.
func NewAppServer(backend Backend, cfg *config.Config, logger *slog.Logger) (*AppServer, error) {
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on venti port %s: %w", addr, err)
	}
	logger.Info("venti server will listen on", "address", lis.Addr().String())
	return NewAppServerWithListener(backend, cfg, lis, logger)
}

// NewAppServerWithListener builds the servers around an existing listener.
func NewAppServerWithListener(backend Backend, cfg *config.Config, lis net.Listener, logger *slog.Logger) (*AppServer, error) {
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		tcpLis: lis,
		cfg:    cfg,
		logger: logger.With("component", "AppServer"),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Admission.Enabled {
		s.admission = NewAdmissionBackend(backend, queue.Options{
			Capacity:       cfg.Admission.Capacity,
			Workers:        cfg.Admission.Workers,
			ReportInterval: config.ParseDuration(cfg.Admission.ReportInterval, 0, logger),
			Logger:         logger,
		})
		backend = s.admission
		logger.Info("Admission queue enabled", "capacity", cfg.Admission.Capacity, "workers", cfg.Admission.Workers)
	}

	s.tcpServer = NewTCPServer(backend, TCPServerOptions{
		Processor: ProcessorOptions{
			ServerName:   cfg.Server.ServerName,
			Logger:       logger,
			ReadTimeout:  config.ParseDuration(cfg.Server.ReadTimeout, 0, logger),
			WriteTimeout: config.ParseDuration(cfg.Server.WriteTimeout, 0, logger),
		},
		MaxConnections: cfg.Server.MaxConnections,
	}, logger)

	if cfg.Debug.Enabled {
		s.metricsServer = NewMetricsServer(&cfg.Debug, logger)
		if interval := config.ParseDuration(cfg.Debug.SystemMetricsInterval, 0, logger); interval > 0 {
			s.collector = NewSystemCollector(cfg.Arena.Dir, interval, logger)
		}
	}
	return s, nil
}

// TCPServer returns the venti listener's server.
func (s *AppServer) TCPServer() *TCPServer { return s.tcpServer }

// Start runs all configured servers in parallel. It blocks until all servers stop.
func (s *AppServer) Start() error {
	g, gctx := errgroup.WithContext(s.ctx)

	if s.admission != nil {
		if err := s.admission.Start(); err != nil {
			return fmt.Errorf("failed to start admission queue: %w", err)
		}
	}
	if s.collector != nil {
		s.collector.Start()
	}

	g.Go(func() error {
		go func() {
			<-gctx.Done()
			s.logger.Info("Context cancelled, stopping TCP server...")
			s.tcpServer.Stop()
		}()
		s.logger.Info("Starting TCP server...")
		return s.tcpServer.Start(s.tcpLis)
	})

	if s.metricsServer != nil {
		g.Go(func() error {
			go func() {
				<-gctx.Done()
				s.metricsServer.Stop()
			}()
			return s.metricsServer.Start()
		})
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	err := g.Wait()
	s.cancel()

	// Queued storage calls finish before Start returns.
	if s.admission != nil {
		s.logger.Info("Draining admission queue...")
		s.admission.Stop()
	}
	if s.collector != nil {
		s.collector.Stop()
	}

	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// Stop gracefully shuts down all servers. It may be called before Start.
func (s *AppServer) Stop() {
	s.cancel()
}

// ShutdownTimeout is how long callers should wait for Start to return after Stop.
func (s *AppServer) ShutdownTimeout() time.Duration {
	return config.ParseDuration(s.cfg.Server.ShutdownTimeout, 10*time.Second, s.logger)
}

// Command ventibase serves a single arena over the venti protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/ventibase/arena"
	"github.com/INLOpen/ventibase/compressors"
	"github.com/INLOpen/ventibase/config"
	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/hooks"
	"github.com/INLOpen/ventibase/hooks/listeners"
	"github.com/INLOpen/ventibase/record"
	"github.com/INLOpen/ventibase/server"
	"github.com/spf13/pflag"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// errUsage marks command-line problems that exit with status 2.
var errUsage = errors.New("usage error")

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// cliOptions are the flags that override the configuration file.
type cliOptions struct {
	configPath  string
	port        int
	arenasDir   string
	arenaName   string
	file        string
	compression string
	admission   bool
	logLevel    string
}

func parseFlags(args []string, stderr io.Writer) (*cliOptions, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("ventibase", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &cliOptions{}
	fs.StringVarP(&o.configPath, "config", "c", "", "path to a YAML configuration file")
	fs.IntVarP(&o.port, "port", "p", 17034, "TCP port to serve venti on")
	fs.StringVarP(&o.arenasDir, "arenas", "d", "", "directory holding the arena files")
	fs.StringVarP(&o.arenaName, "use", "u", "", "arena name inside --arenas")
	fs.StringVarP(&o.file, "file", "f", "", "single storage file; its directory and base name select the arena")
	fs.StringVar(&o.compression, "compression", "", "block compression: none, snappy, lz4 or zstd")
	fs.BoolVar(&o.admission, "admission", false, "run storage calls through the admission queue")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, fs, err
		}
		return nil, fs, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return nil, fs, fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	if o.file != "" && (fs.Changed("arenas") || fs.Changed("use")) {
		return nil, fs, fmt.Errorf("%w: --file cannot be combined with --arenas or --use", errUsage)
	}
	return o, fs, nil
}

// resolveConfig loads the configuration file and applies the flags that
// were set explicitly.
func resolveConfig(o *cliOptions, fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(nil)
	if o.configPath != "" {
		cfg, err = config.LoadConfig(o.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}

	if fs.Changed("port") {
		cfg.Server.Port = o.port
	}
	if fs.Changed("arenas") {
		cfg.Arena.Dir = o.arenasDir
	}
	if fs.Changed("use") {
		cfg.Arena.Name = o.arenaName
	}
	if o.file != "" {
		base := filepath.Base(o.file)
		cfg.Arena.Dir = filepath.Dir(o.file)
		cfg.Arena.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if fs.Changed("compression") {
		cfg.Arena.Compression = o.compression
	}
	if fs.Changed("admission") {
		cfg.Admission.Enabled = o.admission
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}

	if cfg.Arena.Dir == "" || cfg.Arena.Name == "" {
		return nil, fmt.Errorf("%w: no arena selected; use --arenas and --use, or --file", errUsage)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", errUsage, cfg.Server.Port)
	}
	return cfg, nil
}

func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("ventibase")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// arenaOptions turns the arena section into arena.Options.
func arenaOptions(cfg *config.Config, logger *slog.Logger) (arena.Options, error) {
	var compressor core.Compressor
	if name := strings.ToLower(cfg.Arena.Compression); name != "" && name != "none" {
		c, err := compressors.FromName(name)
		if err != nil {
			return arena.Options{}, fmt.Errorf("arena compression: %w", err)
		}
		compressor = c
	}
	syncMode, err := arena.ParseSyncMode(cfg.Arena.SyncMode)
	if err != nil {
		return arena.Options{}, err
	}
	resync, err := record.ParseResyncStrategy(cfg.Arena.Resync)
	if err != nil {
		return arena.Options{}, err
	}
	return arena.Options{
		Dir:            cfg.Arena.Dir,
		Name:           cfg.Arena.Name,
		Logger:         logger,
		Compressor:     compressor,
		CacheCapacity:  cfg.Arena.CacheCapacity,
		SyncMode:       syncMode,
		ResyncStrategy: resync,
	}, nil
}

func registerListeners(hm hooks.HookManager, logger *slog.Logger) {
	dedup := listeners.NewDedupRatioListener(logger)
	hm.Register(hooks.EventPostPutBlock, dedup)
	hm.Register(hooks.EventOnBlockCoalesced, dedup)
	hm.Register(hooks.EventOnCorruption, listeners.NewCorruptionAlerterListener(logger))
	logger.Info("Registered arena hook listeners.")
}

func run(args []string, stderr io.Writer) int {
	o, fs, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	cfg, err := resolveConfig(o, fs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(stderr, "failed to create logger:", err)
		return exitUsage
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		return exitError
	}
	defer tracerCleanup()

	opts, err := arenaOptions(cfg, logger)
	if err != nil {
		logger.Error("Invalid arena configuration", "error", err)
		return exitUsage
	}
	if err := os.MkdirAll(cfg.Arena.Dir, 0755); err != nil {
		logger.Error("Failed to create arena directory", "path", cfg.Arena.Dir, "error", err)
		return exitError
	}
	hookManager := hooks.NewHookManager(logger)
	defer hookManager.Stop()
	registerListeners(hookManager, logger)
	opts.Hooks = hookManager
	opts.TracerProvider = tp

	store, err := arena.Open(opts)
	if err != nil {
		logger.Error("Failed to open arena", "dir", cfg.Arena.Dir, "name", cfg.Arena.Name, "error", err)
		return exitError
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close arena", "error", err)
		}
	}()

	appServer, err := server.NewAppServer(store, cfg, logger)
	if err != nil {
		logger.Error("Failed to create application server", "error", err)
		return exitError
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- appServer.Start()
	}()
	logger.Info("Application running. Press Ctrl+C to exit.", "port", cfg.Server.Port, "arena", cfg.Arena.Name)

	select {
	case err := <-serverErrChan:
		if err != nil {
			logger.Error("Server exited with an error", "error", err)
			return exitError
		}
	case sig := <-quit:
		logger.Info("Shutdown signal received. Stopping server...", "signal", sig.String())
		appServer.Stop()
		select {
		case err := <-serverErrChan:
			if err != nil {
				logger.Error("Server stopped with an error", "error", err)
			}
		case <-time.After(appServer.ShutdownTimeout()):
			logger.Warn("Server did not stop within the shutdown timeout.")
		}
	}
	logger.Info("Application exited gracefully.")
	return exitOK
}

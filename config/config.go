package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the venti listener settings.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	ServerName     string `yaml:"server_name"`
	MaxConnections int    `yaml:"max_connections"` // 0 means unlimited
	// ReadTimeout and WriteTimeout bound how long an idle connection may
	// block on the socket. Empty or "0" disables them.
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// ArenaConfig selects and tunes the arena the server stores blocks in.
type ArenaConfig struct {
	Dir           string `yaml:"dir"`
	Name          string `yaml:"name"`
	Compression   string `yaml:"compression"` // none, snappy, lz4, zstd
	CacheCapacity int    `yaml:"cache_capacity"`
	SyncMode      string `yaml:"sync_mode"` // explicit or always
	Resync        string `yaml:"resync"`    // scan or stride
}

// AdmissionConfig configures the optional admission queue in front of the arena.
type AdmissionConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Capacity       int    `yaml:"capacity"`
	Workers        int    `yaml:"workers"`
	ReportInterval string `yaml:"report_interval"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled               bool   `yaml:"enabled"`
	ListenAddress         string `yaml:"listen_address"`
	PProfEnabled          bool   `yaml:"pprof_enabled"`
	MetricsEnabled        bool   `yaml:"metrics_enabled"`
	StatsvizEnabled       bool   `yaml:"statsviz_enabled"`
	SystemMetricsInterval string `yaml:"system_metrics_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Arena     ArenaConfig     `yaml:"arena"`
	Admission AdmissionConfig `yaml:"admission"`
	Logging   LoggingConfig   `yaml:"logging"`
	Debug     DebugConfig     `yaml:"debug"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            17034,
			ServerName:      "ventibase",
			MaxConnections:  0,
			ReadTimeout:     "0",
			WriteTimeout:    "0",
			ShutdownTimeout: "10s",
		},
		Arena: ArenaConfig{
			Dir:           "./data",
			Name:          "arena0",
			Compression:   "none",
			CacheCapacity: 1024,
			SyncMode:      "explicit",
			Resync:        "scan",
		},
		Admission: AdmissionConfig{
			Enabled:        false,
			Capacity:       100,
			Workers:        4,
			ReportInterval: "0",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "ventibase.log",
		},
		Debug: DebugConfig{
			Enabled:               false,
			ListenAddress:         "127.0.0.1:6060",
			PProfEnabled:          true,
			MetricsEnabled:        true,
			StatsvizEnabled:       true,
			SystemMetricsInterval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

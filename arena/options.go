package arena

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/hooks"
	"github.com/INLOpen/ventibase/record"
	"go.opentelemetry.io/otel/trace"
)

// SyncMode selects when writes are made durable.
type SyncMode int

const (
	// SyncExplicit makes writes durable only on Sync and Close.
	SyncExplicit SyncMode = iota
	// SyncAlways syncs both logs before every Put returns.
	SyncAlways
)

func (m SyncMode) String() string {
	switch m {
	case SyncExplicit:
		return "explicit"
	case SyncAlways:
		return "always"
	default:
		return "unknown"
	}
}

// ParseSyncMode maps a configuration name to a SyncMode.
func ParseSyncMode(name string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "explicit":
		return SyncExplicit, nil
	case "always":
		return SyncAlways, nil
	default:
		return SyncExplicit, fmt.Errorf("unknown sync mode %q", name)
	}
}

// Options configures Open.
type Options struct {
	Dir  string
	Name string

	Logger *slog.Logger
	// Compressor, when set, is tried on every new block. The compressed
	// form is kept only if it is smaller than the raw block.
	Compressor core.Compressor
	// CacheCapacity is the number of verified blocks kept in memory.
	// Zero disables the cache.
	CacheCapacity  int
	SyncMode       SyncMode
	ResyncStrategy record.ResyncStrategy
	// LockTimeout bounds the wait for the arena lock. Zero tries once.
	LockTimeout    time.Duration
	TracerProvider trace.TracerProvider
	Hooks          hooks.HookManager
}

func (o Options) validate() error {
	if o.Dir == "" {
		return fmt.Errorf("arena directory must be set")
	}
	if o.Name == "" {
		return fmt.Errorf("arena name must be set")
	}
	if strings.ContainsAny(o.Name, `/\`) {
		return fmt.Errorf("arena name %q must not contain path separators", o.Name)
	}
	return nil
}

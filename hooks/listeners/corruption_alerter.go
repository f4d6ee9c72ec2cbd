package listeners

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/ventibase/hooks"
)

var (
	corruptionMetricsOnce sync.Once
	corruptionEvents      *expvar.Int
)

func initCorruptionMetrics() {
	corruptionMetricsOnce.Do(func() {
		corruptionEvents = expvar.NewInt("arena_corruption_events_total")
	})
}

// CorruptionAlerterListener logs every corruption event at error level and
// counts them in the arena_corruption_events_total expvar.
type CorruptionAlerterListener struct {
	logger *slog.Logger
	events *expvar.Int
}

// NewCorruptionAlerterListener creates a new corruption listener.
func NewCorruptionAlerterListener(logger *slog.Logger) *CorruptionAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initCorruptionMetrics()
	return &CorruptionAlerterListener{
		logger: logger.With("component", "CorruptionAlerterListener"),
		events: corruptionEvents,
	}
}

// OnEvent handles the OnCorruption event.
func (l *CorruptionAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnCorruption {
		return nil
	}

	payload, ok := event.Payload().(hooks.CorruptionPayload)
	if !ok {
		l.logger.Error("Received OnCorruption event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.events.Add(1)
	attrs := []any{"source", payload.Source, "offset", payload.Offset, "reason", payload.Reason}
	if !payload.Score.IsZero() {
		attrs = append(attrs, "score", payload.Score.String())
	}
	l.logger.Error("Arena corruption detected", attrs...)
	return nil
}

func (l *CorruptionAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *CorruptionAlerterListener) IsAsync() bool { return true }

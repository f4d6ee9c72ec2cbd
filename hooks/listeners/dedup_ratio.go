package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/ventibase/hooks"
)

// Shared expvars so repeated construction does not re-register names.
var (
	dedupMetricsOnce  sync.Once
	bytesOffered      *expvar.Int
	bytesStored       *expvar.Int
	bytesCoalesced    *expvar.Int
	blocksCoalesced   *expvar.Int
	blocksWrittenVars *expvar.Int
)

func initDedupMetrics() {
	dedupMetricsOnce.Do(func() {
		bytesOffered = expvar.NewInt("arena_put_bytes_offered_total")
		bytesStored = expvar.NewInt("arena_put_bytes_stored_total")
		bytesCoalesced = expvar.NewInt("arena_put_bytes_coalesced_total")
		blocksCoalesced = expvar.NewInt("arena_blocks_coalesced_total")
		blocksWrittenVars = expvar.NewInt("arena_blocks_written_total")
		// Bytes offered by clients per byte that reached the data log.
		expvar.Publish("arena_dedup_ratio", expvar.Func(func() interface{} {
			stored := bytesStored.Value()
			if stored == 0 {
				return 0.0
			}
			return float64(bytesOffered.Value()) / float64(stored)
		}))
	})
}

// DedupRatioListener tracks how much written data was absorbed by
// deduplication and compression.
type DedupRatioListener struct {
	logger *slog.Logger
}

// NewDedupRatioListener creates a new listener. Register it for both
// EventPostPutBlock and EventOnBlockCoalesced.
func NewDedupRatioListener(logger *slog.Logger) *DedupRatioListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initDedupMetrics()
	return &DedupRatioListener{logger: logger.With("component", "DedupRatioListener")}
}

func (l *DedupRatioListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch payload := event.Payload().(type) {
	case hooks.PostPutBlockPayload:
		bytesOffered.Add(int64(payload.Size))
		bytesStored.Add(int64(payload.StoredSize))
		blocksWrittenVars.Add(1)
	case hooks.BlockCoalescedPayload:
		bytesOffered.Add(int64(payload.Size))
		bytesCoalesced.Add(int64(payload.Size))
		blocksCoalesced.Add(1)
		l.logger.Debug("Write coalesced with existing block", "score", payload.Score.String(), "type", payload.Type)
	}
	return nil
}

func (l *DedupRatioListener) Priority() int { return 100 }

func (l *DedupRatioListener) IsAsync() bool { return true }

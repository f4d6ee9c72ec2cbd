// Package arena implements a single-arena block store: an append-only data
// log of records, an append-only index log of IndexEntry records, and an
// in-memory BlockIndex rebuilt from the index log at startup.
package arena

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/ventibase/cache"
	"github.com/INLOpen/ventibase/compressors"
	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/hooks"
	"github.com/INLOpen/ventibase/record"
	"github.com/INLOpen/ventibase/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const writeBufferSize = 256 * 1024

// Stats is a point-in-time view of a Store.
type Stats struct {
	Blocks      int
	DataBytes   int64
	IndexBytes  int64
	Puts        int64
	Gets        int64
	Coalesced   int64
	Corruptions int64
	CacheHits   int64
}

// Store is an open arena. Every exported method holds one mutex for its
// whole duration, so operations are linearizable.
type Store struct {
	mu sync.Mutex

	name   string
	dir    string
	logger *slog.Logger
	tracer trace.Tracer
	hooks  hooks.HookManager

	dataFile   *os.File // O_APPEND writer
	dataReader *os.File // random-access reader
	indexFile  *os.File
	dataBuf    *bufio.Writer
	indexBuf   *bufio.Writer
	dataLog    *record.Writer
	indexLog   *record.Writer

	index      *BlockIndex
	blockCache *cache.LRUCache[core.Score, core.Block]
	compressor core.Compressor
	codecs     *compressors.Registry
	syncMode   SyncMode

	releaseLock func() error
	closed      bool
	// writeErr is set when an append fails partway. The logs may then end
	// in a torn record, so further writes are refused.
	writeErr error

	puts, gets, coalesced, corruptions, cacheHits int64
}

// Open opens or creates the arena described by opts. The arena directory
// is locked for the lifetime of the Store.
func Open(opts Options) (s *Store, err error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "arena", "arena", opts.Name)
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	hm := opts.Hooks
	if hm == nil {
		hm = hooks.NewHookManager(logger)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create arena directory %s: %w", opts.Dir, err)
	}

	s = &Store{
		name:       opts.Name,
		dir:        opts.Dir,
		logger:     logger,
		tracer:     tp.Tracer("ventibase/arena"),
		hooks:      hm,
		index:      NewBlockIndex(),
		blockCache: newBlockCache(opts.CacheCapacity),
		compressor: opts.Compressor,
		syncMode:   opts.SyncMode,
	}
	if s.codecs, err = compressors.NewRegistry(); err != nil {
		return nil, err
	}

	s.releaseLock, err = sys.AcquireOSFileLock(s.path(core.ArenaLockSuffix), opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to lock arena %s: %w", opts.Name, err)
	}
	defer func() {
		if err != nil {
			s.closeFiles()
			_ = s.releaseLock()
		}
	}()

	if s.dataFile, err = os.OpenFile(s.path(core.ArenaLogSuffix), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
		return nil, fmt.Errorf("failed to open data log: %w", err)
	}
	if s.dataReader, err = os.Open(s.path(core.ArenaLogSuffix)); err != nil {
		return nil, fmt.Errorf("failed to open data log for reading: %w", err)
	}
	if s.indexFile, err = os.OpenFile(s.path(core.ArenaIndexSuffix), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644); err != nil {
		return nil, fmt.Errorf("failed to open index log: %w", err)
	}

	dataInfo, err := s.dataFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat data log: %w", err)
	}
	indexInfo, err := s.indexFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat index log: %w", err)
	}

	start := time.Now()
	replay, err := s.index.Replay(io.NewSectionReader(s.indexFile, 0, indexInfo.Size()), dataInfo.Size(), logger,
		record.WithResyncStrategy(opts.ResyncStrategy),
		record.WithSource(opts.Name+core.ArenaIndexSuffix),
		record.WithCorruptionHandler(func(ce *core.CorruptionError) {
			s.corruptions++
			s.fireCorruption(context.Background(), ce, core.ZeroScore)
		}),
	)
	if err != nil {
		return nil, err
	}
	s.corruptions += int64(replay.Invalid)

	// Appends continue at the current end of each log; the data log itself
	// is never replayed.
	s.dataBuf = bufio.NewWriterSize(s.dataFile, writeBufferSize)
	s.indexBuf = bufio.NewWriterSize(s.indexFile, writeBufferSize)
	s.dataLog = record.NewWriterAt(s.dataBuf, dataInfo.Size())
	s.indexLog = record.NewWriterAt(s.indexBuf, indexInfo.Size())

	logger.Info("Arena opened.",
		"dir", opts.Dir,
		"blocks", s.index.Len(),
		"data_bytes", dataInfo.Size(),
		"index_bytes", indexInfo.Size(),
		"dropped_entries", replay.Dropped,
		"resyncs", replay.Resyncs,
		"compression", compressionName(opts.Compressor),
		"sync_mode", opts.SyncMode.String(),
	)
	_ = s.hooks.Trigger(context.Background(), hooks.NewPostIndexReplayEvent(hooks.IndexReplayPayload{
		Arena:    opts.Name,
		Entries:  s.index.Len(),
		Dropped:  replay.Dropped,
		Resyncs:  replay.Resyncs,
		Skipped:  replay.Skipped,
		Duration: time.Since(start),
	}))
	return s, nil
}

func compressionName(c core.Compressor) string {
	if c == nil {
		return core.CompressionNone.String()
	}
	return c.Type().String()
}

func (s *Store) path(suffix string) string {
	return filepath.Join(s.dir, s.name+suffix)
}

// Name returns the arena name.
func (s *Store) Name() string { return s.name }

// Get returns the block stored under score with the given type. Absent
// blocks, type mismatches and blocks that fail verification all yield an
// error matching core.ErrNotFound.
func (s *Store) Get(ctx context.Context, score core.Score, blockType uint8) (core.Block, error) {
	ctx, span := s.tracer.Start(ctx, "arena.Get", trace.WithAttributes(
		attribute.String("block.score", score.String()),
		attribute.Int("block.type", int(blockType)),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.Block{}, core.ErrClosed
	}
	s.gets++

	entry, ok := s.index.Lookup(score)
	if !ok || entry.Type != blockType {
		s.logger.Debug("Block not found.", "score", score.String(), "type", blockType)
		s.firePostGet(ctx, score, blockType, false, false)
		return core.Block{}, fmt.Errorf("block %s/%d: %w", score, blockType, core.ErrNotFound)
	}

	if b, hit := s.blockCache.Get(score); hit {
		s.cacheHits++
		span.SetAttributes(attribute.Bool("cache.hit", true))
		s.firePostGet(ctx, score, blockType, true, true)
		// Callers own what Get returns; the cached copy stays private.
		return core.Block{Type: b.Type, Data: bytes.Clone(b.Data)}, nil
	}

	data, err := s.readVerified(entry)
	if err != nil {
		ce := &core.CorruptionError{Source: s.name + core.ArenaLogSuffix, Offset: int64(entry.Offset), Reason: err.Error()}
		s.corruptions++
		s.logger.Error("Stored block failed verification.", "score", score.String(), "offset", entry.Offset, "error", err)
		s.fireCorruption(ctx, ce, score)
		span.RecordError(ce)
		span.SetStatus(codes.Error, "corrupt block")
		s.firePostGet(ctx, score, blockType, false, false)
		return core.Block{}, fmt.Errorf("block %s/%d: %w (%w)", score, blockType, core.ErrNotFound, ce)
	}

	b := core.Block{Type: blockType, Data: data}
	s.cacheBlock(score, b)
	s.firePostGet(ctx, score, blockType, true, false)
	return b, nil
}

// readVerified reads the payload for entry, decompresses it if needed and
// checks it against the entry's score. Must be called with s.mu held.
func (s *Store) readVerified(entry IndexEntry) ([]byte, error) {
	if flushed := s.dataLog.Offset() - int64(s.dataBuf.Buffered()); int64(entry.End()) > flushed {
		if err := s.dataBuf.Flush(); err != nil {
			return nil, fmt.Errorf("flush data log before read: %w", err)
		}
	}

	stored := make([]byte, entry.Length)
	if _, err := s.dataReader.ReadAt(stored, int64(entry.Offset)); err != nil {
		return nil, fmt.Errorf("read %d bytes at %d: %w", entry.Length, entry.Offset, err)
	}

	data := stored
	if entry.Codec != core.CompressionNone {
		c, err := s.codecs.Get(entry.Codec)
		if err != nil {
			return nil, err
		}
		if data, err = c.Decompress(stored, core.MaxBlockSize); err != nil {
			return nil, fmt.Errorf("decompress %s payload: %w", entry.Codec, err)
		}
	}

	if got := core.ScoreOf(data); got != entry.Score {
		return nil, fmt.Errorf("score mismatch: stored content hashes to %s", got)
	}
	return data, nil
}

// Put stores data as a block of the given type and returns it. Content that
// is already stored with the same type is not written again.
func (s *Store) Put(ctx context.Context, data []byte, blockType uint8) (core.Block, error) {
	ctx, span := s.tracer.Start(ctx, "arena.Put", trace.WithAttributes(
		attribute.Int("block.type", int(blockType)),
		attribute.Int("block.size", len(data)),
	))
	defer span.End()

	block, err := core.NewBlock(blockType, data)
	if err != nil {
		return core.Block{}, err
	}
	score := block.Score()
	span.SetAttributes(attribute.String("block.score", score.String()))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.Block{}, core.ErrClosed
	}
	if s.writeErr != nil {
		return core.Block{}, fmt.Errorf("arena %s is not writable: %w", s.name, s.writeErr)
	}

	if existing, ok := s.index.Lookup(score); ok {
		if existing.Type == blockType {
			s.coalesced++
			s.logger.Debug("Write coalesced with stored block.", "score", score.String(), "type", blockType)
			_ = s.hooks.Trigger(ctx, hooks.NewBlockCoalescedEvent(hooks.BlockCoalescedPayload{Score: score, Type: blockType, Size: len(data)}))
			return block, nil
		}
		ce := &core.CorruptionError{
			Source: s.name + core.ArenaIndexSuffix,
			Offset: int64(existing.Offset),
			Reason: fmt.Sprintf("score %s already stored with type %d, refusing type %d", score, existing.Type, blockType),
		}
		s.corruptions++
		s.logger.Error("Block type conflict.", "score", score.String(), "stored_type", existing.Type, "type", blockType)
		s.fireCorruption(ctx, ce, score)
		span.SetStatus(codes.Error, "type conflict")
		return core.Block{}, fmt.Errorf("block %s stored as type %d: %w", score, existing.Type, core.ErrTypeConflict)
	}

	if err := s.hooks.Trigger(ctx, hooks.NewPrePutBlockEvent(hooks.PrePutBlockPayload{Score: score, Type: blockType, Size: len(data)})); err != nil {
		s.logger.Info("Put cancelled by PrePutBlock hook.", "score", score.String(), "error", err)
		return core.Block{}, fmt.Errorf("operation cancelled by pre-hook: %w", err)
	}

	payload, codec := s.encodePayload(data)

	recordStart := s.dataLog.Offset()
	if _, err := s.dataLog.WriteBlock(blockType, payload); err != nil {
		s.writeErr = err
		span.RecordError(err)
		return core.Block{}, fmt.Errorf("append to data log: %w", err)
	}
	entry := IndexEntry{
		Offset: uint64(recordStart) + record.HeaderSize,
		Length: uint32(len(payload)),
		Type:   blockType,
		Score:  score,
		Codec:  codec,
	}
	if _, err := s.indexLog.WriteBlock(blockType, entry.AppendBinary(nil)); err != nil {
		s.writeErr = err
		span.RecordError(err)
		return core.Block{}, fmt.Errorf("append to index log: %w", err)
	}
	// Under SyncAlways the block only becomes visible once it is durable.
	if s.syncMode == SyncAlways {
		if err := s.syncLocked(ctx); err != nil {
			span.RecordError(err)
			return core.Block{}, err
		}
	}
	s.index.Insert(entry)
	s.cacheBlock(score, block)
	s.puts++

	_ = s.hooks.Trigger(ctx, hooks.NewPostPutBlockEvent(hooks.PostPutBlockPayload{
		Score:      score,
		Type:       blockType,
		Size:       len(data),
		StoredSize: len(payload),
		Codec:      codec,
		Offset:     entry.Offset,
	}))
	return block, nil
}

// cacheBlock stores a private copy of b, so later changes to a caller's
// buffer never alter what Get serves for score.
func (s *Store) cacheBlock(score core.Score, b core.Block) {
	if !s.blockCache.Enabled() {
		return
	}
	s.blockCache.Put(score, core.Block{Type: b.Type, Data: bytes.Clone(b.Data)})
}

// encodePayload returns the bytes to store for data and the codec used.
func (s *Store) encodePayload(data []byte) ([]byte, core.CompressionType) {
	if s.compressor == nil || s.compressor.Type() == core.CompressionNone || len(data) == 0 {
		return data, core.CompressionNone
	}
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if err := s.compressor.CompressTo(buf, data); err != nil || buf.Len() >= len(data) {
		return data, core.CompressionNone
	}
	return bytes.Clone(buf.Bytes()), s.compressor.Type()
}

// Sync makes every completed Put durable. The data log is synced before the
// index log so a durable index entry never references missing data.
func (s *Store) Sync(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "arena.Sync")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrClosed
	}
	if err := s.syncLocked(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		return err
	}
	return nil
}

func (s *Store) syncLocked(ctx context.Context) error {
	payload := hooks.SyncPayload{DataBytes: s.dataLog.Offset(), IndexBytes: s.indexLog.Offset()}
	if err := s.hooks.Trigger(ctx, hooks.NewPreSyncEvent(payload)); err != nil {
		return fmt.Errorf("operation cancelled by pre-hook: %w", err)
	}

	start := time.Now()
	err := s.flushAndSync()
	if err != nil {
		s.writeErr = err
		s.logger.Error("Arena sync failed.", "error", err)
	}
	payload.Duration = time.Since(start)
	payload.Error = err
	_ = s.hooks.Trigger(ctx, hooks.NewPostSyncEvent(payload))
	return err
}

func (s *Store) flushAndSync() error {
	if err := s.dataBuf.Flush(); err != nil {
		return fmt.Errorf("flush data log: %w", err)
	}
	if err := sys.DataSync(s.dataFile); err != nil {
		return fmt.Errorf("sync data log: %w", err)
	}
	if err := s.indexBuf.Flush(); err != nil {
		return fmt.Errorf("flush index log: %w", err)
	}
	if err := sys.DataSync(s.indexFile); err != nil {
		return fmt.Errorf("sync index log: %w", err)
	}
	return nil
}

// Close syncs the arena, closes its files and releases the lock. Calling
// Close more than once is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	ctx := context.Background()
	_ = s.hooks.Trigger(ctx, hooks.NewPreCloseArenaEvent(hooks.ArenaLifecyclePayload{Arena: s.name}))

	var errs []error
	if s.writeErr == nil {
		if err := s.syncLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	} else {
		// Still push out whatever was buffered before the failure.
		errs = append(errs, s.flushAndSync())
	}
	errs = append(errs, s.closeFiles())
	if s.releaseLock != nil {
		errs = append(errs, s.releaseLock())
	}
	s.closed = true
	s.blockCache.Clear()

	_ = s.hooks.Trigger(ctx, hooks.NewPostCloseArenaEvent(hooks.ArenaLifecyclePayload{Arena: s.name}))
	s.hooks.Stop()
	s.logger.Info("Arena closed.", "blocks", s.index.Len(), "data_bytes", s.dataLog.Offset())
	return errors.Join(errs...)
}

func (s *Store) closeFiles() error {
	var errs []error
	for _, f := range []*os.File{s.dataFile, s.dataReader, s.indexFile} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of indexed blocks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Blocks:      s.index.Len(),
		Puts:        s.puts,
		Gets:        s.gets,
		Coalesced:   s.coalesced,
		Corruptions: s.corruptions,
		CacheHits:   s.cacheHits,
	}
	if s.dataLog != nil {
		st.DataBytes = s.dataLog.Offset()
		st.IndexBytes = s.indexLog.Offset()
	}
	return st
}

// Lookup returns the index entry for score, for inspection tools.
func (s *Store) Lookup(score core.Score) (IndexEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Lookup(score)
}

func (s *Store) fireCorruption(ctx context.Context, ce *core.CorruptionError, score core.Score) {
	_ = s.hooks.Trigger(ctx, hooks.NewCorruptionEvent(hooks.CorruptionPayload{
		Source: ce.Source,
		Offset: ce.Offset,
		Reason: ce.Reason,
		Score:  score,
	}))
}

func (s *Store) firePostGet(ctx context.Context, score core.Score, blockType uint8, found, cacheHit bool) {
	_ = s.hooks.Trigger(ctx, hooks.NewPostGetBlockEvent(hooks.PostGetBlockPayload{
		Score: score, Type: blockType, Found: found, CacheHit: cacheHit,
	}))
}

package arena

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/ventibase/core"
	"github.com/INLOpen/ventibase/record"
)

// BlockIndex maps scores to their location in the data log. Entries are
// only ever added. It is not safe for concurrent use; the Store serializes
// access to it.
type BlockIndex struct {
	entries map[core.Score]IndexEntry
}

// NewBlockIndex returns an empty index.
func NewBlockIndex() *BlockIndex {
	return &BlockIndex{entries: make(map[core.Score]IndexEntry)}
}

// Lookup returns the entry stored for score.
func (bi *BlockIndex) Lookup(score core.Score) (IndexEntry, bool) {
	e, ok := bi.entries[score]
	return e, ok
}

// Insert adds e unless its score is already present. It reports whether
// the entry was added.
func (bi *BlockIndex) Insert(e IndexEntry) bool {
	if _, exists := bi.entries[e.Score]; exists {
		return false
	}
	bi.entries[e.Score] = e
	return true
}

// Len returns the number of indexed blocks.
func (bi *BlockIndex) Len() int {
	return len(bi.entries)
}

// ReplayStats summarizes an index log replay.
type ReplayStats struct {
	Records    int
	Inserted   int
	Duplicates int
	// Dropped counts entries pointing past the end of the data log.
	Dropped int
	// Invalid counts payloads that did not decode as an entry.
	Invalid int
	Resyncs int
	Skipped int64
}

// Replay reads every record of an index log from r and inserts the decoded
// entries. Entries that end beyond dataSize are dropped, since the data
// they reference never became durable. Read errors other than end of
// stream abort the replay.
func (bi *BlockIndex) Replay(r io.Reader, dataSize int64, logger *slog.Logger, opts ...record.Option) (ReplayStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats ReplayStats
	rd := record.NewReader(r, append([]record.Option{record.WithLogger(logger)}, opts...)...)
	for {
		rec, err := rd.ReadBlock()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("replaying index log: %w", err)
		}
		stats.Records++

		entry, err := DecodeIndexEntry(rec.Data)
		if err == nil && entry.Type != rec.Type {
			err = fmt.Errorf("entry type %d does not match record type %d", entry.Type, rec.Type)
		}
		if err != nil {
			stats.Invalid++
			logger.Error("Skipping undecodable index entry.", "offset", rec.Offset, "error", err)
			continue
		}
		if entry.End() > uint64(dataSize) {
			stats.Dropped++
			logger.Warn("Dropping index entry beyond end of data log.",
				"score", entry.Score.String(), "entry_end", entry.End(), "data_size", dataSize)
			continue
		}
		if !bi.Insert(entry) {
			stats.Duplicates++
			logger.Debug("Ignoring duplicate index entry.", "score", entry.Score.String(), "offset", rec.Offset)
			continue
		}
		stats.Inserted++
	}
	stats.Resyncs = rd.Resyncs()
	stats.Skipped = rd.Skipped()
	return stats, nil
}

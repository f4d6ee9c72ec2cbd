package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a score/type pair is absent or failed
	// its read-time integrity check.
	ErrNotFound = errors.New("block not found")
	// ErrTypeConflict is returned when content already stored under one
	// block type is written again under a different type.
	ErrTypeConflict = errors.New("block type conflict")
	// ErrBlockTooLarge is returned for payloads above MaxBlockSize.
	ErrBlockTooLarge = errors.New("block too large")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// CorruptionError describes persisted data that failed validation.
// It is recovered from locally and never crosses the wire as a distinct kind.
type CorruptionError struct {
	Source string // e.g. "arena.log", "arena.idx"
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption in %s at offset %d: %s", e.Source, e.Offset, e.Reason)
}

// IsCorruptionError checks if an error is a CorruptionError.
func IsCorruptionError(err error) bool {
	var corruptionError *CorruptionError
	return errors.As(err, &corruptionError)
}

// IsNotFound reports whether err means the block is not available.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

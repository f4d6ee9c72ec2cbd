// Package sys holds the platform-specific file primitives the arena needs:
// an exclusive directory lock and a data-only sync.
package sys

import "errors"

var (
	// ErrLocked is returned when another process holds an arena lock.
	ErrLocked = errors.New("arena is locked by another process")
	// ErrOSFileLockNotSupported is returned on platforms without file locks.
	ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")
)

//go:build !linux

package sys

import "os"

// DataSync falls back to a full fsync where fdatasync is unavailable.
func DataSync(f *os.File) error {
	return f.Sync()
}

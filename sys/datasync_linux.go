//go:build linux

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

// DataSync flushes file contents to stable storage without forcing a
// metadata-only update. The file size is covered by fdatasync.
func DataSync(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}

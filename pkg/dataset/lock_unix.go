//go:build unix

package dataset

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an advisory lock on f that excludes other processes and
// other open descriptions of the same file.
func lockFile(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

//go:build unix

package security

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryLockFile acquires an exclusive non-blocking flock.
func tryLockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// unlockFile releases the flock.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

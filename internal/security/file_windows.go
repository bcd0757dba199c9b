//go:build windows

package security

import (
	"os"
	"syscall"
)

const (
	lockfileExclusiveLock   = 0x2
	lockfileFailImmediately = 0x1
)

// tryLockFile acquires an exclusive non-blocking lock using LockFileEx.
func tryLockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	return syscall.LockFileEx(syscall.Handle(f.Fd()),
		lockfileExclusiveLock|lockfileFailImmediately, 0, 1, 0, &overlapped)
}

// unlockFile releases the lock.
func unlockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	return syscall.UnlockFileEx(syscall.Handle(f.Fd()), 0, 1, 0, &overlapped)
}

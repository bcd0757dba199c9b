//go:build !unix && !windows

package security

import (
	"errors"
	"os"
)

func tryLockFile(f *os.File) error {
	return errors.New("file locking not supported on this platform")
}

func unlockFile(f *os.File) error {
	return nil
}

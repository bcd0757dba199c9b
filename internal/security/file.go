package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	// PermSecretFile is the permission for evidence and ledger files.
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for session directories.
	PermSecretDir os.FileMode = 0700
)

// File operation errors
var (
	ErrAtomicWriteFailed = errors.New("security: atomic write failed")
	ErrTempFileFailed    = errors.New("security: temporary file creation failed")
	ErrLocked            = errors.New("security: directory is locked by another owner")
)

// SecureFileWriter writes to a temporary file and renames it into place on Commit.
type SecureFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewSecureFileWriter creates a writer for an atomic, owner-only file write.
func NewSecureFileWriter(path string, perm os.FileMode) (*SecureFileWriter, error) {
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := clean + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &SecureFileWriter{
		path:     clean,
		tempFile: f,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *SecureFileWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and atomically renames it over the target.
func (w *SecureFileWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort discards the temporary file.
func (w *SecureFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteSecretFile writes data atomically with 0600 permissions.
func WriteSecretFile(path string, data []byte) error {
	w, err := NewSecureFileWriter(path, PermSecretFile)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// EnsureSecureDir creates path with 0700 permissions, tightening an existing
// directory if it is group or world accessible.
func EnsureSecureDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, PermSecretDir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(path, PermSecretDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}
	return nil
}

// DirLock is an exclusive advisory lock held on a directory's lock file.
type DirLock struct {
	f *os.File
}

// LockDir acquires an exclusive lock on dir/.lock without blocking.
// It returns ErrLocked when another process holds the lock.
func LockDir(dir string) (*DirLock, error) {
	if err := EnsureSecureDir(dir); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return &DirLock{f: f}, nil
}

// Release drops the lock. Safe to call on a nil lock.
func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

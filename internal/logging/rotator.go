package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that rotates its file by size.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileRotator opens path for appending.
func NewFileRotator(path string, maxSizeMB int64, maxBackups int) (*FileRotator, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	r := &FileRotator{
		path:       path,
		maxBytes:   maxSizeMB * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}
	if r.size+int64(len(p)) > r.maxBytes && r.size > 0 {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	ext := filepath.Ext(r.path)
	name := strings.TrimSuffix(r.path, ext)
	rotated := fmt.Sprintf("%s-%s%s", name, time.Now().Format("20060102-150405.000"), ext)
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.openFile(); err != nil {
		return err
	}
	r.prune()
	return nil
}

// prune removes rotated files beyond maxBackups, oldest first.
func (r *FileRotator) prune() {
	ext := filepath.Ext(r.path)
	matches, err := filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext)
	if err != nil || len(matches) <= r.maxBackups {
		return
	}
	sort.Strings(matches)
	for _, m := range matches[:len(matches)-r.maxBackups] {
		os.Remove(m)
	}
}

// Close closes the underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

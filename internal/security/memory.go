//go:build unix

// Package security provides key handling and file primitives for examguard.
//
// This package implements:
//   - Locked, wipeable memory for session keys
//   - HKDF purpose-bound key derivation
//   - Atomic owner-only file writes and advisory locks
package security

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SecureBytes holds key material that is locked in RAM when the platform
// allows it and zeroed on Destroy.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes allocates size bytes of locked memory.
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{
		data: make([]byte, size),
	}

	// mlock may be refused without privileges; the key is still wiped on Destroy.
	_ = sb.lock()

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})
	return sb, nil
}

// FromBytes copies data into SecureBytes and wipes the source slice.
func FromBytes(data []byte) (*SecureBytes, error) {
	sb, err := NewSecureBytes(len(data))
	if err != nil {
		return nil, err
	}
	copy(sb.data, data)
	Wipe(data)
	return sb, nil
}

// Copy returns a copy of the data. The caller must Wipe it.
// Returns nil once the value has been destroyed.
func (s *SecureBytes) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the length of the held data.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Destroyed reports whether Destroy has been called.
func (s *SecureBytes) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Destroy wipes and unlocks the memory. Safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	wipeBytes(s.data)
	if s.locked {
		s.unlock()
	}
	s.data = nil
}

func (s *SecureBytes) lock() error {
	if len(s.data) == 0 {
		return nil
	}
	if err := unix.Mlock(s.region()); err != nil {
		return err
	}
	s.locked = true
	return nil
}

func (s *SecureBytes) unlock() {
	if len(s.data) == 0 {
		return
	}
	_ = unix.Munlock(s.region())
	s.locked = false
}

func (s *SecureBytes) region() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&s.data[0])), len(s.data))
}

// Wipe overwrites a byte slice with zeros.
func Wipe(data []byte) {
	wipeBytes(data)
}

func wipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

//go:build !unix

package security

import (
	"runtime"
	"sync"
)

// SecureBytes holds key material that is zeroed on Destroy.
// Memory locking is not available on this platform.
type SecureBytes struct {
	data []byte
	mu   sync.Mutex
}

// NewSecureBytes allocates size bytes.
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{data: make([]byte, size)}
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

// Destroy wipes the memory.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	wipeBytes(s.data)
	s.data = nil
}

// Wipe overwrites a byte slice with zeros.
func Wipe(data []byte) {
	wipeBytes(data)
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

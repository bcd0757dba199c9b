package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16

// SessionKeySize is the size of a per-session exam key in bytes.
const SessionKeySize = 32

// GenerateSecureRandom fills data with cryptographically secure random bytes.
func GenerateSecureRandom(data []byte) error {
	n, err := rand.Read(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, len(data))
	}
	return nil
}

// GenerateKey generates a random key of the given size.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	key := make([]byte, size)
	if err := GenerateSecureRandom(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey derives a key using HKDF with SHA-256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, salt, info)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// DeriveKeyWithLabel derives a purpose-bound key from masterKey.
// The salt is usually the session ID so keys never repeat across sessions.
func DeriveKeyWithLabel(masterKey, salt []byte, label string, keySize int) ([]byte, error) {
	return DeriveKey(masterKey, salt, []byte("examguard:"+label), keySize)
}

// ValidateKeyStrength rejects short, all-zero and single-byte-pattern keys.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}

	first := key[0]
	same := true
	for _, b := range key[1:] {
		if b != first {
			same = false
			break
		}
	}
	if same {
		if first == 0 {
			return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
		}
		return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
	}
	return nil
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

package vault

import (
	"bytes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"examguard/internal/security"
)

// Purpose separates the sub-keys and additional data of each file class.
type Purpose string

// Purposes.
const (
	PurposeMedia    Purpose = "media"
	PurposeLedger   Purpose = "ledger"
	PurposeMetadata Purpose = "metadata"
	PurposeLog      Purpose = "log"
)

// magic prefixes every envelope.
var magic = []byte("EGV1")

const nonceSize = chacha20poly1305.NonceSizeX

// Overhead is the number of bytes an envelope adds to its plaintext.
const Overhead = 4 + nonceSize + chacha20poly1305.Overhead

func newAEAD(master []byte, sessionID string, p Purpose) (cipher.AEAD, error) {
	sub, err := security.DeriveKeyWithLabel(master, []byte(sessionID), string(p), chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(sub)
	return chacha20poly1305.NewX(sub)
}

// additionalData binds an envelope to its session, purpose and name. The
// name is the slash-separated path inside the session directory, or empty
// for envelopes that are not stored as files.
func additionalData(sessionID string, p Purpose, name string) []byte {
	return []byte(sessionID + "|" + string(p) + "|" + name)
}

// SealEnvelope encrypts plaintext into a self-contained envelope:
// magic | nonce(24) | ciphertext+tag.
func SealEnvelope(master []byte, sessionID string, p Purpose, name string, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(master, sessionID, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	out := make([]byte, len(magic)+nonceSize, Overhead+len(plaintext))
	copy(out, magic)
	nonce := out[len(magic):]
	if err := security.GenerateSecureRandom(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	return aead.Seal(out, nonce, plaintext, additionalData(sessionID, p, name)), nil
}

// OpenEnvelope authenticates and decrypts an envelope produced by
// SealEnvelope with the same session, purpose and name.
func OpenEnvelope(master []byte, sessionID string, p Purpose, name string, envelope []byte) ([]byte, error) {
	if len(envelope) < Overhead || !bytes.Equal(envelope[:len(magic)], magic) {
		return nil, ErrCorrupt
	}
	aead, err := newAEAD(master, sessionID, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	nonce := envelope[len(magic) : len(magic)+nonceSize]
	plaintext, err := aead.Open(nil, nonce, envelope[len(magic)+nonceSize:], additionalData(sessionID, p, name))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

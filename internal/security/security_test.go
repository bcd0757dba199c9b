package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// =============================================================================
// Memory Tests
// =============================================================================

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")
	Wipe(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}
}

func TestWipeEmpty(t *testing.T) {
	Wipe(nil)
	Wipe([]byte{})
}

func TestSecureBytesLifecycle(t *testing.T) {
	src := []byte("0123456789abcdef0123456789abcdef")
	sb, err := FromBytes(src)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}

	for _, b := range src {
		if b != 0 {
			t.Fatal("source slice should be wiped after FromBytes")
		}
	}

	if sb.Len() != 32 {
		t.Errorf("Len() = %d, want 32", sb.Len())
	}
	cp := sb.Copy()
	if string(cp) != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Copy() returned %q", cp)
	}

	sb.Destroy()
	if !sb.Destroyed() {
		t.Error("Destroyed() should be true after Destroy")
	}
	if sb.Copy() != nil {
		t.Error("Copy() after Destroy should return nil")
	}
	sb.Destroy() // idempotent
}

// =============================================================================
// Key Tests
// =============================================================================

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey(SessionKeySize)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	k2, _ := GenerateKey(SessionKeySize)

	if len(k1) != SessionKeySize {
		t.Errorf("key length = %d, want %d", len(k1), SessionKeySize)
	}
	if bytes.Equal(k1, k2) {
		t.Error("two generated keys should differ")
	}
	if err := ValidateKeyStrength(k1); err != nil {
		t.Errorf("generated key should be strong: %v", err)
	}
}

func TestGenerateKeyTooSmall(t *testing.T) {
	if _, err := GenerateKey(8); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestDeriveKeyWithLabel(t *testing.T) {
	master, _ := GenerateKey(SessionKeySize)
	salt := []byte("session-1")

	media, err := DeriveKeyWithLabel(master, salt, "media", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel failed: %v", err)
	}
	again, _ := DeriveKeyWithLabel(master, salt, "media", 32)
	ledger, _ := DeriveKeyWithLabel(master, salt, "ledger", 32)
	otherSession, _ := DeriveKeyWithLabel(master, []byte("session-2"), "media", 32)

	if !bytes.Equal(media, again) {
		t.Error("derivation should be deterministic")
	}
	if bytes.Equal(media, ledger) {
		t.Error("different labels should give different keys")
	}
	if bytes.Equal(media, otherSession) {
		t.Error("different salts should give different keys")
	}
}

func TestDeriveKeyWeakMaster(t *testing.T) {
	if _, err := DeriveKey([]byte("short"), nil, nil, 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("expected ErrWeakKey, got %v", err)
	}
}

func TestValidateKeyStrength(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
		ok   bool
	}{
		{"zeros", make([]byte, 32), false},
		{"repeating", bytes.Repeat([]byte{0xAB}, 32), false},
		{"short", []byte("abc"), false},
		{"mixed", []byte("0123456789abcdef0123456789abcdef"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyStrength(tt.key)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateKeyStrength() err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

// =============================================================================
// File Tests
// =============================================================================

func TestWriteSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.enc")
	data := []byte("ciphertext")

	if err := WriteSecretFile(path, data); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("file contents mismatch: got %q, want %q", got, data)
	}

	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if info.Mode().Perm() != PermSecretFile {
			t.Errorf("file permissions = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
		}
	}

	if err := WriteSecretFile(path, []byte("updated")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestEnsureSecureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secure", "nested")
	if err := EnsureSecureDir(path); err != nil {
		t.Fatalf("EnsureSecureDir failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected a directory")
	}
}

func TestLockDirExclusive(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("flock semantics checked on unix only")
	}
	dir := t.TempDir()

	l1, err := LockDir(dir)
	if err != nil {
		t.Fatalf("first LockDir failed: %v", err)
	}

	// flock locks are per open file description, so a second open conflicts.
	if _, err := LockDir(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("second LockDir should fail with ErrLocked, got %v", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	l2, err := LockDir(dir)
	if err != nil {
		t.Fatalf("LockDir after release failed: %v", err)
	}
	l2.Release()
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidatePathComponent(t *testing.T) {
	valid := []string{"3f2b8c1e-9a4d-4c1b-8f7e-2d6a5b4c3e21", "snapshot_01.enc"}
	for _, name := range valid {
		if err := ValidatePathComponent(name); err != nil {
			t.Errorf("ValidatePathComponent(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", ".", "..", "../etc", "a/b", `a\b`, "a\x00b"}
	for _, name := range invalid {
		if err := ValidatePathComponent(name); err == nil {
			t.Errorf("ValidatePathComponent(%q) should fail", name)
		}
	}
}

// =============================================================================
// Process Tests
// =============================================================================

func TestParseTracerPID(t *testing.T) {
	if parseTracerPID("Name:\tx\nTracerPid:\t0\n") {
		t.Error("TracerPid 0 reported as traced")
	}
	if !parseTracerPID("Name:\tx\nTracerPid:\t1234\n") {
		t.Error("TracerPid 1234 not reported as traced")
	}
	if parseTracerPID("Name:\tx\n") {
		t.Error("missing TracerPid reported as traced")
	}
}

func TestProcessStateWarnings(t *testing.T) {
	if w := (ProcessState{}).Warnings(); len(w) != 0 {
		t.Errorf("clean state has warnings: %v", w)
	}
	w := ProcessState{Root: true, CoreDumps: true}.Warnings()
	if len(w) != 2 {
		t.Errorf("got %d warnings, want 2", len(w))
	}
}

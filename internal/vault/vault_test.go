package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examguard/internal/security"
)

func newTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := Create(dir, "session-1")
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, dir
}

// =============================================================================
// Tests for the envelope
// =============================================================================

func TestEnvelopeRoundTrip(t *testing.T) {
	key, err := security.GenerateKey(security.SessionKeySize)
	require.NoError(t, err)

	for _, size := range []int{0, 1, 17, 4096, 1 << 20} {
		payload := make([]byte, size)
		_, _ = rand.Read(payload)

		env, err := SealEnvelope(key, "s", PurposeMedia, "a.enc", payload)
		require.NoError(t, err)
		assert.Len(t, env, size+Overhead)
		assert.Equal(t, "EGV1", string(env[:4]))

		got, err := OpenEnvelope(key, "s", PurposeMedia, "a.enc", env)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload, got))
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	key, _ := security.GenerateKey(security.SessionKeySize)
	a, err := SealEnvelope(key, "s", PurposeMedia, "a.enc", []byte("same"))
	require.NoError(t, err)
	b, err := SealEnvelope(key, "s", PurposeMedia, "a.enc", []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenDetectsEverySingleByteTamper(t *testing.T) {
	key, _ := security.GenerateKey(security.SessionKeySize)
	env, err := SealEnvelope(key, "s", PurposeLedger, "a.enc", []byte(`{"status":"ACTIVE"}`))
	require.NoError(t, err)

	for i := range env {
		tampered := append([]byte(nil), env...)
		tampered[i] ^= 0x01
		_, err := OpenEnvelope(key, "s", PurposeLedger, "a.enc", tampered)
		require.Error(t, err, "byte %d", i)
		assert.True(t, errors.Is(err, ErrDecrypt) || errors.Is(err, ErrCorrupt), "byte %d: %v", i, err)
	}
}

func TestOpenBindsPurposeSessionAndName(t *testing.T) {
	key, _ := security.GenerateKey(security.SessionKeySize)
	env, err := SealEnvelope(key, "s1", PurposeMetadata, "a.enc", []byte("x"))
	require.NoError(t, err)

	_, err = OpenEnvelope(key, "s1", PurposeLedger, "a.enc", env)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = OpenEnvelope(key, "s2", PurposeMetadata, "a.enc", env)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = OpenEnvelope(key, "s1", PurposeMetadata, "b.enc", env)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenShortEnvelope(t *testing.T) {
	key, _ := security.GenerateKey(security.SessionKeySize)
	_, err := OpenEnvelope(key, "s", PurposeMedia, "a.enc", []byte("EGV1"))
	assert.ErrorIs(t, err, ErrCorrupt)
}

// =============================================================================
// Tests for the session vault
// =============================================================================

func TestCreateLayout(t *testing.T) {
	v, dir := newTestVault(t)
	assert.Equal(t, filepath.Join(dir, "session-1"), v.Root())

	for _, sub := range []string{VideosDir, SnapshotsDir, LogsDir, MetadataDir} {
		info, err := os.Stat(filepath.Join(v.Root(), sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}

func TestCreateRejectsTraversalID(t *testing.T) {
	_, err := Create(t.TempDir(), "../escape")
	assert.Error(t, err)
}

func TestSessionDirIsExclusive(t *testing.T) {
	_, dir := newTestVault(t)
	_, err := Create(dir, "session-1")
	assert.ErrorIs(t, err, security.ErrLocked)
}

func TestEncryptBytesRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	frame := bytes.Repeat([]byte{0xAB}, 2048)

	ref, err := v.EncryptBytes("snapshots/a.jpg.enc", frame)
	require.NoError(t, err)
	assert.Equal(t, PurposeMedia, ref.Purpose)
	assert.Equal(t, int64(len(frame)+Overhead), ref.Size)

	raw, err := os.ReadFile(filepath.Join(v.Root(), "snapshots", "a.jpg.enc"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, frame[:64]))

	got, err := v.DecryptFile(ref)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestDecryptFileTampered(t *testing.T) {
	v, _ := newTestVault(t)
	ref, err := v.EncryptBytes("snapshots/t.enc", []byte("evidence"))
	require.NoError(t, err)

	path := filepath.Join(v.Root(), ref.Path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = v.DecryptFile(ref)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSwappedSnapshotsFailToDecrypt(t *testing.T) {
	v, _ := newTestVault(t)
	a, err := v.EncryptBytes("snapshots/a.enc", []byte("first"))
	require.NoError(t, err)
	b, err := v.EncryptBytes("snapshots/b.enc", []byte("second"))
	require.NoError(t, err)

	pa, pb := filepath.Join(v.Root(), a.Path), filepath.Join(v.Root(), b.Path)
	rawA, err := os.ReadFile(pa)
	require.NoError(t, err)
	rawB, err := os.ReadFile(pb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pa, rawB, 0600))
	require.NoError(t, os.WriteFile(pb, rawA, 0600))

	_, err = v.DecryptFile(a)
	assert.ErrorIs(t, err, ErrDecrypt)
	_, err = v.DecryptFile(b)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptBytesRejectsEscape(t *testing.T) {
	v, _ := newTestVault(t)
	_, err := v.EncryptBytes("../outside.enc", []byte("x"))
	assert.ErrorIs(t, err, security.ErrPathTraversal)
}

func TestEncryptFileRemovesPlaintext(t *testing.T) {
	v, _ := newTestVault(t)
	src := filepath.Join(t.TempDir(), "scan.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video-bytes"), 0600))

	ref, err := v.EncryptFile(src, VideosDir)
	require.NoError(t, err)
	assert.Equal(t, "videos/scan.mp4.enc", ref.Path)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	got, err := v.DecryptFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(got))
}

func TestEncryptFileMissingSource(t *testing.T) {
	v, _ := newTestVault(t)
	_, err := v.EncryptFile(filepath.Join(t.TempDir(), "nope.mp4"), VideosDir)
	assert.ErrorIs(t, err, ErrIO)
}

func TestStringRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	enc, err := v.EncryptString("student-42")
	require.NoError(t, err)
	assert.NotContains(t, enc, "student-42")

	dec, err := v.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "student-42", dec)

	_, err = v.DecryptString("not base64!")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLedgerAndMetadata(t *testing.T) {
	v, _ := newTestVault(t)

	require.NoError(t, v.SaveLedger([]byte(`{"v":1}`)))
	require.NoError(t, v.SaveLedger([]byte(`{"v":2}`)))
	doc, err := v.LoadLedger()
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc))

	require.NoError(t, v.SaveMetadata("report", []byte(`{"score":85}`)))
	doc, err = v.LoadMetadata("report")
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":85}`, string(doc))

	assert.Error(t, v.SaveMetadata("../x", nil))
}

func TestLedgerCannotBeReadAsMetadata(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.SaveLedger([]byte("{}")))

	raw, err := os.ReadFile(filepath.Join(v.Root(), LedgerFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(v.Root(), MetadataDir, "swap.enc"), raw, 0600))

	_, err = v.LoadMetadata("swap")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestAppendAndReadLog(t *testing.T) {
	v, _ := newTestVault(t)

	lines, err := v.ReadLog()
	require.NoError(t, err)
	assert.Empty(t, lines)

	require.NoError(t, v.AppendLog(`{"event":"a"}`))
	require.NoError(t, v.AppendLog(`{"event":"b"}`))

	lines, err = v.ReadLog()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"event":"a"}`, `{"event":"b"}`}, lines)
}

func TestList(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.SaveLedger([]byte("{}")))
	_, err := v.EncryptBytes("snapshots/1.enc", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, v.SaveMetadata("report", []byte("{}")))
	require.NoError(t, v.AppendLog("x"))

	files, err := v.List()
	require.NoError(t, err)

	byPath := map[string]Purpose{}
	for _, f := range files {
		byPath[f.Path] = f.Purpose
	}
	assert.Equal(t, PurposeLedger, byPath[LedgerFile])
	assert.Equal(t, PurposeMedia, byPath["snapshots/1.enc"])
	assert.Equal(t, PurposeMetadata, byPath["metadata/report.enc"])
	assert.NotContains(t, byPath, ".lock")
}

func TestExportKeyAndReopen(t *testing.T) {
	dir := t.TempDir()
	v, err := Create(dir, "s")
	require.NoError(t, err)
	require.NoError(t, v.SaveLedger([]byte(`{"ok":true}`)))

	hexKey, err := v.ExportKey()
	require.NoError(t, err)
	assert.Len(t, hexKey, 64)
	require.NoError(t, v.Close())

	key, err := ParseKey(hexKey)
	require.NoError(t, err)
	reopened, err := Open(dir, "s", key)
	require.NoError(t, err)
	defer reopened.Close()

	doc, err := reopened.LoadLedger()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(doc))
}

func TestWrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	v, err := Create(dir, "s")
	require.NoError(t, err)
	require.NoError(t, v.SaveLedger([]byte("{}")))
	require.NoError(t, v.Close())

	other, _ := security.GenerateKey(security.SessionKeySize)
	reopened, err := Open(dir, "s", other)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.LoadLedger()
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	_, err := ParseKey("zz")
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	_, err = ParseKey("abcd")
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestClosedVaultKeyUnavailable(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	_, err := v.EncryptBytes("snapshots/x.enc", []byte("x"))
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	_, err = v.ExportKey()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestDestroyRemovesDirectory(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.SaveLedger([]byte("{}")))
	root := v.Root()

	require.NoError(t, v.Destroy())
	_, err := os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

// Package vault stores the encrypted evidence of one exam session.
//
// Every file under a session directory is an authenticated envelope
// sealed with a sub-key derived from the in-memory session key. The
// session key never touches the disk in cleartext; ExportKey hands it to
// the export document for server-side decryption.
package vault

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"examguard/internal/security"
)

// Errors
var (
	ErrEncrypt        = errors.New("vault: encryption failed")
	ErrDecrypt        = errors.New("vault: decryption failed")
	ErrIO             = errors.New("vault: i/o failure")
	ErrKeyUnavailable = errors.New("vault: session key unavailable")
	ErrCorrupt        = errors.New("vault: corrupt envelope")
)

// Layout of a session directory.
const (
	LedgerFile   = "session.enc"
	VideosDir    = "videos"
	SnapshotsDir = "snapshots"
	LogsDir      = "logs"
	MetadataDir  = "metadata"

	auditLogFile = "audit.log"
	encExt       = ".enc"
)

var subdirs = []string{VideosDir, SnapshotsDir, LogsDir, MetadataDir}

// EncryptedFile references an envelope on disk.
type EncryptedFile struct {
	// Path is relative to the session directory.
	Path    string  `json:"path"`
	Purpose Purpose `json:"purpose"`
	Size    int64   `json:"size"`
}

// Vault owns one session directory and its key.
type Vault struct {
	root      string
	sessionID string

	mu     sync.RWMutex
	key    *security.SecureBytes
	lock   *security.DirLock
	closed bool

	logMu sync.Mutex
}

// SessionDir returns the directory of sessionID under sessionsDir.
func SessionDir(sessionsDir, sessionID string) string {
	return filepath.Join(sessionsDir, sessionID)
}

// Create makes a fresh session directory with a new random key.
func Create(sessionsDir, sessionID string) (*Vault, error) {
	key, err := security.GenerateKey(security.SessionKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	v, err := open(sessionsDir, sessionID, key)
	if err != nil {
		return nil, err
	}
	for _, d := range subdirs {
		if err := security.EnsureSecureDir(filepath.Join(v.root, d)); err != nil {
			v.Close()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return v, nil
}

// Open attaches to an existing session directory with a known key,
// either hex-encoded from ExportKey or raw.
func Open(sessionsDir, sessionID string, key []byte) (*Vault, error) {
	if _, err := os.Stat(SessionDir(sessionsDir, sessionID)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	k := append([]byte(nil), key...)
	return open(sessionsDir, sessionID, k)
}

// ParseKey decodes a hex session key as produced by ExportKey.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if len(key) != security.SessionKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrKeyUnavailable, len(key))
	}
	return key, nil
}

// open takes ownership of key and wipes it on failure.
func open(sessionsDir, sessionID string, key []byte) (*Vault, error) {
	if err := security.ValidatePathComponent(sessionID); err != nil {
		security.Wipe(key)
		return nil, err
	}
	if err := security.ValidateKeyStrength(key); err != nil {
		security.Wipe(key)
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	root := SessionDir(sessionsDir, sessionID)
	lock, err := security.LockDir(root)
	if err != nil {
		security.Wipe(key)
		return nil, err
	}
	sb, err := security.FromBytes(key)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	return &Vault{root: root, sessionID: sessionID, key: sb, lock: lock}, nil
}

// Root returns the session directory.
func (v *Vault) Root() string { return v.root }

// SessionID returns the session the vault belongs to.
func (v *Vault) SessionID() string { return v.sessionID }

// withKey runs fn with a transient copy of the key.
func (v *Vault) withKey(fn func(key []byte) error) error {
	v.mu.RLock()
	if v.closed {
		v.mu.RUnlock()
		return ErrKeyUnavailable
	}
	key := v.key.Copy()
	v.mu.RUnlock()
	if key == nil {
		return ErrKeyUnavailable
	}
	defer security.Wipe(key)
	return fn(key)
}

// envelopeName normalizes rel to the form bound into envelopes.
func envelopeName(rel string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
}

func (v *Vault) seal(p Purpose, name string, plaintext []byte) ([]byte, error) {
	var out []byte
	err := v.withKey(func(key []byte) error {
		var err error
		out, err = SealEnvelope(key, v.sessionID, p, name, plaintext)
		return err
	})
	return out, err
}

func (v *Vault) open(p Purpose, name string, envelope []byte) ([]byte, error) {
	var out []byte
	err := v.withKey(func(key []byte) error {
		var err error
		out, err = OpenEnvelope(key, v.sessionID, p, name, envelope)
		return err
	})
	return out, err
}

func (v *Vault) abs(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %s", security.ErrPathTraversal, rel)
	}
	return filepath.Join(v.root, clean), nil
}

func (v *Vault) writeEnvelope(rel string, p Purpose, plaintext []byte) (EncryptedFile, error) {
	path, err := v.abs(rel)
	if err != nil {
		return EncryptedFile{}, err
	}
	env, err := v.seal(p, envelopeName(rel), plaintext)
	if err != nil {
		return EncryptedFile{}, err
	}
	if err := security.WriteSecretFile(path, env); err != nil {
		return EncryptedFile{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return EncryptedFile{Path: filepath.ToSlash(rel), Purpose: p, Size: int64(len(env))}, nil
}

// EncryptBytes seals media bytes into dstRel, relative to the session directory.
func (v *Vault) EncryptBytes(dstRel string, data []byte) (EncryptedFile, error) {
	return v.writeEnvelope(dstRel, PurposeMedia, data)
}

// EncryptFile seals the plaintext file src into subdir and removes src
// once the envelope is durable.
func (v *Vault) EncryptFile(src, subdir string) (EncryptedFile, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return EncryptedFile{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer security.Wipe(data)

	ref, err := v.EncryptBytes(filepath.Join(subdir, filepath.Base(src)+encExt), data)
	if err != nil {
		return EncryptedFile{}, err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ref, fmt.Errorf("%w: remove plaintext: %v", ErrIO, err)
	}
	return ref, nil
}

// DecryptFile reads and authenticates an envelope.
func (v *Vault) DecryptFile(ref EncryptedFile) ([]byte, error) {
	env, err := v.ReadEncrypted(ref.Path)
	if err != nil {
		return nil, err
	}
	p := ref.Purpose
	if p == "" {
		p = PurposeMedia
	}
	return v.open(p, envelopeName(ref.Path), env)
}

// ReadEncrypted returns the raw envelope bytes of rel.
func (v *Vault) ReadEncrypted(rel string) ([]byte, error) {
	path, err := v.abs(rel)
	if err != nil {
		return nil, err
	}
	env, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return env, nil
}

// EncryptString seals s and returns it base64 encoded.
func (v *Vault) EncryptString(s string) (string, error) {
	env, err := v.seal(PurposeMetadata, "", []byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(env), nil
}

// DecryptString reverses EncryptString.
func (v *Vault) DecryptString(enc string) (string, error) {
	env, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	pt, err := v.open(PurposeMetadata, "", env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// SaveLedger atomically replaces the encrypted session document.
func (v *Vault) SaveLedger(doc []byte) error {
	_, err := v.writeEnvelope(LedgerFile, PurposeLedger, doc)
	return err
}

// LoadLedger decrypts the session document.
func (v *Vault) LoadLedger() ([]byte, error) {
	return v.DecryptFile(EncryptedFile{Path: LedgerFile, Purpose: PurposeLedger})
}

// SaveMetadata stores a JSON document under metadata/<key>.enc.
func (v *Vault) SaveMetadata(key string, doc []byte) error {
	if err := security.ValidatePathComponent(key); err != nil {
		return err
	}
	_, err := v.writeEnvelope(filepath.Join(MetadataDir, key+encExt), PurposeMetadata, doc)
	return err
}

// LoadMetadata reads a document stored with SaveMetadata.
func (v *Vault) LoadMetadata(key string) ([]byte, error) {
	if err := security.ValidatePathComponent(key); err != nil {
		return nil, err
	}
	return v.DecryptFile(EncryptedFile{Path: filepath.Join(MetadataDir, key+encExt), Purpose: PurposeMetadata})
}

// AppendLog appends one encrypted record to logs/audit.log. Each record is
// an independent base64 envelope on its own line, so a torn final write
// only loses that record.
func (v *Vault) AppendLog(line string) error {
	env, err := v.seal(PurposeLog, auditLogName, []byte(line))
	if err != nil {
		return err
	}

	v.logMu.Lock()
	defer v.logMu.Unlock()

	f, err := os.OpenFile(filepath.Join(v.root, LogsDir, auditLogFile),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, security.PermSecretFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	rec := base64.StdEncoding.EncodeToString(env) + "\n"
	if _, err := f.WriteString(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// auditLogName binds every audit record to the log file.
const auditLogName = LogsDir + "/" + auditLogFile

// ReadLog decrypts every record of the audit log in order.
func (v *Vault) ReadLog() ([]string, error) {
	v.logMu.Lock()
	data, err := os.ReadFile(filepath.Join(v.root, LogsDir, auditLogFile))
	v.logMu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		env, err := base64.StdEncoding.DecodeString(sc.Text())
		if err != nil {
			return lines, fmt.Errorf("%w: log record %d: %v", ErrCorrupt, len(lines), err)
		}
		pt, err := v.open(PurposeLog, auditLogName, env)
		if err != nil {
			return lines, fmt.Errorf("log record %d: %w", len(lines), err)
		}
		lines = append(lines, string(pt))
	}
	return lines, sc.Err()
}

// List returns every envelope under the session directory with the
// purpose implied by its location.
func (v *Vault) List() ([]EncryptedFile, error) {
	var files []EncryptedFile
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		var p Purpose
		switch {
		case rel == LedgerFile:
			p = PurposeLedger
		case strings.HasPrefix(rel, MetadataDir+"/"):
			p = PurposeMetadata
		case strings.HasPrefix(rel, VideosDir+"/"), strings.HasPrefix(rel, SnapshotsDir+"/"):
			p = PurposeMedia
		default:
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, EncryptedFile{Path: rel, Purpose: p, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return files, nil
}

// ExportKey returns the hex session key for the export document.
func (v *Vault) ExportKey() (string, error) {
	var out string
	err := v.withKey(func(key []byte) error {
		out = hex.EncodeToString(key)
		return nil
	})
	return out, err
}

// Close wipes the key and releases the directory lock. Files remain.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.key.Destroy()
	return v.lock.Release()
}

// Destroy wipes the key and deletes the whole session directory.
func (v *Vault) Destroy() error {
	if err := v.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(v.root); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

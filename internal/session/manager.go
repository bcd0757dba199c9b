// Package session owns the ExamSession aggregate: the single source of
// truth for one exam attempt.
//
// Every mutation is applied in memory, then written as a full encrypted
// document by a single ordered writer, then published to observers. A
// failed write is logged and retried implicitly by the next mutation,
// since each write carries the whole document.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"examguard/internal/logging"
	"examguard/internal/vault"
)

// Errors
var (
	ErrNoActiveSession = errors.New("session: no active session")
	ErrSessionActive   = errors.New("session: a session is already active")
	ErrSessionClosed   = errors.New("session: session is completed or terminated")
	ErrSessionNotFound = errors.New("session: session not found")
	ErrVideoExists     = errors.New("session: back camera video already recorded")
)

// DefaultMaxSnapshots is the per-session snapshot cap.
const DefaultMaxSnapshots = 10

// SeverityFunc classifies a violation at log time.
type SeverityFunc func(ViolationType) Severity

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSnapshots overrides the snapshot cap.
func WithMaxSnapshots(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSnapshots = n
		}
	}
}

// WithSeverity sets the function used to stamp violation severities.
func WithSeverity(f SeverityFunc) Option {
	return func(m *Manager) { m.severityOf = f }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l.WithComponent("session") }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// owned is one session this process holds the key for.
type owned struct {
	vault   *vault.Vault
	persist *persister
	audit   *logging.AuditLogger
}

// Manager runs at most one open session at a time and keeps the vaults
// of every session it created or reopened.
type Manager struct {
	sessionsDir  string
	maxSnapshots int
	severityOf   SeverityFunc
	log          *logging.Logger
	now          func() time.Time

	mu            sync.Mutex
	current       *ExamSession
	reserved      int
	videoReserved bool
	sessions      map[string]*owned

	subMu  sync.Mutex
	subs   map[int]chan ExamSession
	nextID int
}

// NewManager creates a manager storing sessions under sessionsDir.
func NewManager(sessionsDir string, opts ...Option) *Manager {
	m := &Manager{
		sessionsDir:  sessionsDir,
		maxSnapshots: DefaultMaxSnapshots,
		severityOf:   func(ViolationType) Severity { return SeverityLow },
		log:          logging.Discard(),
		now:          time.Now,
		sessions:     make(map[string]*owned),
		subs:         make(map[int]chan ExamSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxSnapshots returns the snapshot cap.
func (m *Manager) MaxSnapshots() int { return m.maxSnapshots }

func (m *Manager) timestamp() time.Time { return m.now().UTC() }

// StartSession creates, persists and returns a new active session.
func (m *Manager) StartSession(ctx context.Context, examID, studentID string) (ExamSession, error) {
	m.mu.Lock()
	if m.current != nil && !m.current.Status.Absorbing() {
		m.mu.Unlock()
		return ExamSession{}, ErrSessionActive
	}

	id := uuid.NewString()
	v, err := vault.Create(m.sessionsDir, id)
	if err != nil {
		m.mu.Unlock()
		return ExamSession{}, fmt.Errorf("create session vault: %w", err)
	}
	o := &owned{vault: v}
	o.persist = newPersister(v.SaveLedger, m.publish)
	o.audit = logging.NewAuditLogger(v, id, m.log)
	m.sessions[id] = o

	now := m.timestamp()
	s := &ExamSession{
		SessionID:      id,
		ExamID:         examID,
		StudentID:      studentID,
		StartTime:      now,
		Snapshots:      []MediaSnapshot{},
		Violations:     []ViolationRecord{},
		SecurityEvents: []SecurityEvent{{Type: EventSessionStarted, Timestamp: now}},
		Status:         StatusActive,
	}
	m.current = s
	m.reserved = 0
	m.videoReserved = false
	snap, done := m.commitLocked()
	m.mu.Unlock()

	m.awaitWrite(ctx, o, done)
	o.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditEventSessionStart,
		Action:    "start",
		Details:   map[string]any{"exam_id": examID, "student_id": studentID},
	})
	m.log.InfoContext(ctx, "session started", "session_id", id, "exam_id", examID)
	return snap, nil
}

// commitLocked serializes the current aggregate and enqueues its write.
// m.mu must be held.
func (m *Manager) commitLocked() (ExamSession, <-chan error) {
	snap := m.current.Clone()
	o := m.sessions[snap.SessionID]
	doc, err := json.Marshal(&snap)
	if err != nil {
		done := make(chan error, 1)
		done <- fmt.Errorf("marshal session: %w", err)
		return snap, done
	}
	return snap, o.persist.enqueue(doc, snap)
}

// awaitWrite waits for a ledger write. Failures are logged, never rolled back.
func (m *Manager) awaitWrite(ctx context.Context, o *owned, done <-chan error) {
	if err := wait(ctx, done); err != nil {
		m.log.ErrorContext(ctx, "persist session failed", "session_id", o.vault.SessionID(), "error", err)
		o.audit.LogError(ctx, "persist", err)
	}
}

// mutate applies fn to the open current session and persists the result.
func (m *Manager) mutate(ctx context.Context, fn func(s *ExamSession) error) (ExamSession, error) {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return ExamSession{}, ErrNoActiveSession
	}
	if s.Status.Absorbing() {
		m.mu.Unlock()
		return ExamSession{}, ErrSessionClosed
	}
	if err := fn(s); err != nil {
		m.mu.Unlock()
		return ExamSession{}, err
	}
	o := m.sessions[s.SessionID]
	snap, done := m.commitLocked()
	m.mu.Unlock()

	m.awaitWrite(ctx, o, done)
	return snap, nil
}

// PauseSession moves Active to Paused. Pausing a paused session is a no-op.
func (m *Manager) PauseSession(ctx context.Context, reason string) (ExamSession, error) {
	changed := false
	snap, err := m.mutate(ctx, func(s *ExamSession) error {
		if s.Status == StatusPaused {
			return errNoChange
		}
		s.Status = StatusPaused
		s.SecurityEvents = append(s.SecurityEvents, SecurityEvent{
			Type: EventSessionPaused, Timestamp: m.timestamp(), Details: reason,
		})
		changed = true
		return nil
	})
	if errors.Is(err, errNoChange) {
		return m.snapshotOrErr()
	}
	if changed {
		m.log.InfoContext(ctx, "session paused", "session_id", snap.SessionID, "reason", reason)
	}
	return snap, err
}

// ResumeSession moves Paused to Active. Resuming an active session is a no-op.
func (m *Manager) ResumeSession(ctx context.Context) (ExamSession, error) {
	snap, err := m.mutate(ctx, func(s *ExamSession) error {
		if s.Status == StatusActive {
			return errNoChange
		}
		s.Status = StatusActive
		s.SecurityEvents = append(s.SecurityEvents, SecurityEvent{
			Type: EventSessionResumed, Timestamp: m.timestamp(),
		})
		return nil
	})
	if errors.Is(err, errNoChange) {
		return m.snapshotOrErr()
	}
	return snap, err
}

var errNoChange = errors.New("session: no change")

func (m *Manager) snapshotOrErr() (ExamSession, error) {
	snap, ok := m.Snapshot()
	if !ok {
		return ExamSession{}, ErrNoActiveSession
	}
	return snap, nil
}

// EndSession completes the session through normal submission.
func (m *Manager) EndSession(ctx context.Context) (ExamSession, error) {
	return m.finish(ctx, StatusCompleted, EventSessionSubmitted, "")
}

// TerminateSession closes the session outside normal submission.
func (m *Manager) TerminateSession(ctx context.Context, reason string) (ExamSession, error) {
	return m.finish(ctx, StatusTerminated, EventSessionTerminated, reason)
}

func (m *Manager) finish(ctx context.Context, status Status, event, reason string) (ExamSession, error) {
	snap, err := m.mutate(ctx, func(s *ExamSession) error {
		now := m.timestamp()
		s.Status = status
		s.EndTime = &now
		s.TerminationReason = reason
		s.SecurityEvents = append(s.SecurityEvents, SecurityEvent{
			Type: event, Timestamp: now, Details: reason,
		})
		return nil
	})
	if err != nil {
		return snap, err
	}

	m.mu.Lock()
	o := m.sessions[snap.SessionID]
	m.mu.Unlock()
	// The final write is already on disk; no mutation can follow.
	o.persist.close()

	o.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditEventSessionEnd,
		Action:    string(status),
		Details:   map[string]any{"reason": reason, "violations": len(snap.Violations)},
	})
	m.log.InfoContext(ctx, "session finished", "session_id", snap.SessionID, "status", string(status))
	return snap, nil
}

// SaveSnapshot encrypts frame and appends it to the session. It returns
// false, with no mutation, when the cap is reached, the session is not
// open, or encryption fails. The cap check reserves a slot atomically so
// concurrent callers can never exceed it.
func (m *Manager) SaveSnapshot(ctx context.Context, frame []byte, reason SnapshotReason) (MediaSnapshot, bool) {
	m.mu.Lock()
	s := m.current
	if s == nil || !s.Status.Open() || len(s.Snapshots)+m.reserved >= m.maxSnapshots {
		m.mu.Unlock()
		return MediaSnapshot{}, false
	}
	m.reserved++
	sessionID := s.SessionID
	o := m.sessions[sessionID]
	m.mu.Unlock()

	id := uuid.NewString()
	ts := m.timestamp()
	ref, err := o.vault.EncryptBytes(filepath.ToSlash(filepath.Join(vault.SnapshotsDir, id+".jpg.enc")), frame)

	m.mu.Lock()
	m.reserved--
	if err != nil {
		m.mu.Unlock()
		m.log.WarnContext(ctx, "snapshot encryption failed", "session_id", sessionID, "error", err)
		o.audit.LogError(ctx, "snapshot", err)
		return MediaSnapshot{}, false
	}
	if m.current == nil || m.current.SessionID != sessionID || !m.current.Status.Open() {
		m.mu.Unlock()
		return MediaSnapshot{}, false
	}
	snap := MediaSnapshot{
		ID:           id,
		Timestamp:    ts,
		FilePath:     ref.Path,
		Reason:       reason,
		UploadStatus: UploadPending,
		Size:         ref.Size,
	}
	m.current.Snapshots = append(m.current.Snapshots, snap)
	_, done := m.commitLocked()
	m.mu.Unlock()

	m.awaitWrite(ctx, o, done)
	o.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditEventSnapshot,
		Action:    string(reason),
		Details:   map[string]any{"snapshot_id": id, "size": ref.Size},
	})
	return snap, true
}

// SaveBackCameraVideo encrypts the recorded file at path, removes the
// plaintext and registers the video. Only one video is accepted.
func (m *Manager) SaveBackCameraVideo(ctx context.Context, path string, duration time.Duration, coverage Coverage) bool {
	m.mu.Lock()
	s := m.current
	if s == nil || !s.Status.Open() || s.BackCameraVideo != nil || m.videoReserved {
		m.mu.Unlock()
		return false
	}
	m.videoReserved = true
	sessionID := s.SessionID
	o := m.sessions[sessionID]
	m.mu.Unlock()

	ts := m.timestamp()
	ref, err := o.vault.EncryptFile(path, vault.VideosDir)

	m.mu.Lock()
	m.videoReserved = false
	if err != nil {
		m.mu.Unlock()
		m.log.WarnContext(ctx, "video encryption failed", "session_id", sessionID, "error", err)
		o.audit.LogError(ctx, "video", err)
		return false
	}
	if m.current == nil || m.current.SessionID != sessionID || !m.current.Status.Open() {
		m.mu.Unlock()
		return false
	}
	m.current.BackCameraVideo = &MediaVideo{
		ID:           uuid.NewString(),
		Timestamp:    ts,
		FilePath:     ref.Path,
		Duration:     duration,
		UploadStatus: UploadPending,
		Size:         ref.Size,
		Coverage:     coverage,
	}
	_, done := m.commitLocked()
	m.mu.Unlock()

	m.awaitWrite(ctx, o, done)
	o.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditEventScan,
		Action:    "video_saved",
		Details: map[string]any{
			"duration_ms":    duration.Milliseconds(),
			"yaw_progress":   coverage.YawProgress,
			"pitch_complete": coverage.PitchComplete,
		},
	})
	return true
}

// LogViolation appends a violation stamped with its severity.
func (m *Manager) LogViolation(ctx context.Context, vt ViolationType, description, snapshotID string) (ViolationRecord, error) {
	rec := ViolationRecord{
		Type:        vt,
		Timestamp:   m.timestamp(),
		Description: description,
		SnapshotID:  snapshotID,
		Severity:    m.severityOf(vt),
	}
	snap, err := m.mutate(ctx, func(s *ExamSession) error {
		s.Violations = append(s.Violations, rec)
		return nil
	})
	if err != nil {
		return ViolationRecord{}, err
	}
	if o := m.owned(snap.SessionID); o != nil {
		o.audit.LogViolation(ctx, string(vt), rec.Severity.String(), description)
	}
	m.log.WarnContext(ctx, "violation logged",
		"session_id", snap.SessionID, "type", string(vt), "severity", rec.Severity.String())
	return rec, nil
}

// LogSecurityEvent appends a security event.
func (m *Manager) LogSecurityEvent(ctx context.Context, eventType, details string) error {
	_, err := m.mutate(ctx, func(s *ExamSession) error {
		s.SecurityEvents = append(s.SecurityEvents, SecurityEvent{
			Type: eventType, Timestamp: m.timestamp(), Details: details,
		})
		return nil
	})
	return err
}

// RecordEscalation stores the responder's exit-attempt counter.
func (m *Manager) RecordEscalation(ctx context.Context, attempts int) error {
	_, err := m.mutate(ctx, func(s *ExamSession) error {
		if attempts == s.ExitAttempts {
			return errNoChange
		}
		s.ExitAttempts = attempts
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// RecordTimeOutside adds d to the time spent outside the app.
func (m *Manager) RecordTimeOutside(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := m.mutate(ctx, func(s *ExamSession) error {
		s.TimeOutsideApp += d
		return nil
	})
	return err
}

// RemainingSnapshots returns the free snapshot slots, counting in-flight
// reservations as used.
func (m *Manager) RemainingSnapshots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.current.Status.Open() {
		return 0
	}
	n := m.maxSnapshots - len(m.current.Snapshots) - m.reserved
	if n < 0 {
		return 0
	}
	return n
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() (ExamSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ExamSession{}, false
	}
	return m.current.Clone(), true
}

func (m *Manager) owned(id string) *owned {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Vault returns the vault of a session owned by this manager.
func (m *Manager) Vault(id string) (*vault.Vault, error) {
	o := m.owned(id)
	if o == nil {
		return nil, ErrSessionNotFound
	}
	return o.vault, nil
}

// Audit returns the audit logger of a session owned by this manager.
func (m *Manager) Audit(id string) *logging.AuditLogger {
	if o := m.owned(id); o != nil {
		return o.audit
	}
	return nil
}

// Export returns the session document with its key, for server-side
// decryption of the uploaded evidence.
func (m *Manager) Export(ctx context.Context) ([]byte, error) {
	snap, ok := m.Snapshot()
	if !ok {
		return nil, ErrNoActiveSession
	}
	o := m.owned(snap.SessionID)
	key, err := o.vault.ExportKey()
	if err != nil {
		return nil, err
	}
	snap.ExportKey = key
	return json.Marshal(&snap)
}

// LoadSession decrypts the persisted document of a session owned by this
// manager. The in-memory aggregate is not consulted.
func (m *Manager) LoadSession(ctx context.Context, id string) (ExamSession, error) {
	o := m.owned(id)
	if o == nil {
		return ExamSession{}, ErrSessionNotFound
	}
	return decodeLedger(o.vault)
}

// LoadSessionWithKey reopens a session directory with an exported key.
// An open session is made current again so monitoring can continue.
func (m *Manager) LoadSessionWithKey(ctx context.Context, id string, key []byte) (ExamSession, error) {
	if o := m.owned(id); o != nil {
		return decodeLedger(o.vault)
	}
	v, err := vault.Open(m.sessionsDir, id, key)
	if err != nil {
		return ExamSession{}, err
	}
	s, err := decodeLedger(v)
	if err != nil {
		v.Close()
		return ExamSession{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	o := &owned{vault: v, audit: logging.NewAuditLogger(v, id, m.log)}
	if s.Status.Open() {
		if m.current != nil && !m.current.Status.Absorbing() {
			v.Close()
			return ExamSession{}, ErrSessionActive
		}
		o.persist = newPersister(v.SaveLedger, m.publish)
		cur := s.Clone()
		m.current = &cur
		m.reserved = 0
		m.videoReserved = false
	}
	m.sessions[id] = o
	return s, nil
}

func decodeLedger(v *vault.Vault) (ExamSession, error) {
	doc, err := v.LoadLedger()
	if err != nil {
		return ExamSession{}, fmt.Errorf("load session: %w", err)
	}
	var s ExamSession
	if err := json.Unmarshal(doc, &s); err != nil {
		return ExamSession{}, fmt.Errorf("load session: %w: %v", vault.ErrCorrupt, err)
	}
	return s, nil
}

// DeleteSession destroys a finished session's directory and key.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	o := m.sessions[id]
	if o == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if m.current != nil && m.current.SessionID == id {
		if !m.current.Status.Absorbing() {
			m.mu.Unlock()
			return ErrSessionActive
		}
		m.current = nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if o.persist != nil {
		o.persist.close()
	}
	if err := o.vault.Destroy(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.log.InfoContext(ctx, "session deleted", "session_id", id)
	return nil
}

// Subscribe returns a channel carrying the latest persisted session state.
// Slow subscribers only ever see the newest value. Call cancel to stop.
func (m *Manager) Subscribe() (<-chan ExamSession, func()) {
	ch := make(chan ExamSession, 1)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *Manager) publish(s ExamSession) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s.Clone():
		default:
		}
	}
}

// Close stops every writer and wipes every key. Files remain on disk.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*owned)
	m.current = nil
	m.mu.Unlock()

	var errs []error
	for _, o := range sessions {
		if o.persist != nil {
			o.persist.close()
		}
		if err := o.vault.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

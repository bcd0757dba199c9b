package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"examguard/internal/security"
	"examguard/internal/session"
)

// MaxUploadAttempts is the number of failures after which an item is no
// longer returned by PendingUploads.
const MaxUploadAttempts = 5

// Store represents the SQLite session index.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, security.PermSecretFile); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// UpsertSession inserts or replaces the index row of a session.
func (s *Store) UpsertSession(r *SessionRecord) error {
	var endNs, score sql.NullInt64
	if r.EndTime != nil {
		endNs = sql.NullInt64{Int64: r.EndTime.UnixNano(), Valid: true}
	}
	if r.Score != nil {
		score = sql.NullInt64{Int64: int64(*r.Score), Valid: true}
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, exam_id, student_id, status, start_ns, end_ns, score, violations, snapshots, dir, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			end_ns = excluded.end_ns,
			score = COALESCE(excluded.score, sessions.score),
			violations = excluded.violations,
			snapshots = excluded.snapshots,
			dir = excluded.dir,
			updated_ns = excluded.updated_ns`,
		r.SessionID, r.ExamID, r.StudentID, string(r.Status), r.StartTime.UnixNano(),
		endNs, score, r.Violations, r.Snapshots, r.Dir, updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// RecordFromSession builds the index row of s stored under dir.
func RecordFromSession(s session.ExamSession, dir string, score *int) *SessionRecord {
	return &SessionRecord{
		SessionID:  s.SessionID,
		ExamID:     s.ExamID,
		StudentID:  s.StudentID,
		Status:     s.Status,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime,
		Score:      score,
		Violations: len(s.Violations),
		Snapshots:  len(s.Snapshots),
		Dir:        dir,
	}
}

const sessionColumns = `session_id, exam_id, student_id, status, start_ns, end_ns, score, violations, snapshots, dir, updated_ns`

// GetSession retrieves a session row. It returns nil, nil when absent.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	r, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return r, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY start_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its upload rows.
func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		r                SessionRecord
		status           string
		startNs, updated int64
		endNs, score     sql.NullInt64
	)
	if err := row.Scan(&r.SessionID, &r.ExamID, &r.StudentID, &status, &startNs, &endNs, &score,
		&r.Violations, &r.Snapshots, &r.Dir, &updated); err != nil {
		return nil, err
	}
	r.Status = session.Status(status)
	r.StartTime = time.Unix(0, startNs).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	if endNs.Valid {
		t := time.Unix(0, endNs.Int64).UTC()
		r.EndTime = &t
	}
	if score.Valid {
		v := int(score.Int64)
		r.Score = &v
	}
	return &r, nil
}

// EnqueueUpload registers an item as pending. Re-enqueueing an existing item
// is a no-op.
func (s *Store) EnqueueUpload(sessionID, mediaID string, kind UploadKind) error {
	now := time.Now().UnixNano()
	_, err := s.db.Exec(`
		INSERT INTO uploads (session_id, media_id, kind, status, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, media_id) DO NOTHING`,
		sessionID, mediaID, string(kind), string(session.UploadPending), now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue upload: %w", err)
	}
	return nil
}

// MarkUploading records that an upload attempt started.
func (s *Store) MarkUploading(sessionID, mediaID string) error {
	return s.setUploadStatus(sessionID, mediaID, session.UploadUploading, "", "", false)
}

// MarkUploaded records a successful upload and its remote URL.
func (s *Store) MarkUploaded(sessionID, mediaID, url string) error {
	return s.setUploadStatus(sessionID, mediaID, session.UploadUploaded, url, "", false)
}

// MarkFailed records a failed attempt.
func (s *Store) MarkFailed(sessionID, mediaID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.setUploadStatus(sessionID, mediaID, session.UploadFailed, "", msg, true)
}

func (s *Store) setUploadStatus(sessionID, mediaID string, st session.UploadStatus, url, lastErr string, failed bool) error {
	inc := 0
	if failed {
		inc = 1
	}
	res, err := s.db.Exec(`
		UPDATE uploads SET
			status = ?,
			url = COALESCE(NULLIF(?, ''), url),
			last_error = ?,
			attempts = attempts + ?,
			updated_ns = ?
		WHERE session_id = ? AND media_id = ?`,
		string(st), url, lastErr, inc, time.Now().UnixNano(), sessionID, mediaID,
	)
	if err != nil {
		return fmt.Errorf("update upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update upload: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update upload %s/%s: %w", sessionID, mediaID, sql.ErrNoRows)
	}
	return nil
}

const uploadColumns = `id, session_id, media_id, kind, status, attempts, COALESCE(last_error, ''), COALESCE(url, ''), created_ns, updated_ns`

// PendingUploads returns pending and retryable failed items, oldest first.
func (s *Store) PendingUploads(limit int) ([]UploadRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+uploadColumns+` FROM uploads
		WHERE status = ? OR (status = ? AND attempts < ?)
		ORDER BY created_ns, id LIMIT ?`,
		string(session.UploadPending), string(session.UploadFailed), MaxUploadAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("pending uploads: %w", err)
	}
	defer rows.Close()
	return scanUploads(rows)
}

// UploadsForSession returns every upload row of a session.
func (s *Store) UploadsForSession(sessionID string) ([]UploadRecord, error) {
	rows, err := s.db.Query(`SELECT `+uploadColumns+` FROM uploads WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("uploads for session: %w", err)
	}
	defer rows.Close()
	return scanUploads(rows)
}

func scanUploads(rows *sql.Rows) ([]UploadRecord, error) {
	var out []UploadRecord
	for rows.Next() {
		var (
			u                  UploadRecord
			kind, status       string
			createdNs, updated int64
		)
		if err := rows.Scan(&u.ID, &u.SessionID, &u.MediaID, &kind, &status, &u.Attempts,
			&u.LastError, &u.URL, &createdNs, &updated); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		u.Kind = UploadKind(kind)
		u.Status = session.UploadStatus(status)
		u.CreatedAt = time.Unix(0, createdNs).UTC()
		u.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

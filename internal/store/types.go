// Package store provides the SQLite index of exam sessions and their uploads.
package store

import (
	"time"

	"examguard/internal/session"
)

// SessionRecord is the index row for one session. The encrypted ledger in
// the session directory remains the source of truth.
type SessionRecord struct {
	SessionID  string
	ExamID     string
	StudentID  string
	Status     session.Status
	StartTime  time.Time
	EndTime    *time.Time
	Score      *int
	Violations int
	Snapshots  int
	Dir        string
	UpdatedAt  time.Time
}

// UploadKind classifies an upload item.
type UploadKind string

const (
	// UploadReport is the session report submission.
	UploadReport UploadKind = "report"
	// UploadSnapshot is one encrypted still image.
	UploadSnapshot UploadKind = "snapshot"
	// UploadVideo is the room scan recording.
	UploadVideo UploadKind = "video"
)

// UploadRecord tracks the remote persistence of one item.
type UploadRecord struct {
	ID        int64
	SessionID string
	MediaID   string
	Kind      UploadKind
	Status    session.UploadStatus
	Attempts  int
	LastError string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

package report

import (
	"encoding/json"
	"fmt"
	"time"

	"examguard/internal/schemavalidation"
	"examguard/internal/session"
)

// Version is the report document version.
const Version = 1

// Report is the final security report of a session.
type Report struct {
	Version        int                       `json:"version"`
	SessionID      string                    `json:"session_id"`
	ExamID         string                    `json:"exam_id,omitempty"`
	StudentID      string                    `json:"student_id,omitempty"`
	Status         session.Status            `json:"status"`
	Violations     []session.ViolationRecord `json:"violations"`
	ExitAttempts   int                       `json:"exit_attempts"`
	TimeOutsideApp time.Duration             `json:"time_outside_app_ns"`
	Score          int                       `json:"score"`
	GeneratedAt    time.Time                 `json:"generated_at"`
	Breakdown      map[string]int            `json:"breakdown"`
	SnapshotCount  int                       `json:"snapshot_count"`
	RoomScan       bool                      `json:"room_scan"`

	// Minimal is set when full generation failed. Score is then zero and
	// must be recomputed from Violations.
	Minimal bool   `json:"minimal,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Generate builds the report of s. It never fails: a panic anywhere in
// generation yields Minimal instead.
func Generate(s session.ExamSession, p Policy, now time.Time) (r Report) {
	defer func() {
		if v := recover(); v != nil {
			r = Minimal(s, now, fmt.Errorf("report generation panicked: %v", v))
		}
	}()

	violations := make([]session.ViolationRecord, len(s.Violations))
	copy(violations, s.Violations)

	breakdown := make(map[string]int)
	for _, v := range violations {
		breakdown[p.SeverityOf(v.Type).String()]++
	}

	return Report{
		Version:        Version,
		SessionID:      s.SessionID,
		ExamID:         s.ExamID,
		StudentID:      s.StudentID,
		Status:         s.Status,
		Violations:     violations,
		ExitAttempts:   s.ExitAttempts,
		TimeOutsideApp: s.TimeOutsideApp,
		Score:          Score(violations, p),
		GeneratedAt:    now.UTC(),
		Breakdown:      breakdown,
		SnapshotCount:  len(s.Snapshots),
		RoomScan:       s.BackCameraVideo != nil,
	}
}

// Minimal is the fallback report carrying identity, raw counters and cause.
func Minimal(s session.ExamSession, now time.Time, cause error) Report {
	violations := make([]session.ViolationRecord, len(s.Violations))
	copy(violations, s.Violations)
	r := Report{
		Version:        Version,
		SessionID:      s.SessionID,
		ExamID:         s.ExamID,
		StudentID:      s.StudentID,
		Status:         s.Status,
		Violations:     violations,
		ExitAttempts:   s.ExitAttempts,
		TimeOutsideApp: s.TimeOutsideApp,
		GeneratedAt:    now.UTC(),
		Breakdown:      map[string]int{},
		Minimal:        true,
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	return r
}

// Marshal encodes r and validates it against the report schema.
func Marshal(r Report) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := schemavalidation.Validate(schemavalidation.Report, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Unmarshal decodes and validates a report document.
func Unmarshal(data []byte) (Report, error) {
	if err := schemavalidation.Validate(schemavalidation.Report, data); err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

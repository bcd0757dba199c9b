package session

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an exam session.
type Status string

// Session statuses. Completed and Terminated are absorbing.
const (
	StatusActive     Status = "ACTIVE"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusTerminated Status = "TERMINATED"
)

// Absorbing reports whether no further mutation is allowed.
func (s Status) Absorbing() bool {
	return s == StatusCompleted || s == StatusTerminated
}

// Open reports whether the session accepts evidence and violations.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPaused
}

// SnapshotReason is why a still image was captured.
type SnapshotReason string

// Snapshot reasons.
const (
	ReasonNoFace        SnapshotReason = "NO_FACE_DETECTED"
	ReasonMultipleFaces SnapshotReason = "MULTIPLE_FACES"
	ReasonLookingAway   SnapshotReason = "LOOKING_AWAY"
	ReasonManual        SnapshotReason = "MANUAL_CAPTURE"
	ReasonPeriodic      SnapshotReason = "PERIODIC_CHECK"
)

// UploadStatus tracks the remote copy of a media item.
type UploadStatus string

// Upload statuses.
const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// ViolationType tags a recorded violation. The set is open; these are the
// types produced by the detectors in this module.
type ViolationType string

// Violation types.
const (
	ViolationNoFace          ViolationType = "NO_FACE"
	ViolationMultipleFaces   ViolationType = "MULTIPLE_FACES"
	ViolationLookingAway     ViolationType = "LOOKING_AWAY"
	ViolationOverlay         ViolationType = "OVERLAY_DETECTED"
	ViolationMultiWindow     ViolationType = "MULTI_WINDOW"
	ViolationExternalDisplay ViolationType = "EXTERNAL_DISPLAY"
	ViolationUserLeftApp     ViolationType = "USER_LEFT_APP"
	ViolationBackButton      ViolationType = "BACK_BUTTON"
	ViolationScreenshot      ViolationType = "SCREENSHOT_ATTEMPT"
	ViolationScanFailed      ViolationType = "SCAN_FAILED"
)

// Severity orders violations. Low < Medium < High < Critical.
type Severity int

// Severities.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityLow || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", name)
}

// Security event types. Lifecycle events are written by the Manager.
const (
	EventSessionStarted    = "SESSION_STARTED"
	EventSessionPaused     = "SESSION_PAUSED"
	EventSessionResumed    = "SESSION_RESUMED"
	EventSessionSubmitted  = "SESSION_SUBMITTED"
	EventSessionTerminated = "SESSION_TERMINATED"
	EventScanScheduled     = "SCAN_SCHEDULED"
	EventScanCompleted     = "SCAN_COMPLETED"
	EventScanCancelled     = "SCAN_CANCELLED"
	EventAcknowledged      = "VIOLATION_ACKNOWLEDGED"
)

// MediaSnapshot is one encrypted still image.
type MediaSnapshot struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	FilePath     string         `json:"file_path"`
	Reason       SnapshotReason `json:"reason"`
	UploadURL    string         `json:"upload_url,omitempty"`
	UploadStatus UploadStatus   `json:"upload_status"`
	Size         int64          `json:"size"`
}

// Coverage is the angular sweep achieved by a room scan.
type Coverage struct {
	YawProgress   float64 `json:"yaw_progress"`
	PitchComplete bool    `json:"pitch_complete"`
}

// MediaVideo is the encrypted room scan recording.
type MediaVideo struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	FilePath     string        `json:"file_path"`
	Duration     time.Duration `json:"duration_ns"`
	UploadURL    string        `json:"upload_url,omitempty"`
	UploadStatus UploadStatus  `json:"upload_status"`
	Size         int64         `json:"size"`
	Coverage     Coverage      `json:"coverage"`
}

// ViolationRecord is one logged violation.
type ViolationRecord struct {
	Type        ViolationType `json:"type"`
	Timestamp   time.Time     `json:"timestamp"`
	Description string        `json:"description"`
	SnapshotID  string        `json:"snapshot_id,omitempty"`
	Severity    Severity      `json:"severity"`
}

// SecurityEvent is a lifecycle or security event.
type SecurityEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// ExamSession is the aggregate for one exam attempt.
type ExamSession struct {
	SessionID         string            `json:"session_id"`
	ExamID            string            `json:"exam_id"`
	StudentID         string            `json:"student_id"`
	StartTime         time.Time         `json:"start_time"`
	EndTime           *time.Time        `json:"end_time,omitempty"`
	Snapshots         []MediaSnapshot   `json:"snapshots"`
	BackCameraVideo   *MediaVideo       `json:"back_camera_video,omitempty"`
	Violations        []ViolationRecord `json:"violations"`
	SecurityEvents    []SecurityEvent   `json:"security_events"`
	Status            Status            `json:"status"`
	TerminationReason string            `json:"termination_reason,omitempty"`
	ExitAttempts      int               `json:"exit_attempts"`
	TimeOutsideApp    time.Duration     `json:"time_outside_app_ns"`

	// ExportKey is only populated in the export document.
	ExportKey string `json:"export_key,omitempty"`
}

// Duration is now-start while the session is open, end-start afterwards.
func (s *ExamSession) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// Clone returns a deep copy.
func (s *ExamSession) Clone() ExamSession {
	c := *s
	c.Snapshots = append(make([]MediaSnapshot, 0, len(s.Snapshots)), s.Snapshots...)
	c.Violations = append(make([]ViolationRecord, 0, len(s.Violations)), s.Violations...)
	c.SecurityEvents = append(make([]SecurityEvent, 0, len(s.SecurityEvents)), s.SecurityEvents...)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.BackCameraVideo != nil {
		v := *s.BackCameraVideo
		c.BackCameraVideo = &v
	}
	return c
}

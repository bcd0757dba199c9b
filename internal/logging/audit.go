package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventSessionStart AuditEventType = "session_start"
	AuditEventSessionEnd   AuditEventType = "session_end"
	AuditEventViolation    AuditEventType = "violation"
	AuditEventSnapshot     AuditEventType = "snapshot"
	AuditEventScan         AuditEventType = "room_scan"
	AuditEventResponse     AuditEventType = "response"
	AuditEventUpload       AuditEventType = "upload"
	AuditEventError        AuditEventType = "error"
)

// AuditEvent is one line of a session's audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"` // "success", "failure", "rejected"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditSink stores rendered audit lines. The session vault implements it
// by appending encrypted records under the session's logs directory.
type AuditSink interface {
	AppendLog(line string) error
}

// AuditLogger renders audit events as JSON lines into a sink.
type AuditLogger struct {
	mu        sync.Mutex
	sink      AuditSink
	sessionID string
	fallback  *Logger
}

// NewAuditLogger creates an audit logger for one session. Sink failures are
// reported to fallback so an unwritable trail never blocks the exam.
func NewAuditLogger(sink AuditSink, sessionID string, fallback *Logger) *AuditLogger {
	if fallback == nil {
		fallback = Discard()
	}
	return &AuditLogger{sink: sink, sessionID: sessionID, fallback: fallback}
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil || a.sink == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.Result == "" {
		event.Result = "success"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.sink.AppendLog(string(data)); err != nil {
		a.fallback.WarnContext(ctx, "audit append failed",
			"event_type", string(event.EventType), "error", err)
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogViolation records a detected violation.
func (a *AuditLogger) LogViolation(ctx context.Context, violationType, severity, description string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventViolation,
		Action:    violationType,
		Details: map[string]any{
			"severity":    severity,
			"description": description,
		},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
	})
}

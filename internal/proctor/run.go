package proctor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"examguard/internal/capture"
	"examguard/internal/config"
	"examguard/internal/detector"
	"examguard/internal/logging"
	"examguard/internal/monitor"
	"examguard/internal/report"
	"examguard/internal/scan"
	"examguard/internal/sentinel"
	"examguard/internal/session"
	"examguard/internal/vault"
)

// run is the state of one session. Every timer and goroutine it starts
// derives from ctx.
type run struct {
	p         *Proctor
	id        string
	cfg       *config.Config
	policy    report.Policy
	responder *report.Responder
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	monitor  *monitor.Monitor
	pipeline *capture.Pipeline
	scan     *scan.Scheduler
	sentinel *sentinel.Detector

	periodic  bool
	latest    atomic.Pointer[detector.Frame]
	scanState atomic.Int32

	// violations serializes ledger logging with the responder so both
	// see violations in the same order.
	violations sync.Mutex

	mu       sync.Mutex
	notice   *Notice
	held     bool
	scanning bool
	result   *Result

	closing    atomic.Bool
	finishOnce sync.Once
	examOnce   sync.Once
	finishErr  error
	wg         sync.WaitGroup
	stopped    chan struct{}
}

func (r *run) dir() string {
	return vault.SessionDir(r.cfg.SessionsDir(), r.id)
}

func (r *run) latestFrame() (detector.Frame, bool) {
	f := r.latest.Load()
	if f == nil {
		return detector.Frame{}, false
	}
	return *f, true
}

func (r *run) state() State {
	st := State{Scan: scan.State(r.scanState.Load())}
	if s, ok := r.p.ledger.Snapshot(); ok && s.SessionID == r.id {
		st.Session = s
		st.HasSession = true
	}
	if r.monitor != nil {
		st.Monitoring = r.monitor.IsMonitoring()
	}
	r.mu.Lock()
	if r.notice != nil {
		n := *r.notice
		st.Notice = &n
	}
	if r.result != nil {
		res := *r.result
		st.Result = &res
		st.Finished = true
	}
	r.mu.Unlock()
	return st
}

// forwardLedger republishes State on every persisted ledger change.
func (r *run) forwardLedger() {
	ch, cancel := r.p.ledger.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		for {
			select {
			case <-r.ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				r.p.publish()
			}
		}
	}()
}

// onOutcome receives every classification from the monitor.
func (r *run) onOutcome(ctx context.Context, frame detector.Frame, res detector.Result, out monitor.Outcome) {
	var saved <-chan capture.Saved
	if out.Snapshot {
		var d capture.Decision
		d, saved = r.pipeline.Capture(ctx, frame, out.SnapshotReason)
		r.countDecision(d)
	}
	if !out.Raised() {
		return
	}
	var snapshotID string
	if s, ok := capture.Await(ctx, saved, snapshotWait); ok {
		snapshotID = s.Snapshot.ID
	}
	r.violation(ctx, out.Violation, out.Description, snapshotID)
}

// reportEnvironment receives violations from the sentinel.
func (r *run) reportEnvironment(ctx context.Context, v sentinel.Violation) {
	if v.Type == session.ViolationUserLeftApp && v.Duration > 0 && !r.closing.Load() {
		if err := r.p.ledger.RecordTimeOutside(ctx, v.Duration); err != nil {
			r.log.WarnContext(ctx, "record time outside failed", "error", err)
		}
	}
	r.violation(ctx, v.Type, v.Description, "")
}

// violation logs vt and applies the responder's decision.
func (r *run) violation(ctx context.Context, vt session.ViolationType, desc, snapshotID string) {
	defer r.notifyExam()
	r.violations.Lock()
	defer r.violations.Unlock()
	if r.closing.Load() {
		return
	}

	rec, err := r.p.ledger.LogViolation(ctx, vt, desc, snapshotID)
	if err != nil {
		r.log.WarnContext(ctx, "log violation failed", "type", string(vt), "error", err)
		return
	}
	resp := r.responder.Handle(vt)
	r.p.deps.Metrics.Violation(resp.Severity.String())
	if err := r.p.ledger.RecordEscalation(ctx, resp.ExitAttempts); err != nil {
		r.log.WarnContext(ctx, "record escalation failed", "error", err)
	}
	r.log.InfoContext(ctx, "violation handled",
		"type", string(vt), "severity", resp.Severity.String(),
		"action", resp.Action.String(), "exit_attempts", resp.ExitAttempts)

	var n *Notice
	if resp.RequiresAck {
		n = &Notice{
			Type:         vt,
			Severity:     resp.Severity,
			Description:  desc,
			Action:       resp.Action,
			ExitAttempts: resp.ExitAttempts,
			UrgentReview: resp.UrgentReview,
			At:           rec.Timestamp,
		}
	}

	switch resp.Action {
	case report.ActionPause:
		r.hold(ctx, n)
	case report.ActionAutoSubmit:
		r.setNotice(n)
		r.log.WarnContext(ctx, "exit threshold reached, submitting exam",
			"exit_attempts", resp.ExitAttempts)
		if _, err := r.finalizeLocked(ctx, false, ""); err != nil {
			r.log.ErrorContext(ctx, "auto submit failed", "error", err)
		}
		return
	default:
		if n != nil {
			r.setNotice(n)
		}
	}
	r.p.publish()
}

func (r *run) countDecision(d capture.Decision) {
	if _, ok := d.(capture.Rejected); ok {
		r.p.deps.Metrics.SnapshotsRejected.Inc()
	}
}

func (r *run) setNotice(n *Notice) {
	r.mu.Lock()
	r.notice = n
	r.mu.Unlock()
}

// hold pauses the exam after a Critical violation until acknowledged. An
// in-progress room scan is cancelled and a scheduled one waits.
func (r *run) hold(ctx context.Context, n *Notice) {
	r.mu.Lock()
	r.held = true
	r.notice = n
	r.mu.Unlock()

	r.monitor.Pause()
	r.scan.Hold()
	if st := r.scan.State(); st == scan.StateTriggered || st == scan.StateRecording {
		r.scan.Cancel("critical violation")
		if err := r.p.ledger.LogSecurityEvent(ctx, session.EventScanCancelled, "critical violation"); err != nil {
			r.log.WarnContext(ctx, "log scan event failed", "error", err)
		}
	}
	reason := fmt.Sprintf("critical violation: %s", n.Type)
	if _, err := r.p.ledger.PauseSession(ctx, reason); err != nil {
		r.log.WarnContext(ctx, "pause session failed", "error", err)
	}
	r.p.deps.Exam.Pause(reason)
}

func (r *run) acknowledge(ctx context.Context) error {
	r.mu.Lock()
	n, held, scanning := r.notice, r.held, r.scanning
	r.notice, r.held = nil, false
	r.mu.Unlock()
	if n == nil {
		return nil
	}

	if err := r.p.ledger.LogSecurityEvent(ctx, session.EventAcknowledged, string(n.Type)); err != nil {
		r.log.WarnContext(ctx, "log acknowledgement failed", "error", err)
	}
	if held {
		if _, err := r.p.ledger.ResumeSession(ctx); err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
		r.p.deps.Exam.Resume()
		if !scanning {
			r.monitor.Resume()
		}
		r.scan.Release()
	}
	r.p.publish()
	return nil
}

func (r *run) pauseForScan() {
	r.mu.Lock()
	r.scanning = true
	r.mu.Unlock()
	r.monitor.Pause()
}

// resumeAfterScan runs after every scan attempt. Detection stays paused
// while a Critical notice holds the exam.
func (r *run) resumeAfterScan() {
	r.mu.Lock()
	r.scanning = false
	held := r.held
	r.mu.Unlock()
	if !held && !r.closing.Load() {
		r.monitor.Resume()
	}
}

// onScanState runs under the scheduler lock.
func (r *run) onScanState(st scan.State) {
	r.scanState.Store(int32(st))
	if st.Terminal() {
		r.p.deps.Metrics.Scan(st.String())
	}
	if st == scan.StateError && !r.closing.Load() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			desc := "room scan failed"
			if err := r.scan.Err(); err != nil {
				desc += ": " + err.Error()
			}
			r.violation(r.ctx, session.ViolationScanFailed, desc, "")
		}()
	}
	r.p.publish()
}

// videoSink records a finished scan in the ledger.
type videoSink struct{ r *run }

func (v videoSink) SaveBackCameraVideo(ctx context.Context, path string, d time.Duration, cov session.Coverage) bool {
	if !v.r.p.ledger.SaveBackCameraVideo(ctx, path, d, cov) {
		return false
	}
	details := fmt.Sprintf("duration %s, yaw %.0f%%, pitch %t",
		d.Round(time.Second), cov.YawProgress*100, cov.PitchComplete)
	if err := v.r.p.ledger.LogSecurityEvent(ctx, session.EventScanCompleted, details); err != nil {
		v.r.log.WarnContext(ctx, "log scan event failed", "error", err)
	}
	return true
}

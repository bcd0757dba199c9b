// Package sentinel turns window focus, display and app lifecycle signals
// into exam violations.
//
// Focus loss is noisy: system UI such as the notification shade or a
// permission prompt steals focus for a moment. An overlay is only reported
// once a loss outlasts the debounce and is then confirmed, either because
// losses keep repeating or because focus is still gone on re-check. The
// detector never decides the response; it forwards violations to a Reporter.
package sentinel

import (
	"context"
	"errors"
	"sync"
	"time"

	"examguard/internal/logging"
	"examguard/internal/session"
)

var (
	// ErrAlreadyRunning is returned when Start is called while running.
	ErrAlreadyRunning = errors.New("sentinel: already running")

	// ErrNoReporter is returned when the detector has nowhere to send violations.
	ErrNoReporter = errors.New("sentinel: reporter is nil")
)

// Violation is one detected environment violation.
type Violation struct {
	Type        session.ViolationType
	Description string
	At          time.Time
	// Duration is the focus loss or time spent outside the app, if relevant.
	Duration time.Duration
	Display  *DisplayInfo
}

// Reporter receives violations.
type Reporter interface {
	ReportViolation(ctx context.Context, v Violation)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, v Violation)

// ReportViolation calls f.
func (f ReporterFunc) ReportViolation(ctx context.Context, v Violation) { f(ctx, v) }

// FocusSource reports whether the exam window currently holds focus.
type FocusSource interface {
	HasWindowFocus() bool
}

// DisplayInfo describes a connected display.
type DisplayInfo struct {
	ID     int
	Name   string
	Width  int
	Height int
}

// Detector watches one exam session.
type Detector struct {
	cfg      Config
	reporter Reporter
	focusSrc FocusSource
	log      *logging.Logger
	now      func() time.Time

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	wg            sync.WaitGroup
	focus         focusState
	suppressUntil time.Time
	displays      map[int]DisplayInfo
	multiWindow   bool
	backgrounded  bool
	bgAt          time.Time
	timeOutside   time.Duration
	overlays      int
}

// Option configures a Detector.
type Option func(*Detector)

// WithFocusSource enables focus polling and re-checks against src.
func WithFocusSource(src FocusSource) Option { return func(d *Detector) { d.focusSrc = src } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(d *Detector) { d.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// New returns a stopped detector.
func New(cfg Config, reporter Reporter, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reporter == nil {
		return nil, ErrNoReporter
	}
	d := &Detector{
		cfg:      cfg,
		reporter: reporter,
		now:      time.Now,
		displays: make(map[int]DisplayInfo),
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	d.log = d.log.WithComponent("sentinel")
	return d, nil
}

// Start begins detection. Events delivered before Start or after Stop are
// ignored.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.focus = focusState{}

	if d.focusSrc != nil && d.cfg.PollInterval > 0 {
		d.wg.Add(1)
		go d.poll(d.ctx)
	}
	return nil
}

// Stop ends detection and cancels pending re-checks.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.focus.stopTimers()
	d.mu.Unlock()
	d.wg.Wait()
}

// SuppressFor ignores focus-based signals for dur, for the app's own dialogs.
// A later call may extend but never shorten the window.
func (d *Detector) SuppressFor(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	until := d.now().Add(dur)
	if until.After(d.suppressUntil) {
		d.suppressUntil = until
	}
}

// Suppressed reports whether focus-based detection is currently suppressed.
func (d *Detector) Suppressed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressedLocked(d.now())
}

func (d *Detector) suppressedLocked(at time.Time) bool {
	return at.Before(d.suppressUntil)
}

// TimeOutside returns the accumulated time the app spent in the background.
func (d *Detector) TimeOutside() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeOutside
}

// OverlayCount returns the number of overlay episodes reported.
func (d *Detector) OverlayCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlays
}

// report sends v outside the lock. Callers pass the context captured while
// holding it.
func (d *Detector) report(ctx context.Context, v Violation) {
	d.log.InfoContext(ctx, "violation detected",
		"type", string(v.Type), "duration", v.Duration.String())
	d.reporter.ReportViolation(ctx, v)
}

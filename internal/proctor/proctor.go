// Package proctor runs one proctored exam session end to end.
//
// A Proctor owns the session ledger and, for each session, wires the face
// monitor, the snapshot pipeline, the room scan scheduler and the
// environment sentinel to the violation responder. Finalization produces
// the security report, indexes the session and hands the submission to the
// uploader.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"examguard/internal/capture"
	"examguard/internal/config"
	"examguard/internal/detector"
	"examguard/internal/logging"
	"examguard/internal/metrics"
	"examguard/internal/monitor"
	"examguard/internal/report"
	"examguard/internal/scan"
	"examguard/internal/sentinel"
	"examguard/internal/session"
	"examguard/internal/store"
	"examguard/internal/upload"
)

// Errors
var (
	ErrNoCamera      = errors.New("proctor: no face finder configured")
	ErrNoSession     = errors.New("proctor: no session in progress")
	ErrSessionActive = errors.New("proctor: a session is already in progress")
)

// ExamControl relays decisions to the exam UI and countdown.
type ExamControl interface {
	Pause(reason string)
	Resume()
	Submit()
	Terminate(reason string)
}

type noExam struct{}

func (noExam) Pause(string)     {}
func (noExam) Resume()          {}
func (noExam) Submit()          {}
func (noExam) Terminate(string) {}

// Deps are the collaborators supplied by the host application. Only Finder
// is required.
type Deps struct {
	Finder      detector.FaceFinder
	Recorder    scan.Recorder
	Orientation scan.OrientationSource
	Focus       sentinel.FocusSource
	Exam        ExamControl
	Uploader    upload.Uploader
	Index       *store.Store
	Logger      *logging.Logger
	// Metrics receives pipeline counters. Nil keeps a private registry.
	Metrics *metrics.Proctor
	// Rand seeds the scan trigger time. Nil uses a random seed.
	Rand *rand.Rand
}

// StartParams identify a new session.
type StartParams struct {
	ExamID       string
	StudentID    string
	ExamDuration time.Duration
}

// Notice is a violation awaiting acknowledgement by the student.
type Notice struct {
	Type         session.ViolationType
	Severity     session.Severity
	Description  string
	Action       report.Action
	ExitAttempts int
	UrgentReview bool
	At           time.Time
}

// Result is the outcome of a finished session.
type Result struct {
	Session  session.ExamSession
	Report   report.Report
	Uploaded bool
}

// State is what the exam UI observes.
type State struct {
	Session    session.ExamSession
	HasSession bool
	Monitoring bool
	Scan       scan.State
	Notice     *Notice
	Finished   bool
	Result     *Result
}

// snapshotWait bounds how long a violation waits for its evidence frame.
const snapshotWait = 5 * time.Second

// Proctor supervises exam sessions, one at a time.
type Proctor struct {
	deps   Deps
	log    *logging.Logger
	ledger *session.Manager
	policy atomic.Pointer[report.Policy]

	mu  sync.Mutex
	cfg *config.Config
	cur *run

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int
}

// New validates cfg and returns an idle Proctor.
func New(cfg *config.Config, deps Deps) (*Proctor, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("proctor config: %w", err)
	}
	if deps.Finder == nil {
		return nil, ErrNoCamera
	}
	if deps.Exam == nil {
		deps.Exam = noExam{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewProctor(metrics.NewRegistry("examguard"))
	}

	p := &Proctor{
		deps: deps,
		log:  deps.Logger.WithComponent("proctor"),
		cfg:  cfg.Clone(),
		subs: make(map[int]chan State),
	}
	policy := report.PolicyFromConfig(cfg.Report)
	p.policy.Store(&policy)
	p.ledger = session.NewManager(cfg.SessionsDir(),
		session.WithMaxSnapshots(cfg.Storage.MaxSnapshots),
		session.WithSeverity(func(vt session.ViolationType) session.Severity {
			return p.policy.Load().SeverityOf(vt)
		}),
		session.WithLogger(deps.Logger),
	)
	return p, nil
}

// Metrics returns the pipeline metrics.
func (p *Proctor) Metrics() *metrics.Proctor { return p.deps.Metrics }

// Ledger exposes the session manager.
func (p *Proctor) Ledger() *session.Manager { return p.ledger }

// SetConfig replaces the configuration used by the next session. The
// running session keeps the configuration it started with.
func (p *Proctor) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if err := cfg.Validate(); err != nil {
		p.log.Warn("ignoring invalid configuration", "error", err)
		return
	}
	p.mu.Lock()
	p.cfg = cfg.Clone()
	p.mu.Unlock()
	p.log.Info("configuration updated for next session")
}

// Watch applies every reload of l to the next session.
func (p *Proctor) Watch(l *config.Loader) {
	l.OnChange(p.SetConfig)
}

// Start opens a session and starts every monitor.
func (p *Proctor) Start(ctx context.Context, params StartParams) (session.ExamSession, error) {
	p.mu.Lock()
	if p.cur != nil && !p.cur.closing.Load() {
		p.mu.Unlock()
		return session.ExamSession{}, ErrSessionActive
	}
	cfg := p.cfg.Clone()
	p.mu.Unlock()

	det, err := detector.New(p.deps.Finder, cfg.Detection.LookAwayDegrees)
	if err != nil {
		return session.ExamSession{}, fmt.Errorf("start session: %w", err)
	}
	policy := report.PolicyFromConfig(cfg.Report)
	p.policy.Store(&policy)

	r := &run{
		p:         p,
		cfg:       cfg,
		policy:    policy,
		responder: report.NewResponder(policy, 0),
		stopped:   make(chan struct{}),
	}
	r.sentinel, err = sentinel.New(sentinel.Config{
		Debounce:      cfg.Overlay.Debounce(),
		ConfirmWindow: cfg.Overlay.ConfirmWindow(),
		RepeatCount:   cfg.Overlay.RepeatCount,
		RecheckDelay:  cfg.Overlay.RecheckDelay(),
		PollInterval:  cfg.Overlay.PollInterval(),
	}, sentinel.ReporterFunc(r.reportEnvironment),
		sentinel.WithFocusSource(p.deps.Focus),
		sentinel.WithLogger(p.deps.Logger))
	if err != nil {
		return session.ExamSession{}, fmt.Errorf("start session: %w", err)
	}

	s, err := p.ledger.StartSession(ctx, params.ExamID, params.StudentID)
	if err != nil {
		return session.ExamSession{}, fmt.Errorf("start session: %w", err)
	}
	r.id = s.SessionID
	r.log = p.deps.Logger.WithComponent("proctor").WithSession(s.SessionID)
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	r.pipeline = capture.NewPipeline(r.ctx,
		capture.NewThrottler(p.ledger, cfg.Capture.Cooldown()),
		p.ledger, cfg.Capture.QueueSize, p.deps.Logger)
	r.monitor = monitor.New(det, monitor.HandlerFunc(r.onOutcome), monitor.Config{
		Interval: cfg.Detection.AnalysisInterval(),
		Thresholds: monitor.Thresholds{
			NoFace:      cfg.Detection.NoFaceThreshold,
			LookingAway: cfg.Detection.LookingAwayThreshold,
		},
		Logger: p.deps.Logger,
	})
	scanEnabled := cfg.Scan.Enabled && p.deps.Recorder != nil
	if cfg.Scan.Enabled && p.deps.Recorder == nil {
		r.log.Warn("room scan disabled: no back camera recorder")
	}
	r.scan = scan.New(scan.Config{
		Enabled:         scanEnabled,
		MinExamDuration: cfg.Scan.MinExamDuration(),
		WindowStart:     cfg.Scan.WindowStart,
		WindowEnd:       cfg.Scan.WindowEnd,
		SoftTarget:      cfg.Scan.SoftTarget(),
		HardCap:         cfg.Scan.HardCap(),
		TargetSweep:     cfg.Scan.TargetSweepDegrees,
		PitchThreshold:  cfg.Scan.PitchDegrees,
		Rand:            p.deps.Rand,
		Logger:          p.deps.Logger,
		OnState:         r.onScanState,
	}, p.deps.Recorder, p.deps.Orientation, videoSink{r}, scan.Hooks{
		PauseDetection:  r.pauseForScan,
		ResumeDetection: r.resumeAfterScan,
	})

	p.mu.Lock()
	p.cur = r
	p.mu.Unlock()

	if p.deps.Index != nil {
		rec := store.RecordFromSession(s, r.dir(), nil)
		if err := p.deps.Index.UpsertSession(rec); err != nil {
			r.log.WarnContext(ctx, "index session failed", "error", err)
		}
	}

	r.monitor.Start(r.ctx)
	if err := r.sentinel.Start(r.ctx); err != nil {
		r.log.WarnContext(ctx, "sentinel not started", "error", err)
	}
	if err := r.scan.Start(r.ctx, params.ExamDuration); err != nil {
		r.log.WarnContext(ctx, "room scan not scheduled", "error", err)
	} else if r.scan.State() == scan.StateScheduled {
		details := "after " + r.scan.TriggerAt().Round(time.Second).String()
		if err := p.ledger.LogSecurityEvent(ctx, session.EventScanScheduled, details); err != nil {
			r.log.WarnContext(ctx, "log scan event failed", "error", err)
		}
	}
	if interval := cfg.Capture.PeriodicInterval(); interval > 0 {
		r.periodic = true
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pipeline.RunPeriodic(r.ctx, interval, r.latestFrame)
		}()
	}
	r.forwardLedger()

	p.deps.Metrics.SessionsStarted.Inc()
	p.deps.Metrics.ActiveSessions.Inc()
	r.log.InfoContext(ctx, "session started",
		"exam_id", params.ExamID, "exam_duration", params.ExamDuration.String())
	p.publish()
	s, _ = p.ledger.Snapshot()
	return s, nil
}

func (p *Proctor) active() *run {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil || p.cur.closing.Load() {
		return nil
	}
	return p.cur
}

func (p *Proctor) last() *run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// OfferFrame hands a front camera frame to the monitor. It reports whether
// the frame was queued for classification.
func (p *Proctor) OfferFrame(frame detector.Frame) bool {
	r := p.active()
	if r == nil {
		return false
	}
	if r.periodic {
		c := frame.Clone()
		r.latest.Store(&c)
	}
	return r.monitor.Offer(frame)
}

// CaptureManual requests a ManualCapture snapshot of frame.
func (p *Proctor) CaptureManual(ctx context.Context, frame detector.Frame) (capture.Decision, error) {
	r := p.active()
	if r == nil {
		return nil, ErrNoSession
	}
	d, _ := r.pipeline.Capture(ctx, frame, session.ReasonManual)
	r.countDecision(d)
	return d, nil
}

// FocusChanged forwards a window focus change.
func (p *Proctor) FocusChanged(hasFocus bool, at time.Time) {
	if r := p.active(); r != nil {
		r.sentinel.FocusChanged(hasFocus, at)
	}
}

// DisplayAdded forwards a newly connected display.
func (p *Proctor) DisplayAdded(info sentinel.DisplayInfo) {
	if r := p.active(); r != nil {
		r.sentinel.DisplayAdded(info)
	}
}

// DisplayRemoved forwards a disconnected display.
func (p *Proctor) DisplayRemoved(id int) {
	if r := p.active(); r != nil {
		r.sentinel.DisplayRemoved(id)
	}
}

// MultiWindowChanged forwards split screen or picture-in-picture changes.
func (p *Proctor) MultiWindowChanged(active bool) {
	if r := p.active(); r != nil {
		r.sentinel.MultiWindowChanged(active)
	}
}

// AppBackgrounded forwards the app leaving the foreground.
func (p *Proctor) AppBackgrounded() {
	if r := p.active(); r != nil {
		r.sentinel.AppBackgrounded()
	}
}

// AppForegrounded forwards the app returning to the foreground.
func (p *Proctor) AppForegrounded() {
	if r := p.active(); r != nil {
		r.sentinel.AppForegrounded()
	}
}

// BackPressed forwards a back navigation attempt.
func (p *Proctor) BackPressed() {
	if r := p.active(); r != nil {
		r.sentinel.BackPressed()
	}
}

// ScreenshotTaken forwards a screenshot attempt.
func (p *Proctor) ScreenshotTaken() {
	if r := p.active(); r != nil {
		r.sentinel.ScreenshotTaken()
	}
}

// SuppressFor mutes focus based detection while the app shows its own
// dialogs.
func (p *Proctor) SuppressFor(d time.Duration) {
	if r := p.active(); r != nil {
		r.sentinel.SuppressFor(d)
	}
}

// Acknowledge dismisses the pending notice. A session paused by a Critical
// violation resumes.
func (p *Proctor) Acknowledge(ctx context.Context) error {
	r := p.active()
	if r == nil {
		return ErrNoSession
	}
	return r.acknowledge(ctx)
}

// Submit finalizes the session as Completed.
func (p *Proctor) Submit(ctx context.Context) (Result, error) {
	r := p.active()
	if r == nil {
		if r = p.last(); r == nil {
			return Result{}, ErrNoSession
		}
	}
	return r.finalize(ctx, false, "")
}

// Terminate finalizes the session as Terminated.
func (p *Proctor) Terminate(ctx context.Context, reason string) (Result, error) {
	r := p.active()
	if r == nil {
		if r = p.last(); r == nil {
			return Result{}, ErrNoSession
		}
	}
	return r.finalize(ctx, true, reason)
}

// Wait blocks until the components of the last session have stopped.
func (p *Proctor) Wait() {
	if r := p.last(); r != nil && r.closing.Load() {
		<-r.stopped
	}
}

// Close terminates a session still in progress, waits for its components
// and releases the ledger.
func (p *Proctor) Close() error {
	if r := p.active(); r != nil {
		if _, err := r.finalize(context.Background(), true, "proctor closed"); err != nil {
			p.log.Warn("terminate on close failed", "error", err)
		}
	}
	p.Wait()

	p.subMu.Lock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.subMu.Unlock()
	return p.ledger.Close()
}

// Subscribe returns a channel carrying the latest State. Slow subscribers
// only see the newest value. Call cancel to stop.
func (p *Proctor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subMu.Unlock()

	if st, ok := p.State(); ok {
		ch <- st
	}
	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
}

// State returns the current state. It reports false before the first
// session.
func (p *Proctor) State() (State, bool) {
	r := p.last()
	if r == nil {
		return State{}, false
	}
	return r.state(), true
}

func (p *Proctor) publish() {
	st, ok := p.State()
	if !ok {
		return
	}
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

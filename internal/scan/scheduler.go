// Package scan schedules and drives the single back-camera room scan of an
// exam session.
package scan

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"examguard/internal/logging"
	"examguard/internal/session"
)

// State is the scheduler state.
type State int

// Scheduler states.
const (
	StateIdle State = iota
	StateScheduled
	StateTriggered
	StateRecording
	StateCompleted
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScheduled:
		return "SCHEDULED"
	case StateTriggered:
		return "TRIGGERED"
	case StateRecording:
		return "RECORDING"
	case StateCompleted:
		return "COMPLETED"
	case StateError:
		return "ERROR"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// Defaults.
const (
	DefaultMinExamDuration = 5 * time.Minute
	DefaultWindowStart     = 0.15
	DefaultWindowEnd       = 0.85
	DefaultSoftTarget      = 10 * time.Second
	DefaultHardCap         = 30 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("scan: already started")
	ErrNoRecorder     = errors.New("scan: recorder is nil")
)

// Recorder drives the back camera.
type Recorder interface {
	Start(ctx context.Context) (Recording, error)
}

// Recording is an in-progress video capture.
type Recording interface {
	// Failed yields at most one error if the camera fails mid-recording.
	Failed() <-chan error
	// Finish stops the recording and returns the local video path.
	Finish() (string, error)
	// Discard stops the recording and removes any partial output.
	Discard()
}

// OrientationSource supplies rotation-vector samples while a scan runs.
type OrientationSource interface {
	Samples(ctx context.Context) (<-chan Quaternion, error)
}

// VideoSink encrypts and registers the finished recording.
type VideoSink interface {
	SaveBackCameraVideo(ctx context.Context, path string, duration time.Duration, coverage session.Coverage) bool
}

// Hooks let the scheduler pause front-camera detection for the scan.
type Hooks struct {
	PauseDetection  func()
	ResumeDetection func()
}

// Config holds scheduler tuning.
type Config struct {
	Enabled         bool
	MinExamDuration time.Duration
	WindowStart     float64
	WindowEnd       float64
	SoftTarget      time.Duration
	HardCap         time.Duration
	TargetSweep     float64
	PitchThreshold  float64

	Rand   *rand.Rand
	Logger *logging.Logger
	// OnState observes transitions. It runs under the scheduler lock and
	// must not call back into the Scheduler.
	OnState func(State)
}

// PickTriggerTime returns a uniformly random offset in [lo*d, hi*d].
func PickTriggerTime(rng *rand.Rand, d time.Duration, lo, hi float64) time.Duration {
	start := time.Duration(float64(d) * lo)
	end := time.Duration(float64(d) * hi)
	if end <= start {
		return start
	}
	return start + time.Duration(rng.Int64N(int64(end-start)+1))
}

// Scheduler owns the room scan of one session.
type Scheduler struct {
	cfg    Config
	rec    Recorder
	orient OrientationSource
	sink   VideoSink
	hooks  Hooks
	log    *logging.Logger

	mu        sync.Mutex
	state     State
	started   bool
	triggerAt time.Duration
	cancel    context.CancelFunc
	reason    string
	tracker   *CoverageTracker
	err       error
	done      chan struct{}
	// gate is non-nil while Hold keeps the scan from triggering.
	gate chan struct{}
}

// New returns an idle scheduler. orient may be nil when the device has no
// rotation sensor.
func New(cfg Config, rec Recorder, orient OrientationSource, sink VideoSink, hooks Hooks) *Scheduler {
	if cfg.WindowStart == 0 && cfg.WindowEnd == 0 {
		cfg.WindowStart, cfg.WindowEnd = DefaultWindowStart, DefaultWindowEnd
	}
	if cfg.SoftTarget <= 0 {
		cfg.SoftTarget = DefaultSoftTarget
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = DefaultHardCap
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	done := make(chan struct{})
	close(done)
	return &Scheduler{
		cfg:    cfg,
		rec:    rec,
		orient: orient,
		sink:   sink,
		hooks:  hooks,
		log:    log.WithComponent("scan"),
		done:   done,
	}
}

// Start schedules the scan for an exam lasting examDuration. A disabled
// scheduler or a short exam stays Idle and Start returns nil.
func (s *Scheduler) Start(ctx context.Context, examDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	if !s.cfg.Enabled || examDuration < s.cfg.MinExamDuration {
		s.log.InfoContext(ctx, "room scan not scheduled",
			"enabled", s.cfg.Enabled, "exam_duration", examDuration.String())
		return nil
	}
	if s.rec == nil {
		return ErrNoRecorder
	}

	s.triggerAt = PickTriggerTime(s.cfg.Rand, examDuration, s.cfg.WindowStart, s.cfg.WindowEnd)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setStateLocked(StateScheduled)
	s.log.InfoContext(ctx, "room scan scheduled", "after", s.triggerAt.String())

	go s.wait(runCtx, s.triggerAt, s.done)
	return nil
}

func (s *Scheduler) wait(ctx context.Context, after time.Duration, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(after)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.finish(StateCancelled, nil)
		return
	case <-timer.C:
	}
	s.run(ctx)
}

// trigger moves Scheduled to Triggered once no Hold is in effect.
func (s *Scheduler) trigger(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.state != StateScheduled {
			s.mu.Unlock()
			return false
		}
		gate := s.gate
		if gate == nil {
			s.setStateLocked(StateTriggered)
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()

		s.log.DebugContext(ctx, "room scan due, waiting for release")
		select {
		case <-ctx.Done():
			s.finish(StateCancelled, nil)
			return false
		case <-gate:
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	if !s.trigger(ctx) {
		return
	}

	if s.hooks.PauseDetection != nil {
		s.hooks.PauseDetection()
	}
	if s.hooks.ResumeDetection != nil {
		defer s.hooks.ResumeDetection()
	}
	defer logging.Recover(s.log, "scan", func(err error) { s.finish(StateError, err) })

	recording, err := s.rec.Start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(StateCancelled, nil)
			return
		}
		s.log.ErrorContext(ctx, "back camera failed to start", "error", err)
		s.finish(StateError, err)
		return
	}

	tracker := NewCoverageTracker(s.cfg.TargetSweep, s.cfg.PitchThreshold)
	s.mu.Lock()
	s.tracker = tracker
	s.mu.Unlock()
	if !s.transition(StateTriggered, StateRecording) {
		recording.Discard()
		return
	}

	var samples <-chan Quaternion
	if s.orient != nil {
		samples, err = s.orient.Samples(ctx)
		if err != nil {
			s.log.WarnContext(ctx, "orientation sensor unavailable", "error", err)
			samples = nil
		}
	}
	sensor := samples != nil

	started := time.Now()
	soft := time.NewTimer(s.cfg.SoftTarget)
	defer soft.Stop()
	hard := time.NewTimer(s.cfg.HardCap)
	defer hard.Stop()

	softElapsed := false
	stop := ""
	for stop == "" {
		select {
		case <-ctx.Done():
			recording.Discard()
			s.finish(StateCancelled, nil)
			return
		case err := <-recording.Failed():
			recording.Discard()
			s.log.ErrorContext(ctx, "recording failed", "error", err)
			s.finish(StateError, err)
			return
		case q, ok := <-samples:
			if !ok {
				samples, sensor = nil, false
				if softElapsed {
					stop = "soft"
				}
				continue
			}
			tracker.Add(q)
			if softElapsed && tracker.Complete() {
				stop = "soft"
			}
		case <-soft.C:
			softElapsed = true
			if !sensor || tracker.Complete() {
				stop = "soft"
			}
		case <-hard.C:
			stop = "hard"
		}
	}

	elapsed := time.Since(started)
	path, err := recording.Finish()
	if err != nil {
		s.log.ErrorContext(ctx, "recording finalize failed", "error", err)
		s.finish(StateError, err)
		return
	}

	cov := tracker.Coverage()
	if !s.sink.SaveBackCameraVideo(ctx, path, elapsed, cov) {
		s.finish(StateError, errors.New("scan: video not saved"))
		return
	}
	s.log.InfoContext(ctx, "room scan completed",
		"stop", stop, "duration", elapsed.String(),
		"yaw_progress", cov.YawProgress, "pitch_complete", cov.PitchComplete)
	s.finish(StateCompleted, nil)
}

func (s *Scheduler) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.setStateLocked(to)
	return true
}

func (s *Scheduler) finish(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.err = err
	s.setStateLocked(st)
}

func (s *Scheduler) setStateLocked(st State) {
	s.state = st
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

// Cancel aborts a pending timer or an in-flight recording. The recording is
// discarded and the state becomes Cancelled. Cancel does not wait; use Wait.
func (s *Scheduler) Cancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil || s.state.Terminal() {
		return
	}
	s.reason = reason
	s.cancel()
	s.log.Info("room scan cancelled", "reason", reason, "state", s.state.String())
}

// Hold keeps a scheduled scan from triggering until Release. A scan that
// is already triggered or recording is unaffected; use Cancel.
func (s *Scheduler) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release lets a held scan trigger. A scan whose time passed while held
// triggers immediately.
func (s *Scheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Wait blocks until the scan goroutine has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	<-done
}

// Stop cancels the scan and waits for it to unwind.
func (s *Scheduler) Stop() {
	s.Cancel("stopped")
	s.Wait()
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TriggerAt returns the scheduled offset from Start, zero when not scheduled.
func (s *Scheduler) TriggerAt() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerAt
}

// Coverage returns live sweep feedback while recording.
func (s *Scheduler) Coverage() session.Coverage {
	s.mu.Lock()
	t := s.tracker
	s.mu.Unlock()
	if t == nil {
		return session.Coverage{}
	}
	return t.Coverage()
}

// Err returns the error that moved the scheduler to Error, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// CancelReason returns the reason passed to Cancel.
func (s *Scheduler) CancelReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

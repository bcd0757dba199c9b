package scan

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examguard/internal/session"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRecording struct {
	failed    chan error
	path      string
	finishErr error
	discarded atomic.Bool
	finished  atomic.Bool
}

func newFakeRecording() *fakeRecording {
	return &fakeRecording{failed: make(chan error, 1), path: "/tmp/scan.mp4"}
}

func (r *fakeRecording) Failed() <-chan error { return r.failed }
func (r *fakeRecording) Finish() (string, error) {
	r.finished.Store(true)
	return r.path, r.finishErr
}
func (r *fakeRecording) Discard() { r.discarded.Store(true) }

type fakeRecorder struct {
	rec     *fakeRecording
	err     error
	started atomic.Int32
	// detectionActive is sampled when the camera is started.
	sawActive atomic.Bool
	active    *atomic.Bool
}

func (f *fakeRecorder) Start(ctx context.Context) (Recording, error) {
	f.started.Add(1)
	if f.active != nil {
		f.sawActive.Store(f.active.Load())
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

type savedVideo struct {
	path     string
	duration time.Duration
	coverage session.Coverage
}

type fakeSink struct {
	mu     sync.Mutex
	saved  []savedVideo
	result bool
	panics bool
}

func (s *fakeSink) SaveBackCameraVideo(_ context.Context, path string, d time.Duration, c session.Coverage) bool {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedVideo{path: path, duration: d, coverage: c})
	return s.result
}

func (s *fakeSink) videos() []savedVideo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedVideo(nil), s.saved...)
}

type chanOrientation struct{ ch chan Quaternion }

func (o *chanOrientation) Samples(context.Context) (<-chan Quaternion, error) { return o.ch, nil }

type detectionFlag struct {
	active  atomic.Bool
	pauses  atomic.Int32
	resumes atomic.Int32
}

func (d *detectionFlag) hooks() Hooks {
	return Hooks{
		PauseDetection: func() {
			d.pauses.Add(1)
			d.active.Store(false)
		},
		ResumeDetection: func() {
			d.resumes.Add(1)
			d.active.Store(true)
		},
	}
}

func fastConfig() Config {
	return Config{
		Enabled:         true,
		MinExamDuration: 0,
		WindowStart:     0.15,
		WindowEnd:       0.85,
		SoftTarget:      20 * time.Millisecond,
		HardCap:         time.Second,
		Rand:            rand.New(rand.NewPCG(1, 2)),
	}
}

func waitTerminal(t *testing.T, s *Scheduler) State {
	t.Helper()
	require.Eventually(t, func() bool { return s.State().Terminal() }, 5*time.Second, 2*time.Millisecond)
	s.Wait()
	return s.State()
}

// =============================================================================
// Tests for PickTriggerTime
// =============================================================================

func TestPickTriggerTimeWindow(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for i := 0; i < 2000; i++ {
		d := time.Duration(rng.Int64N(int64(4*time.Hour))) + 5*time.Minute
		got := PickTriggerTime(rng, d, 0.15, 0.85)
		assert.GreaterOrEqual(t, float64(got), 0.15*float64(d)-1)
		assert.LessOrEqual(t, float64(got), 0.85*float64(d)+1)
	}
}

func TestPickTriggerTimeDegenerateWindow(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	assert.Equal(t, 5*time.Second, PickTriggerTime(rng, 10*time.Second, 0.5, 0.5))
}

// =============================================================================
// Tests for Scheduler.Start
// =============================================================================

func TestStartDisabledStaysIdle(t *testing.T) {
	rec := &fakeRecorder{rec: newFakeRecording()}
	cfg := fastConfig()
	cfg.Enabled = false
	s := New(cfg, rec, nil, &fakeSink{result: true}, Hooks{})

	require.NoError(t, s.Start(context.Background(), time.Hour))
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, s.TriggerAt())
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
}

func TestStartShortExamStaysIdle(t *testing.T) {
	rec := &fakeRecorder{rec: newFakeRecording()}
	cfg := fastConfig()
	cfg.MinExamDuration = 5 * time.Minute
	s := New(cfg, rec, nil, &fakeSink{result: true}, Hooks{})

	require.NoError(t, s.Start(context.Background(), 4*time.Minute))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, rec.started.Load())
}

func TestStartSchedulesInsideWindow(t *testing.T) {
	rec := &fakeRecorder{rec: newFakeRecording()}
	cfg := fastConfig()
	cfg.MinExamDuration = 5 * time.Minute
	s := New(cfg, rec, nil, &fakeSink{result: true}, Hooks{})

	d := 90 * time.Minute
	require.NoError(t, s.Start(context.Background(), d))
	assert.Equal(t, StateScheduled, s.State())
	assert.GreaterOrEqual(t, s.TriggerAt(), time.Duration(0.15*float64(d)))
	assert.LessOrEqual(t, s.TriggerAt(), time.Duration(0.85*float64(d)))

	assert.ErrorIs(t, s.Start(context.Background(), d), ErrAlreadyStarted)

	s.Stop()
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, "stopped", s.CancelReason())
	assert.Zero(t, rec.started.Load())
}

func TestStartWithoutRecorder(t *testing.T) {
	s := New(fastConfig(), nil, nil, &fakeSink{}, Hooks{})
	assert.ErrorIs(t, s.Start(context.Background(), time.Minute), ErrNoRecorder)
}

func TestParentContextCancelsPendingTimer(t *testing.T) {
	rec := &fakeRecorder{rec: newFakeRecording()}
	s := New(fastConfig(), rec, nil, &fakeSink{result: true}, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, time.Hour))
	cancel()
	assert.Equal(t, StateCancelled, waitTerminal(t, s))
	assert.Zero(t, rec.started.Load())
}

// =============================================================================
// Tests for the recording run
// =============================================================================

func TestScanCompletesWithoutSensorAfterSoftTarget(t *testing.T) {
	flag := &detectionFlag{}
	flag.active.Store(true)
	recording := newFakeRecording()
	rec := &fakeRecorder{rec: recording, active: &flag.active}
	sink := &fakeSink{result: true}
	s := New(fastConfig(), rec, nil, sink, flag.hooks())

	require.NoError(t, s.Start(context.Background(), 40*time.Millisecond))
	assert.Equal(t, StateCompleted, waitTerminal(t, s))

	assert.False(t, rec.sawActive.Load(), "detection must be paused before recording")
	assert.True(t, flag.active.Load())
	assert.Equal(t, int32(1), flag.pauses.Load())
	assert.Equal(t, int32(1), flag.resumes.Load())

	videos := sink.videos()
	require.Len(t, videos, 1)
	assert.Equal(t, recording.path, videos[0].path)
	assert.GreaterOrEqual(t, videos[0].duration, 20*time.Millisecond)
	assert.Less(t, videos[0].duration, time.Second)
	assert.True(t, recording.finished.Load())
}

func TestScanHardCapWinsOverIncompleteCoverage(t *testing.T) {
	orient := &chanOrientation{ch: make(chan Quaternion)}
	sink := &fakeSink{result: true}
	cfg := fastConfig()
	cfg.SoftTarget = 5 * time.Millisecond
	cfg.HardCap = 60 * time.Millisecond
	s := New(cfg, &fakeRecorder{rec: newFakeRecording()}, orient, sink, Hooks{})

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	assert.Equal(t, StateCompleted, waitTerminal(t, s))

	videos := sink.videos()
	require.Len(t, videos, 1)
	assert.GreaterOrEqual(t, videos[0].duration, 60*time.Millisecond)
	assert.False(t, videos[0].coverage.PitchComplete)
}

func TestScanStopsAtSoftTargetOnceCoverageComplete(t *testing.T) {
	orient := &chanOrientation{ch: make(chan Quaternion, 64)}
	for yaw := 0.0; yaw <= 190; yaw += 10 {
		orient.ch <- FromEuler(yaw, 0)
	}
	orient.ch <- FromEuler(190, 25)
	orient.ch <- FromEuler(190, -25)

	sink := &fakeSink{result: true}
	cfg := fastConfig()
	cfg.HardCap = 10 * time.Second
	s := New(cfg, &fakeRecorder{rec: newFakeRecording()}, orient, sink, Hooks{})

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	assert.Equal(t, StateCompleted, waitTerminal(t, s))

	videos := sink.videos()
	require.Len(t, videos, 1)
	assert.Less(t, videos[0].duration, 5*time.Second)
	assert.Equal(t, 1.0, videos[0].coverage.YawProgress)
	assert.True(t, videos[0].coverage.PitchComplete)
}

func TestScanRecorderStartFailureResumesDetection(t *testing.T) {
	flag := &detectionFlag{}
	rec := &fakeRecorder{err: errors.New("camera busy")}
	sink := &fakeSink{result: true}
	s := New(fastConfig(), rec, nil, sink, flag.hooks())

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	assert.Equal(t, StateError, waitTerminal(t, s))
	assert.EqualError(t, s.Err(), "camera busy")
	assert.True(t, flag.active.Load())
	assert.Equal(t, int32(1), flag.resumes.Load())
	assert.Empty(t, sink.videos())
}

func TestScanMidRecordingFailure(t *testing.T) {
	flag := &detectionFlag{}
	recording := newFakeRecording()
	recording.failed <- errors.New("sensor lost")
	cfg := fastConfig()
	cfg.SoftTarget = time.Second
	sink := &fakeSink{result: true}
	s := New(cfg, &fakeRecorder{rec: recording}, nil, sink, flag.hooks())

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	assert.Equal(t, StateError, waitTerminal(t, s))
	assert.True(t, recording.discarded.Load())
	assert.True(t, flag.active.Load())
	assert.Empty(t, sink.videos())
}

func TestScanSinkFailureIsError(t *testing.T) {
	flag := &detectionFlag{}
	s := New(fastConfig(), &fakeRecorder{rec: newFakeRecording()}, nil, &fakeSink{result: false}, flag.hooks())
	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	assert.Equal(t, StateError, waitTerminal(t, s))
	assert.True(t, flag.active.Load())
}

func TestScanPanicResumesDetection(t *testing.T) {
	flag := &detectionFlag{}
	s := New(fastConfig(), &fakeRecorder{rec: newFakeRecording()}, nil, &fakeSink{panics: true}, flag.hooks())
	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	assert.Equal(t, StateError, waitTerminal(t, s))
	assert.Error(t, s.Err())
	assert.True(t, flag.active.Load())
	assert.Equal(t, int32(1), flag.resumes.Load())
}

func TestCancelDuringRecordingDiscards(t *testing.T) {
	flag := &detectionFlag{}
	recording := newFakeRecording()
	cfg := fastConfig()
	cfg.SoftTarget = 10 * time.Second
	cfg.HardCap = 20 * time.Second

	var mu sync.Mutex
	var states []State
	cfg.OnState = func(st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	}
	sink := &fakeSink{result: true}
	s := New(cfg, &fakeRecorder{rec: recording}, nil, sink, flag.hooks())

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	require.Eventually(t, func() bool { return s.State() == StateRecording }, 2*time.Second, time.Millisecond)
	assert.False(t, flag.active.Load())

	s.Cancel("critical violation")
	assert.Equal(t, StateCancelled, waitTerminal(t, s))
	assert.True(t, recording.discarded.Load())
	assert.False(t, recording.finished.Load())
	assert.Empty(t, sink.videos())
	assert.True(t, flag.active.Load())
	assert.Equal(t, "critical violation", s.CancelReason())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateScheduled, StateTriggered, StateRecording, StateCancelled}, states)
}

func TestHeldScanTriggersAfterRelease(t *testing.T) {
	rec := &fakeRecorder{rec: newFakeRecording()}
	sink := &fakeSink{result: true}
	s := New(fastConfig(), rec, nil, sink, Hooks{})
	s.Hold()

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateScheduled, s.State(), "due scan waits while held")
	assert.Zero(t, rec.started.Load())

	s.Release()
	assert.Equal(t, StateCompleted, waitTerminal(t, s))
	assert.Equal(t, int32(1), rec.started.Load())
	assert.Len(t, sink.videos(), 1)
}

func TestCancelWhileHeld(t *testing.T) {
	rec := &fakeRecorder{rec: newFakeRecording()}
	s := New(fastConfig(), rec, nil, &fakeSink{result: true}, Hooks{})
	s.Hold()
	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	s.Cancel("session ended")
	assert.Equal(t, StateCancelled, waitTerminal(t, s))
	assert.Zero(t, rec.started.Load())
	s.Release()
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	s := New(fastConfig(), &fakeRecorder{rec: newFakeRecording()}, nil, &fakeSink{result: true}, Hooks{})
	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	require.Equal(t, StateCompleted, waitTerminal(t, s))
	s.Cancel("late")
	assert.Equal(t, StateCompleted, s.State())
	assert.Empty(t, s.CancelReason())
}

// =============================================================================
// Tests for CoverageTracker
// =============================================================================

func TestQuaternionEulerRoundTrip(t *testing.T) {
	for _, tc := range []struct{ yaw, pitch float64 }{
		{0, 0}, {45, 10}, {-90, -20}, {170, 35}, {-179, 0},
	} {
		yaw, pitch := FromEuler(tc.yaw, tc.pitch).Euler()
		assert.InDelta(t, tc.yaw, yaw, 1e-9)
		assert.InDelta(t, tc.pitch, pitch, 1e-9)
	}
}

func TestCoverageYawSweep(t *testing.T) {
	c := NewCoverageTracker(0, 0)
	for yaw := 0.0; yaw <= 90; yaw += 10 {
		c.Add(FromEuler(yaw, 0))
	}
	assert.InDelta(t, 0.5, c.Progress(), 1e-9)
	assert.False(t, c.Complete())

	for yaw := 100.0; yaw <= 200; yaw += 10 {
		c.Add(FromEuler(yaw, 0))
	}
	assert.Equal(t, 1.0, c.Progress())
	assert.False(t, c.PitchComplete())
}

func TestCoverageUnwrapsAcrossSeam(t *testing.T) {
	c := NewCoverageTracker(180, 20)
	c.Add(FromEuler(170, 0))
	c.Add(FromEuler(-170, 0))
	assert.InDelta(t, 20.0/180.0, c.Progress(), 1e-9)
}

func TestCoverageRelativeToFirstSample(t *testing.T) {
	c := NewCoverageTracker(180, 20)
	c.Add(FromEuler(30, 15))
	c.Add(FromEuler(30, 30))
	assert.False(t, c.PitchComplete(), "only 15 degrees above the start")
	c.Add(FromEuler(30, 36))
	c.Add(FromEuler(30, -6))
	assert.True(t, c.PitchComplete())
	assert.Equal(t, 4, c.Samples())
}

func TestCoverageBackAndForthCountsSpanOnce(t *testing.T) {
	c := NewCoverageTracker(180, 20)
	for i := 0; i < 5; i++ {
		c.Add(FromEuler(0, 0))
		c.Add(FromEuler(45, 0))
		c.Add(FromEuler(90, 0))
	}
	assert.InDelta(t, 0.5, c.Progress(), 1e-9)
}

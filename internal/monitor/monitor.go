// Package monitor turns the front-camera frame stream into violations and
// snapshot requests.
//
// Frames are offered to a one-slot mailbox that always holds the newest
// frame. A single worker classifies at most one frame at a time, and only
// when the analysis interval has elapsed since the previous
// classification, so the producer is never blocked and never queues.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"examguard/internal/detector"
	"examguard/internal/logging"
)

// DefaultInterval is the minimum gap between two classifications.
const DefaultInterval = 2 * time.Second

// Classifier classifies one frame.
type Classifier interface {
	Detect(ctx context.Context, frame detector.Frame) detector.Result
}

// Handler receives every classification with the policy outcome.
type Handler interface {
	OnOutcome(ctx context.Context, frame detector.Frame, res detector.Result, out Outcome)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, frame detector.Frame, res detector.Result, out Outcome)

// OnOutcome calls f.
func (f HandlerFunc) OnOutcome(ctx context.Context, frame detector.Frame, res detector.Result, out Outcome) {
	f(ctx, frame, res, out)
}

// Config configures a Monitor.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	Logger     *logging.Logger
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Stats counts frames by fate.
type Stats struct {
	Analyzed uint64
	Dropped  uint64
	Skipped  uint64
}

// Monitor runs the continuous monitoring loop.
type Monitor struct {
	classifier Classifier
	handler    Handler
	interval   time.Duration
	log        *logging.Logger
	now        func() time.Time

	mu      sync.Mutex
	policy  *Policy
	running bool
	paused  bool
	lastRun time.Time
	cancel  context.CancelFunc

	mailbox chan detector.Frame
	wg      sync.WaitGroup

	analyzed atomic.Uint64
	dropped  atomic.Uint64
	skipped  atomic.Uint64
}

// New creates a stopped Monitor.
func New(c Classifier, h Handler, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		classifier: c,
		handler:    h,
		interval:   cfg.Interval,
		log:        cfg.Logger.WithComponent("monitor"),
		now:        cfg.Now,
		policy:     NewPolicy(cfg.Thresholds),
		mailbox:    make(chan detector.Frame, 1),
	}
}

// Start begins monitoring. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.paused = false
	m.policy.Reset()
	m.lastRun = time.Time{}

	m.wg.Add(1)
	go m.loop(ctx)
	m.log.DebugContext(ctx, "monitoring started")
}

// Stop ends monitoring and waits for an in-flight classification and its
// handler. A handler must use StopAsync instead. Stopping a stopped
// monitor is a no-op.
func (m *Monitor) Stop() {
	if m.halt() {
		m.wg.Wait()
		m.drain()
	}
}

// StopAsync ends monitoring without waiting for the loop to exit. It is
// safe to call from a Handler.
func (m *Monitor) StopAsync() {
	if m.halt() {
		m.drain()
	}
}

func (m *Monitor) halt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	m.running = false
	m.paused = false
	m.cancel()
	return true
}

// Pause suspends classification and keeps the counters.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.paused = true
	}
	m.drainLocked()
}

// Resume restarts classification if the monitor was started and paused.
// It reports whether monitoring is active afterwards.
func (m *Monitor) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.paused = false
	}
	return m.running
}

// IsMonitoring reports whether frames are currently being classified.
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && !m.paused
}

// Counters returns the current NoFace and LookingAway counters.
func (m *Monitor) Counters() (noFace, lookingAway int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.NoFaceCount, m.policy.LookingAwayCount
}

// Stats returns frame counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Analyzed: m.analyzed.Load(),
		Dropped:  m.dropped.Load(),
		Skipped:  m.skipped.Load(),
	}
}

// Offer hands a frame to the monitor without blocking. The frame data is
// copied. It reports whether the frame was accepted into the mailbox.
func (m *Monitor) Offer(frame detector.Frame) bool {
	m.mu.Lock()
	active := m.running && !m.paused
	due := m.now().Sub(m.lastRun) >= m.interval
	m.mu.Unlock()
	if !active || !due {
		m.skipped.Add(1)
		return false
	}

	f := frame.Clone()
	for {
		select {
		case m.mailbox <- f:
			return true
		default:
		}
		select {
		case <-m.mailbox:
			m.dropped.Add(1)
		default:
		}
	}
}

func (m *Monitor) drain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainLocked()
}

func (m *Monitor) drainLocked() {
	select {
	case <-m.mailbox:
		m.dropped.Add(1)
	default:
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-m.mailbox:
			m.process(ctx, frame)
		}
	}
}

func (m *Monitor) process(ctx context.Context, frame detector.Frame) {
	m.mu.Lock()
	if !m.running || m.paused || m.now().Sub(m.lastRun) < m.interval {
		m.mu.Unlock()
		m.skipped.Add(1)
		return
	}
	m.lastRun = m.now()
	m.mu.Unlock()

	defer logging.Recover(m.log, "monitor", nil)

	res := m.classifier.Detect(ctx, frame)
	m.analyzed.Add(1)

	m.mu.Lock()
	if ctx.Err() != nil || m.paused {
		// Results that finish after a pause or stop are discarded.
		m.mu.Unlock()
		return
	}
	out := m.policy.Apply(res)
	m.mu.Unlock()

	if _, isErr := res.(detector.Error); isErr {
		m.log.DebugContext(ctx, "classification failed", "result", res.String())
	}
	if m.handler != nil {
		m.handler.OnOutcome(ctx, frame, res, out)
	}
}

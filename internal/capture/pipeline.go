package capture

import (
	"context"
	"sync"
	"time"

	"examguard/internal/detector"
	"examguard/internal/logging"
	"examguard/internal/session"
)

// Saver persists an encrypted snapshot.
type Saver interface {
	SaveSnapshot(ctx context.Context, frame []byte, reason session.SnapshotReason) (session.MediaSnapshot, bool)
}

// Saved is the outcome of one approved capture.
type Saved struct {
	Snapshot session.MediaSnapshot
	OK       bool
}

type job struct {
	data   []byte
	reason session.SnapshotReason
	res    Reservation
	done   chan Saved
}

// Pipeline throttles capture requests, copies approved frames and saves
// them on a bounded background worker.
type Pipeline struct {
	throttler *Throttler
	saver     Saver
	log       *logging.Logger

	mu     sync.Mutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup
}

// NewPipeline returns a started pipeline whose queue holds queueSize frames.
// Saves run with ctx stripped of its cancellation so that Close can flush
// pending frames.
func NewPipeline(ctx context.Context, t *Throttler, s Saver, queueSize int, log *logging.Logger) *Pipeline {
	if queueSize <= 0 {
		queueSize = 4
	}
	if log == nil {
		log = logging.Discard()
	}
	p := &Pipeline{
		throttler: t,
		saver:     s,
		log:       log.WithComponent("capture"),
		queue:     make(chan job, queueSize),
	}
	p.wg.Add(1)
	go p.worker(context.WithoutCancel(ctx))
	return p
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.queue {
		p.save(ctx, j)
	}
}

func (p *Pipeline) save(ctx context.Context, j job) {
	saved := Saved{}
	defer func() {
		if !saved.OK {
			j.res.Release()
		}
		j.done <- saved
	}()
	defer logging.Recover(p.log, "capture", nil)

	snap, ok := p.saver.SaveSnapshot(ctx, j.data, j.reason)
	saved = Saved{Snapshot: snap, OK: ok}
	if !ok {
		p.log.DebugContext(ctx, "snapshot not saved", "reason", string(j.reason))
	}
}

// Capture requests a snapshot of frame. On approval the frame bytes are
// copied before Capture returns, and the returned channel yields the save
// result. On rejection the channel is nil.
func (p *Pipeline) Capture(ctx context.Context, frame detector.Frame, reason session.SnapshotReason) (Decision, <-chan Saved) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Rejected{Reason: RejectClosed}, nil
	}

	d, res := p.throttler.Reserve(reason)
	if r, ok := d.(Rejected); ok {
		p.log.DebugContext(ctx, "capture rejected", "reason", string(reason), "cause", string(r.Reason))
		return d, nil
	}

	j := job{
		data:   append([]byte(nil), frame.Data...),
		reason: reason,
		res:    res,
		done:   make(chan Saved, 1),
	}
	select {
	case p.queue <- j:
		return d, j.done
	default:
		res.Release()
		p.log.WarnContext(ctx, "capture queue full", "reason", string(reason))
		return Rejected{Reason: RejectQueueFull}, nil
	}
}

// Await waits up to timeout for a save result. A nil channel yields false.
func Await(ctx context.Context, ch <-chan Saved, timeout time.Duration) (Saved, bool) {
	if ch == nil {
		return Saved{}, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-ch:
		return s, s.OK
	case <-timer.C:
		return Saved{}, false
	case <-ctx.Done():
		return Saved{}, false
	}
}

// Close rejects further captures and waits for queued frames to be saved.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// FrameSource returns the most recent frame, if any.
type FrameSource func() (detector.Frame, bool)

// RunPeriodic requests a PeriodicCheck capture of the latest frame every
// interval until ctx is done. A non-positive interval returns immediately.
func (p *Pipeline) RunPeriodic(ctx context.Context, interval time.Duration, latest FrameSource) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := latest()
			if !ok {
				continue
			}
			p.Capture(ctx, frame, session.ReasonPeriodic)
		}
	}
}

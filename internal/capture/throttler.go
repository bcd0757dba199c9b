// Package capture decides which evidentiary snapshots are taken and hands
// approved frames to asynchronous encryption.
package capture

import (
	"fmt"
	"sync"
	"time"

	"examguard/internal/session"
)

// DefaultCooldown is the per-reason minimum gap between captures.
const DefaultCooldown = 30 * time.Second

// Priority orders approved captures.
type Priority int

// Priorities.
const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// PriorityOf maps a snapshot reason to its fixed priority.
func PriorityOf(reason session.SnapshotReason) Priority {
	switch reason {
	case session.ReasonMultipleFaces:
		return PriorityCritical
	case session.ReasonNoFace, session.ReasonLookingAway:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Action tells the caller how to treat an approved capture.
type Action string

// Actions.
const (
	// ActionCaptureNow copies the current frame immediately.
	ActionCaptureNow Action = "CAPTURE_NOW"
	// ActionCaptureNext may use the next convenient frame.
	ActionCaptureNext Action = "CAPTURE_NEXT"
)

// RejectReason says why a capture was refused.
type RejectReason string

// Reject reasons.
const (
	RejectBudget    RejectReason = "BUDGET_EXHAUSTED"
	RejectCooldown  RejectReason = "COOLDOWN"
	RejectQueueFull RejectReason = "QUEUE_FULL"
	RejectClosed    RejectReason = "CLOSED"
)

// Decision is the sealed result of a capture request: Approved or Rejected.
type Decision interface {
	isDecision()
}

// Approved allows a capture.
type Approved struct {
	Priority Priority
	Action   Action
}

// Rejected refuses a capture. Rejections carry no security meaning.
type Rejected struct {
	Reason RejectReason
}

func (Approved) isDecision() {}
func (Rejected) isDecision() {}

// Budget reports the snapshot slots left in the session.
type Budget interface {
	RemainingSnapshots() int
}

// Throttler enforces the snapshot budget and the per-reason cooldown.
// MultipleFaces bypasses the cooldown but never the budget.
type Throttler struct {
	budget   Budget
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[session.SnapshotReason]time.Time
}

// NewThrottler returns a Throttler. A non-positive cooldown selects the default.
func NewThrottler(budget Budget, cooldown time.Duration) *Throttler {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Throttler{
		budget:   budget,
		cooldown: cooldown,
		now:      time.Now,
		last:     make(map[session.SnapshotReason]time.Time),
	}
}

// SetClock replaces time.Now.
func (t *Throttler) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Request decides a capture for reason and, on approval, records the
// capture time for that reason.
func (t *Throttler) Request(reason session.SnapshotReason) Decision {
	d, _ := t.Reserve(reason)
	return d
}

// Reserve is Request returning the Reservation behind an approval. A
// caller that fails to capture releases it so the reason is not held in
// cooldown for a frame that was never saved.
func (t *Throttler) Reserve(reason session.SnapshotReason) (Decision, Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.budget.RemainingSnapshots() <= 0 {
		return Rejected{Reason: RejectBudget}, Reservation{}
	}

	now := t.now()
	prio := PriorityOf(reason)
	prev, had := t.last[reason]
	if prio != PriorityCritical && had && now.Sub(prev) <= t.cooldown {
		return Rejected{Reason: RejectCooldown}, Reservation{}
	}
	t.last[reason] = now

	action := ActionCaptureNext
	if prio >= PriorityHigh {
		action = ActionCaptureNow
	}
	res := Reservation{t: t, reason: reason, at: now, prev: prev, had: had}
	return Approved{Priority: prio, Action: action}, res
}

// Reservation is the cooldown stamp of one approved capture.
type Reservation struct {
	t      *Throttler
	reason session.SnapshotReason
	at     time.Time
	prev   time.Time
	had    bool
}

// Release restores the previous capture time of the reason unless a later
// approval replaced the stamp. The zero Reservation is a no-op.
func (r Reservation) Release() {
	if r.t == nil {
		return
	}
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	if cur, ok := r.t.last[r.reason]; !ok || !cur.Equal(r.at) {
		return
	}
	if r.had {
		r.t.last[r.reason] = r.prev
	} else {
		delete(r.t.last, r.reason)
	}
}

// Reset forgets all capture times.
func (t *Throttler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[session.SnapshotReason]time.Time)
}

package report

import (
	"fmt"
	"sync"

	"examguard/internal/session"
)

// Action is what the orchestrator must do after a violation.
type Action int

// Actions.
const (
	ActionLogOnly Action = iota
	ActionPause
	ActionAutoSubmit
)

func (a Action) String() string {
	switch a {
	case ActionLogOnly:
		return "LOG_ONLY"
	case ActionPause:
		return "PAUSE"
	case ActionAutoSubmit:
		return "AUTO_SUBMIT"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Response is the decision for one violation.
type Response struct {
	Type         session.ViolationType
	Severity     session.Severity
	Action       Action
	ExitAttempts int
	// RequiresAck means the student must acknowledge a notice before the
	// exam continues.
	RequiresAck  bool
	UrgentReview bool
}

// Responder applies the response policy and owns the exit-attempt counter.
type Responder struct {
	policy Policy

	mu       sync.Mutex
	attempts int
}

// NewResponder returns a responder starting from attempts, which lets a
// reloaded session keep its counter.
func NewResponder(p Policy, attempts int) *Responder {
	if p.ExitThreshold <= 0 {
		p.ExitThreshold = DefaultExitThreshold
	}
	return &Responder{policy: p, attempts: attempts}
}

// Handle classifies vt and returns the response. High violations count as
// exit attempts; reaching the threshold requests auto-submission.
func (r *Responder) Handle(vt session.ViolationType) Response {
	sev := r.policy.SeverityOf(vt)

	r.mu.Lock()
	defer r.mu.Unlock()
	resp := Response{Type: vt, Severity: sev, Action: ActionLogOnly}
	switch sev {
	case session.SeverityCritical:
		resp.Action = ActionPause
		resp.UrgentReview = true
		resp.RequiresAck = true
	case session.SeverityHigh:
		r.attempts++
		resp.RequiresAck = true
		if r.attempts >= r.policy.ExitThreshold {
			resp.Action = ActionAutoSubmit
		}
	}
	resp.ExitAttempts = r.attempts
	return resp
}

// Attempts returns the exit-attempt counter.
func (r *Responder) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

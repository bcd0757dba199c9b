package monitor

import (
	"fmt"

	"examguard/internal/detector"
	"examguard/internal/session"
)

// Default thresholds.
const (
	DefaultNoFaceThreshold      = 3
	DefaultLookingAwayThreshold = 5
)

// Thresholds are the consecutive-result counts that raise a violation.
type Thresholds struct {
	NoFace      int
	LookingAway int
}

// DefaultThresholds returns 3 NoFace / 5 LookingAway.
func DefaultThresholds() Thresholds {
	return Thresholds{NoFace: DefaultNoFaceThreshold, LookingAway: DefaultLookingAwayThreshold}
}

// Outcome is what one detection result asks the caller to do.
type Outcome struct {
	// Violation is empty when no violation is raised.
	Violation   session.ViolationType
	Description string

	// Snapshot requests an evidentiary capture with SnapshotReason.
	Snapshot       bool
	SnapshotReason session.SnapshotReason
}

// Raised reports whether the outcome carries a violation.
func (o Outcome) Raised() bool { return o.Violation != "" }

// Policy holds the rolling counters. It is not safe for concurrent use.
type Policy struct {
	Thresholds       Thresholds
	NoFaceCount      int
	LookingAwayCount int
}

// NewPolicy returns a policy with zeroed counters. Non-positive
// thresholds fall back to the defaults.
func NewPolicy(t Thresholds) *Policy {
	if t.NoFace <= 0 {
		t.NoFace = DefaultNoFaceThreshold
	}
	if t.LookingAway <= 0 {
		t.LookingAway = DefaultLookingAwayThreshold
	}
	return &Policy{Thresholds: t}
}

// Reset zeroes both counters.
func (p *Policy) Reset() {
	p.NoFaceCount = 0
	p.LookingAwayCount = 0
}

// Apply advances the counters for one result.
//
//	ValidFace      reset both                        no violation, no snapshot
//	NoFace         noFace++, reset lookingAway       violation at threshold (then reset), snapshot
//	MultipleFaces  reset both                        violation every time, snapshot
//	LookingAway    lookingAway++, reset noFace       violation at threshold (then reset), snapshot
//	Error          unchanged                         nothing
func (p *Policy) Apply(r detector.Result) Outcome {
	switch r := r.(type) {
	case detector.ValidFace:
		p.Reset()
		return Outcome{}

	case detector.NoFace:
		p.NoFaceCount++
		p.LookingAwayCount = 0
		out := Outcome{Snapshot: true, SnapshotReason: session.ReasonNoFace}
		if p.NoFaceCount >= p.Thresholds.NoFace {
			out.Violation = session.ViolationNoFace
			out.Description = fmt.Sprintf("no face detected in %d consecutive checks", p.NoFaceCount)
			p.NoFaceCount = 0
		}
		return out

	case detector.MultipleFaces:
		p.Reset()
		return Outcome{
			Violation:      session.ViolationMultipleFaces,
			Description:    fmt.Sprintf("%d faces detected", r.Count),
			Snapshot:       true,
			SnapshotReason: session.ReasonMultipleFaces,
		}

	case detector.LookingAway:
		p.LookingAwayCount++
		p.NoFaceCount = 0
		out := Outcome{Snapshot: true, SnapshotReason: session.ReasonLookingAway}
		if p.LookingAwayCount >= p.Thresholds.LookingAway {
			out.Violation = session.ViolationLookingAway
			out.Description = fmt.Sprintf("looking away (%.0f°) in %d consecutive checks", r.Angle, p.LookingAwayCount)
			p.LookingAwayCount = 0
		}
		return out

	case detector.Error:
		return Outcome{}

	default:
		panic(fmt.Sprintf("monitor: unhandled detector result %T", r))
	}
}

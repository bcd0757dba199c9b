// Package report classifies violations, decides the response to each one and
// builds the final security report of a session.
package report

import (
	"examguard/internal/config"
	"examguard/internal/session"
)

// DefaultExitThreshold is the number of High violations that auto-submits.
const DefaultExitThreshold = 3

// Policy is the injected severity and scoring table.
type Policy struct {
	SeverityOf    func(session.ViolationType) session.Severity
	ScoreDelta    func(session.Severity) int
	ExitThreshold int
}

// DefaultPolicy returns the stock table.
func DefaultPolicy() Policy {
	return Policy{
		SeverityOf:    DefaultSeverity,
		ScoreDelta:    DefaultScoreDelta,
		ExitThreshold: DefaultExitThreshold,
	}
}

// PolicyFromConfig builds a policy with configured deductions and threshold.
func PolicyFromConfig(rc config.ReportConfig) Policy {
	deltas := map[session.Severity]int{
		session.SeverityCritical: rc.CriticalDeduction,
		session.SeverityHigh:     rc.HighDeduction,
		session.SeverityMedium:   rc.MediumDeduction,
		session.SeverityLow:      rc.LowDeduction,
	}
	p := DefaultPolicy()
	p.ScoreDelta = func(s session.Severity) int { return deltas[s] }
	if rc.ExitThreshold > 0 {
		p.ExitThreshold = rc.ExitThreshold
	}
	return p
}

// DefaultSeverity maps a violation type to its severity.
func DefaultSeverity(vt session.ViolationType) session.Severity {
	switch vt {
	case session.ViolationExternalDisplay, session.ViolationMultiWindow, session.ViolationOverlay:
		return session.SeverityCritical
	case session.ViolationUserLeftApp, session.ViolationMultipleFaces, session.ViolationNoFace:
		return session.SeverityHigh
	case session.ViolationBackButton, session.ViolationLookingAway:
		return session.SeverityMedium
	default:
		return session.SeverityLow
	}
}

// DefaultScoreDelta is the deduction for one violation of severity s.
func DefaultScoreDelta(s session.Severity) int {
	switch s {
	case session.SeverityCritical:
		return 30
	case session.SeverityHigh:
		return 15
	case session.SeverityMedium:
		return 5
	default:
		return 2
	}
}

// Score starts at 100 and deducts per violation, clamped to [0, 100].
// Negative deductions are ignored so the score never rises.
func Score(violations []session.ViolationRecord, p Policy) int {
	score := 100
	for _, v := range violations {
		d := p.ScoreDelta(p.SeverityOf(v.Type))
		if d > 0 {
			score -= d
		}
		if score <= 0 {
			return 0
		}
	}
	return score
}

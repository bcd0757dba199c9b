package sentinel

import (
	"context"
	"fmt"
	"time"

	"examguard/internal/session"
)

// focusState tracks the current focus-loss episode. An episode starts at
// the first loss and ends when focus returns; it is reported at most once.
type focusState struct {
	lost      bool
	lostAt    time.Time
	episode   uint64
	qualified bool
	closed    bool

	qualifying []time.Time
	debounce   *time.Timer
	recheck    *time.Timer
}

func (f *focusState) stopTimers() {
	if f.debounce != nil {
		f.debounce.Stop()
		f.debounce = nil
	}
	if f.recheck != nil {
		f.recheck.Stop()
		f.recheck = nil
	}
}

// FocusChanged feeds a window focus event observed at at.
func (d *Detector) FocusChanged(hasFocus bool, at time.Time) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	var v *Violation
	if hasFocus {
		v = d.regainLocked(at)
	} else {
		d.loseLocked(at)
	}
	ctx := d.ctx
	d.mu.Unlock()

	if v != nil {
		d.report(ctx, *v)
	}
}

func (d *Detector) loseLocked(at time.Time) {
	f := &d.focus
	if f.lost {
		return
	}
	if d.suppressedLocked(at) || d.backgrounded {
		return
	}
	f.lost = true
	f.lostAt = at
	f.episode++
	f.qualified = false
	f.closed = false
	ep := f.episode
	f.debounce = time.AfterFunc(d.cfg.Debounce, func() { d.onDebounce(ep) })
}

func (d *Detector) regainLocked(at time.Time) *Violation {
	f := &d.focus
	if !f.lost {
		return nil
	}
	f.lost = false
	f.stopTimers()
	if f.closed {
		return nil
	}

	dur := at.Sub(f.lostAt)
	if !f.qualified && dur >= d.cfg.Debounce && !d.suppressedLocked(at) {
		d.qualifyLocked(at)
	}
	if f.qualified && d.repeatsLocked(at) >= d.cfg.RepeatCount {
		return d.confirmLocked(at, dur)
	}
	return nil
}

func (d *Detector) onDebounce(ep uint64) {
	d.mu.Lock()
	f := &d.focus
	if !d.running || ep != f.episode || !f.lost || f.closed || f.qualified {
		d.mu.Unlock()
		return
	}
	now := d.now()
	if d.suppressedLocked(now) || d.backgrounded {
		f.closed = true
		d.mu.Unlock()
		return
	}

	d.qualifyLocked(now)
	var v *Violation
	if d.repeatsLocked(now) >= d.cfg.RepeatCount {
		v = d.confirmLocked(now, now.Sub(f.lostAt))
	} else {
		f.recheck = time.AfterFunc(d.cfg.RecheckDelay, func() { d.onRecheck(ep) })
	}
	ctx := d.ctx
	d.mu.Unlock()

	if v != nil {
		d.report(ctx, *v)
	}
}

func (d *Detector) onRecheck(ep uint64) {
	stillLost := true
	if d.focusSrc != nil {
		stillLost = !d.focusSrc.HasWindowFocus()
	}

	d.mu.Lock()
	f := &d.focus
	if !d.running || ep != f.episode || !f.lost || f.closed {
		d.mu.Unlock()
		return
	}
	now := d.now()
	var v *Violation
	switch {
	case !stillLost:
		v = d.regainLocked(now)
	case d.suppressedLocked(now) || d.backgrounded:
		f.closed = true
	default:
		v = d.confirmLocked(now, now.Sub(f.lostAt))
	}
	ctx := d.ctx
	d.mu.Unlock()

	if v != nil {
		d.report(ctx, *v)
	}
}

func (d *Detector) qualifyLocked(at time.Time) {
	d.focus.qualified = true
	d.focus.qualifying = append(d.focus.qualifying, at)
}

// repeatsLocked prunes and counts qualifying losses inside the confirm window.
func (d *Detector) repeatsLocked(at time.Time) int {
	cutoff := at.Add(-d.cfg.ConfirmWindow)
	kept := d.focus.qualifying[:0]
	for _, t := range d.focus.qualifying {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	d.focus.qualifying = kept
	return len(kept)
}

func (d *Detector) confirmLocked(at time.Time, dur time.Duration) *Violation {
	d.focus.closed = true
	d.overlays++
	return &Violation{
		Type:        session.ViolationOverlay,
		Description: fmt.Sprintf("window focus lost for %s", dur.Round(time.Millisecond)),
		At:          at,
		Duration:    dur,
	}
}

func (d *Detector) poll(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.FocusChanged(d.focusSrc.HasWindowFocus(), d.now())
		}
	}
}

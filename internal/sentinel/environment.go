package sentinel

import (
	"fmt"
	"time"

	"examguard/internal/session"
)

// DisplayAdded reports an external display immediately. Suppression does
// not apply.
func (d *Detector) DisplayAdded(info DisplayInfo) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	if _, seen := d.displays[info.ID]; seen {
		d.mu.Unlock()
		return
	}
	d.displays[info.ID] = info
	ctx := d.ctx
	now := d.now()
	d.mu.Unlock()

	di := info
	d.report(ctx, Violation{
		Type:        session.ViolationExternalDisplay,
		Description: fmt.Sprintf("external display connected: %s (%dx%d)", info.Name, info.Width, info.Height),
		At:          now,
		Display:     &di,
	})
}

// DisplayRemoved forgets a display.
func (d *Detector) DisplayRemoved(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.displays[id]; ok {
		delete(d.displays, id)
		d.log.Info("external display removed", "display_id", id)
	}
}

// Displays returns the number of external displays currently connected.
func (d *Detector) Displays() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.displays)
}

// MultiWindowChanged reports entry into split-screen or freeform mode.
func (d *Detector) MultiWindowChanged(active bool) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	entered := active && !d.multiWindow
	d.multiWindow = active
	ctx := d.ctx
	now := d.now()
	d.mu.Unlock()

	if entered {
		d.report(ctx, Violation{
			Type:        session.ViolationMultiWindow,
			Description: "multi-window mode entered",
			At:          now,
		})
	}
}

// AppBackgrounded marks the start of time outside the app. Focus loss
// while backgrounded is attributed to the background episode.
func (d *Detector) AppBackgrounded() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.backgrounded {
		return
	}
	d.backgrounded = true
	d.bgAt = d.now()
	if d.focus.lost {
		d.focus.closed = true
		d.focus.stopTimers()
	}
}

// AppForegrounded reports USER_LEFT_APP with the time spent outside.
func (d *Detector) AppForegrounded() {
	d.mu.Lock()
	if !d.running || !d.backgrounded {
		d.mu.Unlock()
		return
	}
	now := d.now()
	dur := now.Sub(d.bgAt)
	if dur < 0 {
		dur = 0
	}
	d.backgrounded = false
	d.timeOutside += dur
	ctx := d.ctx
	d.mu.Unlock()

	d.report(ctx, Violation{
		Type:        session.ViolationUserLeftApp,
		Description: fmt.Sprintf("left the exam app for %s", dur.Round(time.Millisecond)),
		At:          now,
		Duration:    dur,
	})
}

// BackPressed reports a back navigation attempt.
func (d *Detector) BackPressed() {
	d.simple(session.ViolationBackButton, "back navigation attempted")
}

// ScreenshotTaken reports a screenshot or screen recording attempt.
func (d *Detector) ScreenshotTaken() {
	d.simple(session.ViolationScreenshot, "screenshot taken")
}

func (d *Detector) simple(vt session.ViolationType, desc string) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx
	now := d.now()
	d.mu.Unlock()
	d.report(ctx, Violation{Type: vt, Description: desc, At: now})
}

package sentinel

import (
	"errors"
	"strconv"
	"strings"
)

// ErrFocusUnavailable is returned when the desktop offers no way to read
// the active window.
var ErrFocusUnavailable = errors.New("sentinel: window focus unavailable")

// WindowFocus reports focus by comparing the owner of the active desktop
// window against the exam process.
type WindowFocus struct {
	pid    int
	active func() (int, error)
}

// HasWindowFocus reports whether the exam process owns the active window.
// A failed lookup counts as focused so lookup errors never raise overlays.
func (p *WindowFocus) HasWindowFocus() bool {
	pid, err := p.active()
	if err != nil {
		return true
	}
	return pid == p.pid
}

// parseXpropWindowID extracts the id from
// "_NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007".
func parseXpropWindowID(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) < 5 {
		return "", errors.New("unexpected xprop output")
	}
	id := fields[len(fields)-1]
	if id == "0x0" {
		return "", errors.New("no active window")
	}
	return id, nil
}

// parseXpropPID extracts the pid from "_NET_WM_PID(CARDINAL) = 4242".
func parseXpropPID(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "_NET_WM_PID") {
			continue
		}
		idx := strings.Index(line, "= ")
		if idx == -1 {
			break
		}
		return strconv.Atoi(strings.TrimSpace(line[idx+2:]))
	}
	return 0, errors.New("window has no _NET_WM_PID")
}

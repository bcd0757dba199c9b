//go:build linux

package sentinel

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// NewWindowFocus returns a focus reader for pid on an X11 session. XWayland
// counts as X11. Pure Wayland hides other clients' windows and is
// unsupported.
func NewWindowFocus(pid int) (*WindowFocus, error) {
	if os.Getenv("DISPLAY") == "" {
		return nil, ErrFocusUnavailable
	}
	if _, err := exec.LookPath("xdotool"); err == nil {
		return &WindowFocus{pid: pid, active: activePIDXdotool}, nil
	}
	if _, err := exec.LookPath("xprop"); err == nil {
		return &WindowFocus{pid: pid, active: activePIDXprop}, nil
	}
	return nil, ErrFocusUnavailable
}

func activePIDXdotool() (int, error) {
	out, err := exec.Command("xdotool", "getactivewindow", "getwindowpid").Output()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

func activePIDXprop() (int, error) {
	out, err := exec.Command("xprop", "-root", "_NET_ACTIVE_WINDOW").Output()
	if err != nil {
		return 0, err
	}
	id, err := parseXpropWindowID(string(out))
	if err != nil {
		return 0, err
	}
	out, err = exec.Command("xprop", "-id", id, "_NET_WM_PID").Output()
	if err != nil {
		return 0, errors.Join(errors.New("read window pid"), err)
	}
	return parseXpropPID(string(out))
}

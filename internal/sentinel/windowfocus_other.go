//go:build !linux

package sentinel

// NewWindowFocus is only implemented for X11. Other platforms supply
// focus through Detector.FocusChanged.
func NewWindowFocus(pid int) (*WindowFocus, error) {
	return nil, ErrFocusUnavailable
}

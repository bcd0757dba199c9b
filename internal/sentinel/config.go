package sentinel

import "time"

// Config tunes overlay confirmation.
type Config struct {
	// Debounce is the minimum focus loss that counts at all.
	// Default: 200ms
	Debounce time.Duration

	// ConfirmWindow is the window in which repeated losses confirm an overlay.
	// Default: 5s
	ConfirmWindow time.Duration

	// RepeatCount is the number of qualifying losses inside ConfirmWindow
	// that confirm an overlay without a re-check.
	// Default: 2
	RepeatCount int

	// RecheckDelay is how long after a qualifying loss focus is checked again.
	// Default: 1s
	RecheckDelay time.Duration

	// PollInterval is how often FocusSource is polled (0 = no polling).
	// Default: 1s
	PollInterval time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:      200 * time.Millisecond,
		ConfirmWindow: 5 * time.Second,
		RepeatCount:   2,
		RecheckDelay:  time.Second,
		PollInterval:  time.Second,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Debounce < 0 {
		return ErrInvalidConfig{"debounce cannot be negative"}
	}
	if c.ConfirmWindow < 0 {
		return ErrInvalidConfig{"confirm window cannot be negative"}
	}
	if c.RepeatCount < 1 {
		return ErrInvalidConfig{"repeat count must be at least 1"}
	}
	if c.RecheckDelay < 0 {
		return ErrInvalidConfig{"recheck delay cannot be negative"}
	}
	if c.PollInterval < 0 {
		return ErrInvalidConfig{"poll interval cannot be negative"}
	}
	return nil
}

// ErrInvalidConfig represents a configuration error.
type ErrInvalidConfig struct {
	Message string
}

func (e ErrInvalidConfig) Error() string {
	return "sentinel: invalid config: " + e.Message
}

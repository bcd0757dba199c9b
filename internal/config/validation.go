package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateConfig performs validation of every section.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateDetection(&c.Detection)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateScan(&c.Scan)...)
	errs = append(errs, validateOverlay(&c.Overlay)...)
	errs = append(errs, validateReport(&c.Report)...)
	errs = append(errs, validateUpload(&c.Upload)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.DataDir == "" {
		errs = append(errs, *RequiredFieldError("storage.data_dir"))
	}
	if s.MaxSnapshots < 1 || s.MaxSnapshots > 1000 {
		errs = append(errs, *RangeError("storage.max_snapshots", 1, 1000))
	}
	return errs
}

func validateDetection(d *DetectionConfig) ValidationErrors {
	var errs ValidationErrors
	if d.LookAwayDegrees <= 0 || d.LookAwayDegrees >= 90 {
		errs = append(errs, *RangeError("detection.look_away_degrees", 0, 90))
	}
	if d.NoFaceThreshold < 1 {
		errs = append(errs, ValidationError{Field: "detection.no_face_threshold", Message: "must be at least 1"})
	}
	if d.LookingAwayThreshold < 1 {
		errs = append(errs, ValidationError{Field: "detection.looking_away_threshold", Message: "must be at least 1"})
	}
	if d.AnalysisIntervalMs < 100 {
		errs = append(errs, ValidationError{Field: "detection.analysis_interval_ms", Message: "must be at least 100ms"})
	}
	return errs
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors
	if c.CooldownSec < 0 {
		errs = append(errs, ValidationError{Field: "capture.cooldown_sec", Message: "cannot be negative"})
	}
	if c.PeriodicIntervalSec < 0 {
		errs = append(errs, ValidationError{Field: "capture.periodic_interval_sec", Message: "cannot be negative"})
	}
	if c.QueueSize < 1 {
		errs = append(errs, ValidationError{Field: "capture.queue_size", Message: "must be at least 1"})
	}
	return errs
}

func validateScan(s *ScanConfig) ValidationErrors {
	var errs ValidationErrors
	if !s.Enabled {
		return errs
	}
	if s.WindowStart < 0 || s.WindowEnd > 1 || s.WindowStart >= s.WindowEnd {
		errs = append(errs, ValidationError{
			Field:   "scan.window_start",
			Message: fmt.Sprintf("window [%v, %v] must satisfy 0 <= start < end <= 1", s.WindowStart, s.WindowEnd),
		})
	}
	if s.SoftTargetSec < 1 {
		errs = append(errs, ValidationError{Field: "scan.soft_target_sec", Message: "must be at least 1"})
	}
	if s.HardCapSec < s.SoftTargetSec {
		errs = append(errs, ValidationError{Field: "scan.hard_cap_sec", Message: "must not be less than soft_target_sec"})
	}
	if s.TargetSweepDegrees <= 0 || s.TargetSweepDegrees > 360 {
		errs = append(errs, *RangeError("scan.target_sweep_degrees", 0, 360))
	}
	if s.PitchDegrees <= 0 || s.PitchDegrees >= 90 {
		errs = append(errs, *RangeError("scan.pitch_degrees", 0, 90))
	}
	return errs
}

func validateOverlay(o *OverlayConfig) ValidationErrors {
	var errs ValidationErrors
	if o.DebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "overlay.debounce_ms", Message: "cannot be negative"})
	}
	if o.RepeatCount < 1 {
		errs = append(errs, ValidationError{Field: "overlay.repeat_count", Message: "must be at least 1"})
	}
	if o.ConfirmWindowMs < o.DebounceMs {
		errs = append(errs, ValidationError{Field: "overlay.confirm_window_ms", Message: "must not be less than debounce_ms"})
	}
	if o.RecheckDelayMs < 0 || o.PollIntervalMs < 0 {
		errs = append(errs, ValidationError{Field: "overlay.recheck_delay_ms", Message: "delays cannot be negative"})
	}
	return errs
}

func validateReport(r *ReportConfig) ValidationErrors {
	var errs ValidationErrors
	if r.ExitThreshold < 1 {
		errs = append(errs, ValidationError{Field: "report.exit_threshold", Message: "must be at least 1"})
	}
	for field, v := range map[string]int{
		"report.critical_deduction": r.CriticalDeduction,
		"report.high_deduction":     r.HighDeduction,
		"report.medium_deduction":   r.MediumDeduction,
		"report.low_deduction":      r.LowDeduction,
	} {
		if v < 0 || v > 100 {
			errs = append(errs, *RangeError(field, 0, 100))
		}
	}
	return errs
}

func validateUpload(u *UploadConfig) ValidationErrors {
	var errs ValidationErrors
	if !u.Enabled {
		return errs
	}
	if u.RedisAddr == "" {
		errs = append(errs, *RequiredFieldError("upload.redis_addr"))
	}
	if u.Queue == "" {
		errs = append(errs, *RequiredFieldError("upload.queue"))
	}
	if u.TimeoutSec < 1 {
		errs = append(errs, ValidationError{Field: "upload.timeout_sec", Message: "must be at least 1"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

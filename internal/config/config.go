// Package config handles configuration loading, validation, and hot reload for examguard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete proctoring configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for encrypted session data.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Detection configuration for the face monitoring policy.
	Detection DetectionConfig `toml:"detection" json:"detection" yaml:"detection"`

	// Capture configuration for snapshot throttling.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Scan configuration for the random back-camera room scan.
	Scan ScanConfig `toml:"scan" json:"scan" yaml:"scan"`

	// Overlay configuration for focus, display and app lifecycle checks.
	Overlay OverlayConfig `toml:"overlay" json:"overlay" yaml:"overlay"`

	// Report configuration for severity scoring and escalation.
	Report ReportConfig `toml:"report" json:"report" yaml:"report"`

	// Upload configuration for handing submissions to the backend.
	Upload UploadConfig `toml:"upload" json:"upload" yaml:"upload"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// StorageConfig holds local persistence configuration.
type StorageConfig struct {
	// DataDir is the root directory; sessions live under DataDir/sessions.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// IndexPath is the sqlite session index. Defaults to DataDir/index.db.
	IndexPath string `toml:"index_path" json:"index_path" yaml:"index_path"`

	// MaxSnapshots is the hard cap on snapshots per session.
	MaxSnapshots int `toml:"max_snapshots" json:"max_snapshots" yaml:"max_snapshots"`
}

// DetectionConfig holds continuous monitoring configuration.
type DetectionConfig struct {
	// LookAwayDegrees is the absolute head yaw above which a face is looking away.
	LookAwayDegrees float64 `toml:"look_away_degrees" json:"look_away_degrees" yaml:"look_away_degrees"`

	// NoFaceThreshold is the number of consecutive NoFace results that raise a violation.
	NoFaceThreshold int `toml:"no_face_threshold" json:"no_face_threshold" yaml:"no_face_threshold"`

	// LookingAwayThreshold is the number of consecutive LookingAway results that raise a violation.
	LookingAwayThreshold int `toml:"looking_away_threshold" json:"looking_away_threshold" yaml:"looking_away_threshold"`

	// AnalysisIntervalMs is the minimum gap between two classifications.
	AnalysisIntervalMs int `toml:"analysis_interval_ms" json:"analysis_interval_ms" yaml:"analysis_interval_ms"`
}

// CaptureConfig holds snapshot capture configuration.
type CaptureConfig struct {
	// CooldownSec is the per-reason minimum gap between captures.
	CooldownSec int `toml:"cooldown_sec" json:"cooldown_sec" yaml:"cooldown_sec"`

	// PeriodicIntervalSec enables periodic check captures when > 0.
	PeriodicIntervalSec int `toml:"periodic_interval_sec" json:"periodic_interval_sec" yaml:"periodic_interval_sec"`

	// QueueSize bounds the number of copied frames waiting for encryption.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// ScanConfig holds room scan configuration.
type ScanConfig struct {
	// Enabled determines whether a room scan is scheduled at all.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// MinExamDurationSec is the shortest exam that gets a scan.
	MinExamDurationSec int `toml:"min_exam_duration_sec" json:"min_exam_duration_sec" yaml:"min_exam_duration_sec"`

	// WindowStart and WindowEnd bound the trigger time as fractions of the exam duration.
	WindowStart float64 `toml:"window_start" json:"window_start" yaml:"window_start"`
	WindowEnd   float64 `toml:"window_end" json:"window_end" yaml:"window_end"`

	// SoftTargetSec is the recording length after which a covered scan may stop.
	SoftTargetSec int `toml:"soft_target_sec" json:"soft_target_sec" yaml:"soft_target_sec"`

	// HardCapSec always stops the recording.
	HardCapSec int `toml:"hard_cap_sec" json:"hard_cap_sec" yaml:"hard_cap_sec"`

	// TargetSweepDegrees is the yaw span that counts as full coverage.
	TargetSweepDegrees float64 `toml:"target_sweep_degrees" json:"target_sweep_degrees" yaml:"target_sweep_degrees"`

	// PitchDegrees must be crossed both up and down.
	PitchDegrees float64 `toml:"pitch_degrees" json:"pitch_degrees" yaml:"pitch_degrees"`
}

// OverlayConfig holds focus-based overlay detection configuration.
type OverlayConfig struct {
	// DebounceMs is the minimum focus loss that is considered at all.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// ConfirmWindowMs is the window in which repeated losses confirm an overlay.
	ConfirmWindowMs int `toml:"confirm_window_ms" json:"confirm_window_ms" yaml:"confirm_window_ms"`

	// RepeatCount is the number of losses within ConfirmWindowMs that confirm an overlay.
	RepeatCount int `toml:"repeat_count" json:"repeat_count" yaml:"repeat_count"`

	// RecheckDelayMs is the delay of the secondary focus check.
	RecheckDelayMs int `toml:"recheck_delay_ms" json:"recheck_delay_ms" yaml:"recheck_delay_ms"`

	// PollIntervalMs is the focus polling interval; 0 disables polling.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// ReportConfig holds scoring and response configuration.
type ReportConfig struct {
	// ExitThreshold is the number of High violations that auto-submits the exam.
	ExitThreshold int `toml:"exit_threshold" json:"exit_threshold" yaml:"exit_threshold"`

	// Score deductions per severity.
	CriticalDeduction int `toml:"critical_deduction" json:"critical_deduction" yaml:"critical_deduction"`
	HighDeduction     int `toml:"high_deduction" json:"high_deduction" yaml:"high_deduction"`
	MediumDeduction   int `toml:"medium_deduction" json:"medium_deduction" yaml:"medium_deduction"`
	LowDeduction      int `toml:"low_deduction" json:"low_deduction" yaml:"low_deduction"`
}

// UploadConfig holds submission hand-off configuration.
type UploadConfig struct {
	// Enabled determines whether submissions are pushed to Redis.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// RedisAddr is host:port of the Redis server.
	RedisAddr string `toml:"redis_addr" json:"redis_addr" yaml:"redis_addr"`

	// RedisPassword is best set via EXAMGUARD_REDIS_PASSWORD.
	RedisPassword string `toml:"redis_password" json:"redis_password" yaml:"redis_password"`

	// RedisDB selects the Redis database.
	RedisDB int `toml:"redis_db" json:"redis_db" yaml:"redis_db"`

	// Queue is the Redis list consumed by the backend worker.
	Queue string `toml:"queue" json:"queue" yaml:"queue"`

	// IncludeMedia embeds encrypted media bytes in the submission.
	IncludeMedia bool `toml:"include_media" json:"include_media" yaml:"include_media"`

	// TimeoutSec bounds one push.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := ExamguardDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			DataDir:      dataDir,
			IndexPath:    filepath.Join(dataDir, "index.db"),
			MaxSnapshots: 10,
		},
		Detection: DetectionConfig{
			LookAwayDegrees:      30,
			NoFaceThreshold:      3,
			LookingAwayThreshold: 5,
			AnalysisIntervalMs:   2000,
		},
		Capture: CaptureConfig{
			CooldownSec:         30,
			PeriodicIntervalSec: 0,
			QueueSize:           4,
		},
		Scan: ScanConfig{
			Enabled:            true,
			MinExamDurationSec: 300,
			WindowStart:        0.15,
			WindowEnd:          0.85,
			SoftTargetSec:      10,
			HardCapSec:         30,
			TargetSweepDegrees: 180,
			PitchDegrees:       20,
		},
		Overlay: OverlayConfig{
			DebounceMs:      200,
			ConfirmWindowMs: 5000,
			RepeatCount:     2,
			RecheckDelayMs:  1000,
			PollIntervalMs:  1000,
		},
		Report: ReportConfig{
			ExitThreshold:     3,
			CriticalDeduction: 30,
			HighDeduction:     15,
			MediumDeduction:   5,
			LowDeduction:      2,
		},
		Upload: UploadConfig{
			Enabled:    false,
			RedisAddr:  "localhost:6379",
			Queue:      "persist_proctoring_queue",
			TimeoutSec: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dataDir, "logs", "examguard.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// ExamguardDir returns the base data directory.
// EXAMGUARD_DATA_DIR overrides the platform default.
func ExamguardDir() string {
	if envDir := os.Getenv("EXAMGUARD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path. A missing file yields defaults.
// TOML, JSON and YAML are selected by extension; environment overrides
// are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Join(c.Storage.DataDir, "sessions"),
		filepath.Dir(c.IndexPath()),
		filepath.Dir(c.Logging.FilePath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies EXAMGUARD_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("EXAMGUARD_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("EXAMGUARD_INDEX_PATH"); v != "" {
		c.Storage.IndexPath = v
	}
	if v := os.Getenv("EXAMGUARD_MAX_SNAPSHOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.MaxSnapshots = n
		}
	}
	if v := os.Getenv("EXAMGUARD_SCAN_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scan.Enabled = b
		}
	}

	if v := os.Getenv("EXAMGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EXAMGUARD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Credentials from env.
	if v := os.Getenv("EXAMGUARD_REDIS_ADDR"); v != "" {
		c.Upload.RedisAddr = v
	}
	if v := os.Getenv("EXAMGUARD_REDIS_PASSWORD"); v != "" {
		c.Upload.RedisPassword = v
	}
	if v := os.Getenv("EXAMGUARD_UPLOAD_QUEUE"); v != "" {
		c.Upload.Queue = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// IndexPath returns the sqlite index path.
func (c *Config) IndexPath() string {
	if c.Storage.IndexPath != "" {
		return c.Storage.IndexPath
	}
	return filepath.Join(c.Storage.DataDir, "index.db")
}

// SessionsDir returns the directory holding per-session vaults.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Storage.DataDir, "sessions")
}

// AnalysisInterval returns the minimum gap between classifications.
func (d DetectionConfig) AnalysisInterval() time.Duration {
	return time.Duration(d.AnalysisIntervalMs) * time.Millisecond
}

// Cooldown returns the per-reason capture cooldown.
func (c CaptureConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// PeriodicInterval returns the periodic check interval, zero when disabled.
func (c CaptureConfig) PeriodicInterval() time.Duration {
	return time.Duration(c.PeriodicIntervalSec) * time.Second
}

// MinExamDuration returns the shortest exam that gets a scan.
func (s ScanConfig) MinExamDuration() time.Duration {
	return time.Duration(s.MinExamDurationSec) * time.Second
}

// SoftTarget returns the soft recording target.
func (s ScanConfig) SoftTarget() time.Duration {
	return time.Duration(s.SoftTargetSec) * time.Second
}

// HardCap returns the hard recording cap.
func (s ScanConfig) HardCap() time.Duration {
	return time.Duration(s.HardCapSec) * time.Second
}

// Debounce returns the overlay debounce threshold.
func (o OverlayConfig) Debounce() time.Duration {
	return time.Duration(o.DebounceMs) * time.Millisecond
}

// ConfirmWindow returns the repeated-loss confirmation window.
func (o OverlayConfig) ConfirmWindow() time.Duration {
	return time.Duration(o.ConfirmWindowMs) * time.Millisecond
}

// RecheckDelay returns the secondary check delay.
func (o OverlayConfig) RecheckDelay() time.Duration {
	return time.Duration(o.RecheckDelayMs) * time.Millisecond
}

// PollInterval returns the focus polling interval.
func (o OverlayConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMs) * time.Millisecond
}

// Timeout returns the per-push upload timeout.
func (u UploadConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSec) * time.Second
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Tests for defaults
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, 10, cfg.Storage.MaxSnapshots)
	assert.Equal(t, 30.0, cfg.Detection.LookAwayDegrees)
	assert.Equal(t, 3, cfg.Detection.NoFaceThreshold)
	assert.Equal(t, 5, cfg.Detection.LookingAwayThreshold)
	assert.Equal(t, 2*time.Second, cfg.Detection.AnalysisInterval())
	assert.Equal(t, 30*time.Second, cfg.Capture.Cooldown())
	assert.Equal(t, 0.15, cfg.Scan.WindowStart)
	assert.Equal(t, 0.85, cfg.Scan.WindowEnd)
	assert.Equal(t, 10*time.Second, cfg.Scan.SoftTarget())
	assert.Equal(t, 30*time.Second, cfg.Scan.HardCap())
	assert.Equal(t, 200*time.Millisecond, cfg.Overlay.Debounce())
	assert.Equal(t, 3, cfg.Report.ExitThreshold)

	require.NoError(t, cfg.Validate())
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	assert.Equal(t, "config.toml", filepath.Base(path))
	assert.Contains(t, path, "examguard")
}

func TestExamguardDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EXAMGUARD_DATA_DIR", dir)
	assert.Equal(t, dir, ExamguardDir())
	assert.Equal(t, filepath.Join(dir, "sessions"), DefaultConfig().SessionsDir())
}

// =============================================================================
// Tests for loading
// =============================================================================

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Storage.MaxSnapshots)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[storage]
data_dir = "/var/lib/examguard"
max_snapshots = 6

[detection]
look_away_degrees = 25.0
no_face_threshold = 4

[scan]
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/examguard", cfg.Storage.DataDir)
	assert.Equal(t, 6, cfg.Storage.MaxSnapshots)
	assert.Equal(t, 25.0, cfg.Detection.LookAwayDegrees)
	assert.Equal(t, 4, cfg.Detection.NoFaceThreshold)
	// Unset fields keep defaults.
	assert.Equal(t, 5, cfg.Detection.LookingAwayThreshold)
	assert.False(t, cfg.Scan.Enabled)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"version": 1, "capture": {"cooldown_sec": 45, "queue_size": 2}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Capture.Cooldown())
	assert.Equal(t, 2, cfg.Capture.QueueSize)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "version: 1\noverlay:\n  debounce_ms: 300\n  repeat_count: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, cfg.Overlay.Debounce())
	assert.Equal(t, 3, cfg.Overlay.RepeatCount)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage\nmax_snapshots ="), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadSniffsFormatWithoutExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examguard.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"storage":{"max_snapshots":4}}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Storage.MaxSnapshots)
	assert.Equal(t, DefaultConfig().Capture.QueueSize, cfg.Capture.QueueSize)

	require.NoError(t, os.WriteFile(path, []byte("\x00\x01 not a config"), 0600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSaveConfigJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Storage.MaxSnapshots = 7
	require.NoError(t, SaveConfig(cfg, path))

	got, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 7, got.Storage.MaxSnapshots)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("EXAMGUARD_MAX_SNAPSHOTS", "4")
	t.Setenv("EXAMGUARD_SCAN_ENABLED", "false")
	t.Setenv("EXAMGUARD_REDIS_PASSWORD", "hunter2")
	t.Setenv("EXAMGUARD_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, 4, cfg.Storage.MaxSnapshots)
	assert.False(t, cfg.Scan.Enabled)
	assert.Equal(t, "hunter2", cfg.Upload.RedisPassword)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			cfg := DefaultConfig()
			cfg.Storage.MaxSnapshots = 7
			cfg.Report.ExitThreshold = 2
			require.NoError(t, SaveConfig(cfg, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 7, loaded.Storage.MaxSnapshots)
			assert.Equal(t, 2, loaded.Report.ExitThreshold)
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, cfg)

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

// =============================================================================
// Tests for validation
// =============================================================================

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero snapshots", func(c *Config) { c.Storage.MaxSnapshots = 0 }, "storage.max_snapshots"},
		{"look away 90", func(c *Config) { c.Detection.LookAwayDegrees = 90 }, "detection.look_away_degrees"},
		{"inverted window", func(c *Config) { c.Scan.WindowStart = 0.9 }, "scan.window_start"},
		{"hard cap below soft", func(c *Config) { c.Scan.HardCapSec = 5 }, "scan.hard_cap_sec"},
		{"no repeat", func(c *Config) { c.Overlay.RepeatCount = 0 }, "overlay.repeat_count"},
		{"zero exit threshold", func(c *Config) { c.Report.ExitThreshold = 0 }, "report.exit_threshold"},
		{"huge deduction", func(c *Config) { c.Report.HighDeduction = 150 }, "report.high_deduction"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"upload without queue", func(c *Config) { c.Upload.Enabled = true; c.Upload.Queue = "" }, "upload.queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			found := false
			for _, v := range verrs {
				if v.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected error for %s, got %v", tt.field, err)
		})
	}
}

func TestDisabledScanSkipsScanValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scan.Enabled = false
	cfg.Scan.HardCapSec = 0
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// Tests for Loader hot reload
// =============================================================================

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, l.Watch())
	defer l.Close()

	cfg := DefaultConfig()
	cfg.Report.ExitThreshold = 5
	require.NoError(t, SaveConfig(cfg, path))

	select {
	case c := <-changed:
		assert.Equal(t, 5, c.Report.ExitThreshold)
		assert.Equal(t, 5, l.Config().Report.ExitThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	bad := DefaultConfig()
	bad.Storage.MaxSnapshots = 0
	require.NoError(t, SaveConfig(bad, path))

	select {
	case err := <-l.Errors():
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected reload error")
	}
	assert.Equal(t, 10, l.Config().Storage.MaxSnapshots)
}

func TestLoaderCloseTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	l := NewLoader(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Storage.MaxSnapshots, cfg.Storage.MaxSnapshots)
	require.NoError(t, l.Watch())
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

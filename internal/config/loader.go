package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"examguard/internal/security"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// format is one on-disk encoding of Config.
type format struct {
	name   string
	decode func(data []byte, cfg *Config) error
	encode func(buf *bytes.Buffer, cfg *Config) error
}

var (
	tomlFormat = format{
		name: "TOML",
		decode: func(data []byte, cfg *Config) error {
			_, err := toml.Decode(string(data), cfg)
			return err
		},
		encode: func(buf *bytes.Buffer, cfg *Config) error {
			return toml.NewEncoder(buf).Encode(cfg)
		},
	}
	jsonFormat = format{
		name:   "JSON",
		decode: func(data []byte, cfg *Config) error { return json.Unmarshal(data, cfg) },
		encode: func(buf *bytes.Buffer, cfg *Config) error {
			enc := json.NewEncoder(buf)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	yamlFormat = format{
		name:   "YAML",
		decode: func(data []byte, cfg *Config) error { return yaml.Unmarshal(data, cfg) },
		encode: func(buf *bytes.Buffer, cfg *Config) error {
			return yaml.NewEncoder(buf).Encode(cfg)
		},
	}

	formatsByExt = map[string]format{
		".toml": tomlFormat,
		".json": jsonFormat,
		".yaml": yamlFormat,
		".yml":  yamlFormat,
	}
	sniffOrder = []format{tomlFormat, jsonFormat, yamlFormat}
)

// Loader keeps the current configuration of one file and republishes it
// whenever the file changes on disk.
type Loader struct {
	path string

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	watcher   *fsnotify.Watcher
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

// NewLoader returns a loader for path. Nothing is read until Load.
func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Load reads path, applies EXAMGUARD_* overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config is the last successfully loaded configuration, or nil.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch follows the file. A valid edit replaces Config and is handed to
// every OnChange listener; an invalid one is sent on Errors and ignored.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Saves often replace the file, so the parent directory is watched.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w
	go l.follow(w)
	return nil
}

func (l *Loader) follow(w *fsnotify.Watcher) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDelay, l.refresh)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// report drops err when the previous one has not been consumed.
func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

func (l *Loader) refresh() {
	select {
	case <-l.done:
		return
	default:
	}
	cfg, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.current = cfg
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg.Clone())
	}
}

func (l *Loader) read() (*Config, error) {
	cfg, err := readFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// OnChange adds fn to the listeners of reloads. Each call gets its own copy.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Errors carries watch and reload failures.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Close ends watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

// readFile decodes path over the defaults, picking the format from the
// extension and sniffing it otherwise. A missing file yields the defaults.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if f, ok := formatsByExt[filepath.Ext(path)]; ok {
		cfg := DefaultConfig()
		if err := f.decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.name, err)
		}
		return cfg, nil
	}
	for _, f := range sniffOrder {
		cfg := DefaultConfig()
		if f.decode(data, cfg) == nil {
			return cfg, nil
		}
	}
	return nil, errors.New("parse config: not TOML, JSON or YAML")
}

// SaveConfig writes cfg to path with owner-only permissions. The format
// follows the extension and defaults to TOML.
func SaveConfig(cfg *Config, path string) error {
	f, ok := formatsByExt[filepath.Ext(path)]
	if !ok {
		f = tomlFormat
	}
	var buf bytes.Buffer
	if err := f.encode(&buf, cfg); err != nil {
		return fmt.Errorf("encode %s: %w", f.name, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), security.PermSecretDir); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return security.WriteSecretFile(path, buf.Bytes())
}

// LoadOrCreate is Load for first runs: a missing file is populated with
// the defaults, and the returned bool is true.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	_, err := os.Stat(path)
	if err == nil {
		cfg, err := NewLoader(path).Load()
		return cfg, false, err
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat config: %w", err)
	}
	cfg := DefaultConfig()
	if err := SaveConfig(cfg, path); err != nil {
		return nil, false, fmt.Errorf("create default config: %w", err)
	}
	cfg.ApplyEnvOverrides()
	return cfg, true, nil
}

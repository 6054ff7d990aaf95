package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls without [WithInterval].
const DefaultWatchInterval = 5 * time.Second

// Change is one accepted edit of the watched file.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and reports edits that change the effective
// configuration. Environment overrides are reapplied on every load so a key
// supplied through the environment survives edits to the file. A rejected
// edit leaves the current config in place.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	log      *slog.Logger
	onChange func(Change)
	onError  func(error)

	checkMu sync.Mutex // serialises Check

	mu      sync.Mutex
	current *Config
	seen    fileState
	lastErr string
}

// fileState identifies a version of the file. The mtime gates hashing;
// the hash decides whether the content moved.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets the environment lookup used for overrides. The default is
// [os.LookupEnv]; nil disables overrides.
func WithLookup(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// WithWatchLogger sets the logger for accepted and rejected reloads.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithErrorHandler registers fn for edits that cannot be read or fail
// validation. Consecutive identical failures are reported once.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and returns a watcher holding it as the current
// config. Polling starts with [Watcher.Run]. onChange may be nil.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		lookup:   os.LookupEnv,
		log:      slog.Default(),
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done. It always returns nil; load failures go to
// the error handler and the log.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = w.Check()
		}
	}
}

// Check reloads the file if its mtime moved and reports whether an edit was
// applied. Edits that leave the parsed config unchanged, such as comments,
// update the current config without calling onChange.
func (w *Watcher) Check() (bool, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, w.reject(time.Time{}, err)
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	cfg, st, err := w.load()
	if err != nil {
		return false, w.reject(info.ModTime(), err)
	}

	w.mu.Lock()
	w.lastErr = ""
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.Changed() {
		w.log.Debug("config file edited without effective changes", "path", w.path)
		return false, nil
	}
	w.log.Info("config reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"assistant_changed", d.AssistantChanged,
		"restart_required", len(d.RestartRequired),
	)
	if w.onChange != nil {
		w.onChange(Change{Old: old, New: cfg, Diff: d})
	}
	return true, nil
}

// reject marks the version at mtime as seen so a broken file is parsed once,
// then reports err unless it repeats the previous rejection.
func (w *Watcher) reject(mtime time.Time, err error) error {
	err = fmt.Errorf("config: reload %s: %w", w.path, err)

	w.mu.Lock()
	if !mtime.IsZero() {
		w.seen.mtime = mtime
	}
	repeat := err.Error() == w.lastErr
	w.lastErr = err.Error()
	w.mu.Unlock()

	if repeat {
		return err
	}
	w.log.Warn("config reload rejected, keeping previous config", "err", err)
	if w.onError != nil {
		w.onError(err)
	}
	return err
}

// load reads, hashes and validates the file.
func (w *Watcher) load() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := parse(bytes.NewReader(data), w.lookup)
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}

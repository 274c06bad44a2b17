package config

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Kobra-S1/ACEPRO/logger"
)

// HotKeys are the keys applied without a restart.
var HotKeys = []string{
	"status_debug_logging",
	"runout_debounce_count",
	"purge_multiplier",
	"tangle_detection",
	"tangle_detection_length",
}

// ChangeFunc receives the reloaded configuration and the hot keys that changed.
type ChangeFunc func(cfg Config, changed []string)

// Watcher reloads the configuration file when it is written.
type Watcher struct {
	path     string
	onChange ChangeFunc
	delay    time.Duration
	logger   logger.Logger

	mu       sync.Mutex
	current  Config
	debounce *time.Timer
}

// NewWatcher creates a Watcher for path. current is the configuration in effect.
func NewWatcher(path string, current Config, fn ChangeFunc) *Watcher {
	return &Watcher{
		path:     path,
		onChange: fn,
		delay:    100 * time.Millisecond,
		logger:   logger.GetLogger().With("component", "config"),
		current:  current,
	}
}

// SetLogger replaces the logger.
func (w *Watcher) SetLogger(l logger.Logger) { w.logger = l.With("component", "config") }

// Current returns the configuration in effect.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.current
}

// Run watches the directory of the file until ctx is done. Editors that replace the
// file are covered by watching the directory instead of the file.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.stopDebounce()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debounceReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Reload reads the file and applies the hot keys that changed. A file that fails to
// load leaves the current configuration in effect.
func (w *Watcher) Reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current configuration", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	changed := Diff(w.current, next)
	var hot, cold []string
	for _, key := range changed {
		if slices.Contains(HotKeys, key) {
			hot = append(hot, key)
		} else {
			cold = append(cold, key)
		}
	}
	// cold keys keep their running values until the restart.
	applied := w.current
	applyHot(&applied, next, hot)
	w.current = applied
	w.mu.Unlock()

	if len(cold) > 0 {
		w.logger.Warn("config changes require a restart", "keys", cold)
	}
	if len(hot) == 0 {
		return
	}

	w.logger.Info("config reloaded", "keys", hot)
	if w.onChange != nil {
		w.onChange(applied, hot)
	}
}

func (w *Watcher) debounceReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, w.Reload)
}

func (w *Watcher) stopDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
}

func applyHot(dst *Config, src Config, keys []string) {
	for _, key := range keys {
		switch key {
		case "status_debug_logging":
			dst.StatusDebugLogging = src.StatusDebugLogging
		case "runout_debounce_count":
			dst.RunoutDebounceCount = src.RunoutDebounceCount
		case "purge_multiplier":
			dst.PurgeMultiplier = src.PurgeMultiplier
		case "tangle_detection":
			dst.TangleDetection = src.TangleDetection
		case "tangle_detection_length":
			dst.TangleDetectionLength = src.TangleDetectionLength
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file on change and publishes it atomically.
// A file that fails to parse keeps the previous config in place.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]

	// Prepare adjusts a freshly loaded config before it is published.
	Prepare func(*Config)
	// OnChange is called after a successful reload.
	OnChange func(*Config)
	// OnError is called when a reload fails.
	OnError func(error)
}

// NewWatcher returns a watcher serving initial until the file changes.
func NewWatcher(path string, initial *Config) *Watcher {
	w := &Watcher{path: path}
	w.current.Store(initial)
	return w
}

// Current returns the latest good config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.reportError(err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.reportError(err)
		return
	}
	if w.Prepare != nil {
		w.Prepare(cfg)
	}
	w.current.Store(cfg)
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}

func (w *Watcher) reportError(err error) {
	if w.OnError != nil {
		w.OnError(err)
	}
}

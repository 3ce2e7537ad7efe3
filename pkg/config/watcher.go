package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	loader *Loader
	path   string
	delay  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(loader *Loader, path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader: loader,
		path:   filepath.Clean(path),
		delay:  DefaultReloadDelay,
		logger: logger.With().Str("component", "config-watcher").Logger(),
	}
}

// SetReloadDelay overrides the debounce delay.
func (w *Watcher) SetReloadDelay(d time.Duration) {
	w.delay = d
}

// Watch starts watching and calls reloadFn with every successfully reloaded
// config. Reload errors are logged and the previous config stays in effect.
// The watch stops when ctx is done.
func (w *Watcher) Watch(ctx context.Context, reloadFn func(*Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files on save, so watch the directory and match by name.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, reloadFn)

	w.logger.Info().
		Str("path", w.path).
		Msg("Started watching config file")

	return nil
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, reloadFn func(*Config) error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Config file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := w.reload(reloadFn); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload config")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(reloadFn func(*Config) error) error {
	w.logger.Info().Msg("Reloading config...")

	cfg, err := w.loader.LoadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	if err := reloadFn(cfg); err != nil {
		return fmt.Errorf("failed to apply reloaded config: %w", err)
	}

	w.logger.Info().
		Strs("projects", cfg.ProjectNames()).
		Msg("Config reloaded successfully")

	return nil
}

// Stop stops watching for file changes.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		return err
	}
	return nil
}

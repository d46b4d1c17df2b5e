package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and swaps the mutable
// sections into the live Config. Secrets stay env-sourced, so a reload
// never loses them.
type Watcher struct {
	path     string
	cfg      *Config
	onReload func(*Config)

	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a watcher for path. onReload (optional) runs after
// each successful swap.
func NewWatcher(path string, cfg *Config, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		cfg:      cfg,
		onReload: onReload,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start watches until ctx is cancelled. Non-blocking.
// The parent directory is watched, not the file: editors and config
// writers commonly replace the file via rename.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.watcher.Close()

	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce rapid saves
			pending = time.After(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	fresh, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config",
			"path", w.path, "error", err)
		return
	}

	w.cfg.ReplaceFrom(fresh)
	slog.Info("config reloaded", "path", w.path)

	if w.onReload != nil {
		w.onReload(w.cfg)
	}
}

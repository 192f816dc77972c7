package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the sources file when it changes on disk. The parent
// directory is watched so editors that replace the file by rename are seen.
type Watcher struct {
	path     string
	reload   func(ctx context.Context) error
	debounce time.Duration
	logger   *slog.Logger
}

func New(path string, reload func(ctx context.Context) error, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: filepath.Clean(path), reload: reload, debounce: 250 * time.Millisecond, logger: logger}
}

// Start begins watching; the returned error covers setup only. Watching
// stops when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	go w.loop(ctx, watcher)
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.reload(ctx); err != nil {
				w.logger.Error("sources_reload_failed", "path", w.path, "err", err)
				continue
			}
			w.logger.Info("sources_reloaded", "path", w.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "err", err)
		}
	}
}

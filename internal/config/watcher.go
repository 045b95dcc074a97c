package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"quorum/internal/logging"
)

// Watcher reloads the logging section of the configuration when the
// config file changes on disk. Only logging settings are hot-applied;
// everything else requires a restart because sessions capture their
// limits at start.
type Watcher struct {
	path     string
	stateDir string
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path, stateDir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, stateDir: stateDir, watcher: fw}, nil
}

// Run processes change events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var debounce *time.Timer
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload failed: %v", err)
		return
	}
	if err := logging.Initialize(w.stateDir, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
	}); err != nil {
		logging.Get(logging.CategoryBoot).Warn("logging reinit failed: %v", err)
		return
	}
	logging.Get(logging.CategoryBoot).Info("logging settings reloaded from %s", w.path)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"insomnia/internal/prefs"
)

// prefsReloadDebounce coalesces editor write bursts on the preferences file.
const prefsReloadDebounce = 200 * time.Millisecond

// prefsTracker turns preference mappings into PreferenceChanged events.
// Writes through the store and edits to the file on disk both land here, so
// each key change reaches the daemon exactly once.
type prefsTracker struct {
	events chan<- Event
	logger *slog.Logger

	mu   sync.Mutex
	last prefs.Map
}

func newPrefsTracker(initial prefs.Map, events chan<- Event, logger *slog.Logger) *prefsTracker {
	return &prefsTracker{events: events, logger: logger, last: initial.Clone()}
}

// observe diffs next against the last seen mapping and emits one event per
// changed key.
func (t *prefsTracker) observe(ctx context.Context, next prefs.Map) {
	t.mu.Lock()
	changes := prefs.Diff(t.last, next)
	t.last = next.Clone()
	t.mu.Unlock()

	for _, c := range changes {
		t.logger.Info("preference changed", "key", c.Key, "value", c.New.Value)
		if !sendEvent(ctx, t.events, PreferenceChanged{Key: c.Key, Old: c.Old.Value, New: c.New.Value}) {
			return
		}
	}
}

// watchFile reloads the store whenever path changes on disk. The parent
// directory is watched so atomic rename-over saves are seen.
func (t *prefsTracker) watchFile(ctx context.Context, path string, store *prefs.Store) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	t.logger.Debug("watching preferences file", "path", path)

	base := filepath.Base(path)
	reload := time.NewTimer(prefsReloadDebounce)
	reload.Stop()

	for {
		select {
		case <-ctx.Done():
			reload.Stop()
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				reload.Reset(prefsReloadDebounce)
			}

		case <-reload.C:
			m, err := store.Load(ctx)
			if err != nil {
				t.logger.Warn("preferences reload failed", "error", err)
				continue
			}
			t.observe(ctx, m)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("preferences watcher error", "error", err)
		}
	}
}

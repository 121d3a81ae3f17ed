package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"insomnia/internal/failure"
)

// Kind of watcher event.
type Kind int

const (
	// Created fires when a new partial file appears.
	Created Kind = iota
	// Settled fires after partial files disappear and the directory has
	// been quiet for the settle delay.
	Settled
)

func (k Kind) String() string {
	if k == Created {
		return "created"
	}
	return "settled"
}

// Event carries the in-progress count observed when it fired.
type Event struct {
	Kind       Kind
	InProgress int
}

// Watcher turns filesystem notifications in the downloads directory into
// Created/Settled events.
type Watcher struct {
	enum   *Enumerator
	settle time.Duration
	logger *slog.Logger
}

func NewWatcher(enum *Enumerator, settle time.Duration, logger *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &Watcher{enum: enum, settle: settle, logger: logger}
}

// ErrDirGone is returned by Run when the watched directory is removed or
// renamed away.
var ErrDirGone = errors.New("downloads directory removed")

// Run watches until ctx is done or the directory goes away.
func (w *Watcher) Run(ctx context.Context, emit func(Event)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.enum.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.enum.Dir(), err)
	}

	settle := time.NewTimer(w.settle)
	settle.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == filepath.Clean(w.enum.Dir()) && (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)) {
				settle.Stop()
				return ErrDirGone
			}
			name := filepath.Base(ev.Name)
			if !w.enum.IsPartial(name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				n, err := w.enum.InProgress(ctx)
				if err != nil {
					w.logger.Warn("download search failed", "kind", failure.KindOf(err), "error", err)
					continue
				}
				w.logger.Debug("download started", "file", name, "in_progress", n)
				emit(Event{Kind: Created, InProgress: n})
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				if pending {
					settle.Stop()
				}
				settle.Reset(w.settle)
				pending = true
			}

		case <-settle.C:
			pending = false
			n, err := w.enum.InProgress(ctx)
			if err != nil {
				w.logger.Warn("download search failed", "kind", failure.KindOf(err), "error", err)
				continue
			}
			w.logger.Debug("downloads settled", "in_progress", n)
			emit(Event{Kind: Settled, InProgress: n})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("download watcher error", "error", err)
		}
	}
}

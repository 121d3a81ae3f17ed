// Package power holds the keep-awake lock.
//
// A Lock wraps a platform Backend and makes its calls idempotent: requesting
// the mode that is already held does nothing, requesting a different mode
// swaps the hold, and releasing when nothing is held does nothing.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Mode is the kind of sleep being prevented.
type Mode string

const (
	// ModeDisplay keeps the display on (and therefore the system awake).
	ModeDisplay Mode = "display"
	// ModeSystem keeps the system awake but lets the display sleep.
	ModeSystem Mode = "system"
)

// Backend names accepted by NewBackend.
const (
	BackendAuto   = "auto"
	BackendLogind = "logind"
	BackendExec   = "exec"
	BackendNone   = "none"
)

// Hold is an acquired inhibition. Release must be safe to call once.
type Hold interface {
	Release() error
}

// Backend acquires inhibitions from the platform.
type Backend interface {
	Name() string
	Acquire(ctx context.Context, mode Mode) (Hold, error)
}

// Inhibitor is what the daemon drives.
type Inhibitor interface {
	Request(ctx context.Context, mode Mode) error
	Release(ctx context.Context) error
}

// Lock is the idempotent Inhibitor over a Backend.
type Lock struct {
	backend Backend
	logger  *slog.Logger

	mu   sync.Mutex
	mode Mode
	hold Hold
}

// NewLock returns a Lock using backend.
func NewLock(backend Backend, logger *slog.Logger) *Lock {
	return &Lock{backend: backend, logger: logger}
}

// Request makes sure mode is held.
func (l *Lock) Request(ctx context.Context, mode Mode) error {
	if mode != ModeDisplay && mode != ModeSystem {
		return fmt.Errorf("unknown lock mode %q", mode)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hold != nil && l.mode == mode {
		return nil
	}
	if l.hold != nil {
		if err := l.releaseLocked(); err != nil {
			return err
		}
	}

	h, err := l.backend.Acquire(ctx, mode)
	if err != nil {
		return fmt.Errorf("%s: acquire %s lock: %w", l.backend.Name(), mode, err)
	}
	l.hold = h
	l.mode = mode
	l.logger.Debug("keep-awake lock acquired", "backend", l.backend.Name(), "mode", mode)
	return nil
}

// Release drops the hold, if any.
func (l *Lock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked()
}

// Held returns the held mode, or "" when nothing is held.
func (l *Lock) Held() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hold == nil {
		return ""
	}
	return l.mode
}

func (l *Lock) releaseLocked() error {
	if l.hold == nil {
		return nil
	}
	h := l.hold
	l.hold = nil
	l.mode = ""
	if err := h.Release(); err != nil {
		return fmt.Errorf("%s: release lock: %w", l.backend.Name(), err)
	}
	l.logger.Debug("keep-awake lock released", "backend", l.backend.Name())
	return nil
}

// Noop is a Backend that holds nothing. Used where the platform offers no
// mechanism, and when power.backend is "none".
type Noop struct{}

type noopHold struct{}

func (noopHold) Release() error { return nil }

func (Noop) Name() string { return BackendNone }

func (Noop) Acquire(context.Context, Mode) (Hold, error) { return noopHold{}, nil }

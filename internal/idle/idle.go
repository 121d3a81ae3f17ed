// Package idle reports the user's presence as one of three states:
// active, idle or locked.
//
// A Monitor combines two independent inputs: a LockSource that says whether
// the session is locked, and an IdleProbe that says how long it has been
// since the last user input. Locked wins over idle.
package idle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the user's presence.
type State string

const (
	Active State = "active"
	Idle   State = "idle"
	Locked State = "locked"
)

// DefaultThreshold is the inactivity after which the user counts as idle.
const DefaultThreshold = 60 * time.Second

// LockSource reports session lock changes until ctx is done.
type LockSource interface {
	Watch(ctx context.Context, onLock func(locked bool)) error
}

// IdleProbe returns the time since the last user input.
type IdleProbe interface {
	IdleFor() (time.Duration, error)
}

// Monitor emits a State whenever the combined state changes.
type Monitor struct {
	Locks     LockSource
	Probe     IdleProbe
	Threshold time.Duration
	Poll      time.Duration
	Logger    *slog.Logger

	mu     sync.Mutex
	locked bool
	idle   bool
	last   State
}

func (m *Monitor) current() State {
	switch {
	case m.locked:
		return Locked
	case m.idle:
		return Idle
	default:
		return Active
	}
}

// update applies fn under the lock and emits the new state if it changed.
func (m *Monitor) update(fn func(), emit func(State)) {
	m.mu.Lock()
	fn()
	s := m.current()
	changed := s != m.last
	m.last = s
	m.mu.Unlock()

	if changed {
		emit(s)
	}
}

// Run blocks until ctx is done. Either input may be nil. The initial state is
// Active and is not emitted.
func (m *Monitor) Run(ctx context.Context, emit func(State)) {
	m.mu.Lock()
	m.last = Active
	m.mu.Unlock()

	threshold := m.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	poll := m.Poll
	if poll <= 0 {
		poll = time.Second
	}

	var wg sync.WaitGroup
	if m.Locks != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Locks.Watch(ctx, func(locked bool) {
				m.update(func() { m.locked = locked }, emit)
			})
			if err != nil && ctx.Err() == nil {
				m.Logger.Warn("lock source stopped", "error", err)
			}
		}()
	}

	if m.Probe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			warned := false
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				d, err := m.Probe.IdleFor()
				if err != nil {
					if !warned {
						m.Logger.Warn("idle probe failed", "error", err)
						warned = true
					}
					continue
				}
				warned = false
				m.update(func() { m.idle = d >= threshold }, emit)
			}
		}()
	}

	wg.Wait()
}

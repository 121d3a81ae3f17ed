// Package throttle drops bursts of calls that arrive inside a fixed window.
package throttle

import (
	"sync"
	"time"
)

// Limiter allows one fire per window, measured from the last allowed fire.
// Calls inside the window are dropped, never queued.
type Limiter struct {
	window time.Duration

	mu    sync.Mutex
	last  time.Time
	fired bool
}

// New returns a limiter with the given window. A non-positive window lets
// every call through.
func New(window time.Duration) *Limiter {
	return &Limiter{window: window}
}

// TryFire reports whether a call at now may proceed, and records it if so.
func (l *Limiter) TryFire(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fired && now.Sub(l.last) < l.window {
		return false
	}
	l.last = now
	l.fired = true
	return true
}

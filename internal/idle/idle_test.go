package idle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanLocks chan bool

func (c chanLocks) Watch(ctx context.Context, onLock func(bool)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-c:
			onLock(v)
		}
	}
}

type fakeProbe struct{ ms atomic.Int64 }

func (p *fakeProbe) IdleFor() (time.Duration, error) {
	return time.Duration(p.ms.Load()) * time.Millisecond, nil
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) emit(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestMonitor_LockedWinsAndEmitsOnlyChanges(t *testing.T) {
	locks := make(chanLocks)
	probe := &fakeProbe{}
	m := &Monitor{
		Locks:     locks,
		Probe:     probe,
		Threshold: time.Minute,
		Poll:      5 * time.Millisecond,
		Logger:    slog.Default(),
	}
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, rec.emit)
		close(done)
	}()

	probe.ms.Store(int64(2 * time.Minute / time.Millisecond))
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)

	locks <- true
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)

	// Still idle and locked: repeated polls must not emit.
	locks <- true
	time.Sleep(30 * time.Millisecond)

	probe.ms.Store(0)
	locks <- false
	require.Eventually(t, func() bool {
		s := rec.get()
		return len(s) > 0 && s[len(s)-1] == Active
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	states := rec.get()
	assert.Equal(t, []State{Idle, Locked}, states[:2])
	for i := 1; i < len(states); i++ {
		assert.NotEqual(t, states[i-1], states[i], "consecutive duplicate state")
	}
}

func TestLockedHintFromSignal(t *testing.T) {
	sig := &dbus.Signal{Body: []any{
		login1SessionInterface,
		map[string]dbus.Variant{"LockedHint": dbus.MakeVariant(true)},
		[]string{},
	}}
	locked, ok := lockedHintFromSignal(sig)
	assert.True(t, ok)
	assert.True(t, locked)

	sig.Body[0] = "org.example.Other"
	_, ok = lockedHintFromSignal(sig)
	assert.False(t, ok)
}

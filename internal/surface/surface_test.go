package surface

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insomnia/internal/battery"
)

type fakeSurface struct {
	delivered []Message
	closed    int
}

func (f *fakeSurface) Deliver(_ context.Context, msg Message) error {
	f.delivered = append(f.delivered, msg)
	return nil
}

func (f *fakeSurface) Close() error {
	f.closed++
	return nil
}

func TestManager_SingleSurfaceAndPurposeSet(t *testing.T) {
	ctx := context.Background()
	opened := 0
	var s *fakeSurface
	m := NewManager(func(context.Context) (Surface, error) {
		opened++
		s = &fakeSurface{}
		return s, nil
	}, slog.Default())

	assert.ErrorIs(t, m.Send(ctx, Message{Msg: PlaySound}), ErrClosed)

	require.NoError(t, m.Ensure(ctx, Audio))
	require.NoError(t, m.Ensure(ctx, Battery))
	require.NoError(t, m.Ensure(ctx, Audio))
	assert.Equal(t, 1, opened)
	assert.Equal(t, []Purpose{Audio, Battery}, m.Purposes())

	require.NoError(t, m.Send(ctx, Message{Msg: PlaySound, Sound: "on"}))
	assert.Len(t, s.delivered, 1)

	// Releasing one purpose keeps the surface for the other.
	require.NoError(t, m.Release(Audio))
	assert.True(t, m.Open())
	assert.Zero(t, s.closed)

	require.NoError(t, m.Release(Battery))
	assert.False(t, m.Open())
	assert.Equal(t, 1, s.closed)

	// Releasing again is harmless.
	require.NoError(t, m.Release(Battery))
	assert.Equal(t, 1, s.closed)

	require.NoError(t, m.Ensure(ctx, Audio))
	assert.Equal(t, 2, opened)
}

type fakePlayer struct{ played []string }

func (p *fakePlayer) Play(_ context.Context, name string) error {
	p.played = append(p.played, name)
	return nil
}

type chanSource chan battery.Reading

func (chanSource) Name() string { return "chan" }

func (c chanSource) Watch(ctx context.Context, emit func(battery.Reading)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-c:
			emit(r)
		}
	}
}

func TestOffscreen_PlaysAndReportsBatteryChanges(t *testing.T) {
	ctx := context.Background()
	player := &fakePlayer{}
	src := make(chanSource)

	var mu sync.Mutex
	var out []Message
	o := NewOffscreen(player, src, func(_ context.Context, m Message) {
		mu.Lock()
		out = append(out, m)
		mu.Unlock()
	}, slog.Default())

	require.NoError(t, o.Deliver(ctx, Message{Msg: PlaySound, Sound: "on"}))
	assert.Equal(t, []string{"on"}, player.played)

	require.NoError(t, o.Deliver(ctx, Message{Msg: StartBatteryListener}))
	require.NoError(t, o.Deliver(ctx, Message{Msg: StartBatteryListener}))

	src <- battery.Reading{Percent: 50, Charging: true, External: true}
	src <- battery.Reading{Percent: 50, Charging: false, External: false}
	src <- battery.Reading{Percent: 9, Charging: false, External: false}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(out) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []Message{
		{Msg: BatteryChargingChanged, Info: false},
		{Msg: PowerSourceChanged, Info: false},
		{Msg: BatteryLevelChanged, Info: 9.0},
	}, out)
	mu.Unlock()

	require.NoError(t, o.Deliver(ctx, Message{Msg: BatterySettingDeactivated}))
	require.NoError(t, o.Close())
	assert.Error(t, o.Deliver(ctx, Message{Msg: Kind("bogus")}))
}

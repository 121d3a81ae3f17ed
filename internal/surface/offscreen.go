package surface

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"insomnia/internal/battery"
)

// CuePlayer plays a named sound.
type CuePlayer interface {
	Play(ctx context.Context, name string) error
}

// Offscreen is the in-process surface: it plays cues and runs the battery
// listener, reporting battery changes back through emit.
type Offscreen struct {
	player  CuePlayer
	battery battery.Source
	emit    func(ctx context.Context, msg Message)
	logger  *slog.Logger

	mu       sync.Mutex
	stopBatt context.CancelFunc
	battDone chan struct{}
	last     battery.Reading
	haveLast bool
}

// NewOffscreen returns a surface. player or source may be nil when the host
// has none; the corresponding messages then fail. emit receives the battery
// listener's context, which is canceled when the listener stops.
func NewOffscreen(player CuePlayer, source battery.Source, emit func(ctx context.Context, msg Message), logger *slog.Logger) *Offscreen {
	return &Offscreen{player: player, battery: source, emit: emit, logger: logger}
}

func (o *Offscreen) Deliver(ctx context.Context, msg Message) error {
	switch msg.Msg {
	case PlaySound:
		if o.player == nil {
			return fmt.Errorf("no audio player available")
		}
		return o.player.Play(ctx, msg.Sound)
	case StartBatteryListener:
		return o.startBattery()
	case BatterySettingDeactivated:
		o.stopBattery()
		return nil
	case BatterySettingActivated:
		return nil
	default:
		return fmt.Errorf("unsupported surface message %q", msg.Msg)
	}
}

func (o *Offscreen) startBattery() error {
	if o.battery == nil {
		return fmt.Errorf("no battery source available")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopBatt != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.stopBatt = cancel
	o.battDone = done
	o.haveLast = false

	go func() {
		defer close(done)
		err := o.battery.Watch(ctx, func(r battery.Reading) { o.onReading(ctx, r) })
		if err != nil && ctx.Err() == nil {
			o.logger.Warn("battery listener stopped", "source", o.battery.Name(), "error", err)
		}
	}()
	o.logger.Debug("battery listener started", "source", o.battery.Name())
	return nil
}

// onReading reports the fields that changed since the previous reading. The
// first reading only sets the baseline.
func (o *Offscreen) onReading(ctx context.Context, r battery.Reading) {
	o.mu.Lock()
	prev, have := o.last, o.haveLast
	o.last, o.haveLast = r, true
	o.mu.Unlock()
	if !have {
		return
	}

	ch := battery.Diff(prev, r)
	if ch.Charging {
		o.emit(ctx, Message{Msg: BatteryChargingChanged, Info: r.Charging})
	}
	if ch.Level {
		o.emit(ctx, Message{Msg: BatteryLevelChanged, Info: r.Percent})
	}
	if ch.External {
		o.emit(ctx, Message{Msg: PowerSourceChanged, Info: r.External})
	}
}

func (o *Offscreen) stopBattery() {
	o.mu.Lock()
	cancel, done := o.stopBatt, o.battDone
	o.stopBatt, o.battDone = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.logger.Debug("battery listener stopped")
}

func (o *Offscreen) Close() error {
	o.stopBattery()
	return nil
}

package battery

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	upowerService       = "org.freedesktop.UPower"
	upowerPath          = dbus.ObjectPath("/org/freedesktop/UPower")
	upowerDisplayDevice = dbus.ObjectPath("/org/freedesktop/UPower/devices/DisplayDevice")
	upowerInterface     = "org.freedesktop.UPower"
	upowerDevice        = "org.freedesktop.UPower.Device"
	propertiesChanged   = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// UPower device states.
const (
	stateCharging     uint32 = 1
	stateFullyCharged uint32 = 4
	statePendCharge   uint32 = 5
)

// UPower reads the composite display device and OnBattery from UPower.
type UPower struct {
	conn *dbus.Conn
}

// NewUPower connects to the system bus and checks that UPower answers.
func NewUPower() (*UPower, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	u := &UPower{conn: conn}
	if _, err := u.read(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *UPower) Name() string { return SourceUPower }

func (u *UPower) read() (Reading, error) {
	dev := u.conn.Object(upowerService, upowerDisplayDevice)

	pct, err := dev.GetProperty(upowerDevice + ".Percentage")
	if err != nil {
		return Reading{}, fmt.Errorf("read Percentage: %w", err)
	}
	state, err := dev.GetProperty(upowerDevice + ".State")
	if err != nil {
		return Reading{}, fmt.Errorf("read State: %w", err)
	}
	onBattery, err := u.conn.Object(upowerService, upowerPath).GetProperty(upowerInterface + ".OnBattery")
	if err != nil {
		return Reading{}, fmt.Errorf("read OnBattery: %w", err)
	}

	var r Reading
	if p, ok := pct.Value().(float64); ok {
		r.Percent = p
	}
	if s, ok := state.Value().(uint32); ok {
		r.Charging = s == stateCharging || s == stateFullyCharged || s == statePendCharge
	}
	if b, ok := onBattery.Value().(bool); ok {
		r.External = !b
	}
	return r, nil
}

func (u *UPower) Watch(ctx context.Context, emit func(Reading)) error {
	for _, path := range []dbus.ObjectPath{upowerPath, upowerDisplayDevice} {
		opts := []dbus.MatchOption{
			dbus.WithMatchObjectPath(path),
			dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
			dbus.WithMatchMember("PropertiesChanged"),
		}
		if err := u.conn.AddMatchSignal(opts...); err != nil {
			return fmt.Errorf("add match: %w", err)
		}
		defer u.conn.RemoveMatchSignal(opts...)
	}

	signals := make(chan *dbus.Signal, 16)
	u.conn.Signal(signals)
	defer u.conn.RemoveSignal(signals)

	last, err := u.read()
	if err != nil {
		return err
	}
	emit(last)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus closed")
			}
			if sig.Name != propertiesChanged || (sig.Path != upowerPath && sig.Path != upowerDisplayDevice) {
				continue
			}
			r, err := u.read()
			if err != nil {
				continue
			}
			if r != last {
				last = r
				emit(r)
			}
		}
	}
}

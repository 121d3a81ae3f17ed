package idle

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	login1Service          = "org.freedesktop.login1"
	login1Path             = dbus.ObjectPath("/org/freedesktop/login1")
	login1ManagerInterface = "org.freedesktop.login1.Manager"
	login1SessionInterface = "org.freedesktop.login1.Session"
	propertiesInterface    = "org.freedesktop.DBus.Properties"
)

// Logind watches the current logind session's Lock/Unlock signals and its
// LockedHint property.
type Logind struct {
	conn    *dbus.Conn
	session dbus.ObjectPath
}

// NewLogind resolves the caller's session on the system bus. XDG_SESSION_ID
// is used when set, otherwise logind's "auto" session.
func NewLogind() (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	id := os.Getenv("XDG_SESSION_ID")
	if id == "" {
		id = "auto"
	}
	var path dbus.ObjectPath
	err = conn.Object(login1Service, login1Path).
		Call(login1ManagerInterface+".GetSession", 0, id).
		Store(&path)
	if err != nil {
		return nil, fmt.Errorf("resolve logind session %q: %w", id, err)
	}
	return &Logind{conn: conn, session: path}, nil
}

func (l *Logind) lockedHint() (bool, error) {
	v, err := l.conn.Object(login1Service, l.session).
		GetProperty(login1SessionInterface + ".LockedHint")
	if err != nil {
		return false, err
	}
	locked, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("LockedHint has type %T", v.Value())
	}
	return locked, nil
}

// Watch reports the initial LockedHint and every change after it.
func (l *Logind) Watch(ctx context.Context, onLock func(bool)) error {
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchObjectPath(l.session), dbus.WithMatchInterface(login1SessionInterface)},
		{dbus.WithMatchObjectPath(l.session), dbus.WithMatchInterface(propertiesInterface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := l.conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("add match: %w", err)
		}
		defer l.conn.RemoveMatchSignal(m...)
	}

	signals := make(chan *dbus.Signal, 16)
	l.conn.Signal(signals)
	defer l.conn.RemoveSignal(signals)

	if locked, err := l.lockedHint(); err == nil {
		onLock(locked)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus closed")
			}
			if sig.Path != l.session {
				continue
			}
			switch sig.Name {
			case login1SessionInterface + ".Lock":
				onLock(true)
			case login1SessionInterface + ".Unlock":
				onLock(false)
			case propertiesInterface + ".PropertiesChanged":
				if locked, ok := lockedHintFromSignal(sig); ok {
					onLock(locked)
				}
			}
		}
	}
}

// lockedHintFromSignal extracts LockedHint from a PropertiesChanged body
// (interface, changed map, invalidated list).
func lockedHintFromSignal(sig *dbus.Signal) (bool, bool) {
	if len(sig.Body) < 2 {
		return false, false
	}
	iface, _ := sig.Body[0].(string)
	if iface != login1SessionInterface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["LockedHint"]
	if !ok {
		return false, false
	}
	locked, ok := v.Value().(bool)
	return locked, ok
}

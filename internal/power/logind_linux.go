//go:build linux

package power

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	login1Service = "org.freedesktop.login1"
	login1Path    = dbus.ObjectPath("/org/freedesktop/login1")
	login1Inhibit = "org.freedesktop.login1.Manager.Inhibit"
)

// inhibitWhat maps a mode onto logind's "what" list.
func inhibitWhat(mode Mode) string {
	if mode == ModeSystem {
		return "sleep"
	}
	return "idle:sleep"
}

// Logind takes delay-free "block" inhibitor locks from systemd-logind. The
// lock lives as long as the returned file descriptor stays open.
type Logind struct {
	conn *dbus.Conn
	who  string
}

// NewLogind connects to the system bus.
func NewLogind(who string) (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Logind{conn: conn, who: who}, nil
}

func (l *Logind) Name() string { return BackendLogind }

func (l *Logind) Acquire(ctx context.Context, mode Mode) (Hold, error) {
	obj := l.conn.Object(login1Service, login1Path)
	call := obj.CallWithContext(ctx, login1Inhibit, 0,
		inhibitWhat(mode), l.who, "Keeping the system awake on request", "block")
	if call.Err != nil {
		return nil, call.Err
	}
	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("decode inhibit reply: %w", err)
	}
	return &fdHold{fd: int(fd)}, nil
}

type fdHold struct {
	once sync.Once
	fd   int
}

func (h *fdHold) Release() error {
	var err error
	h.once.Do(func() { err = unix.Close(h.fd) })
	return err
}

// Exec runs systemd-inhibit around "sleep infinity"; killing the child drops
// the lock.
type Exec struct {
	who string
}

func NewExec(who string) *Exec { return &Exec{who: who} }

func (e *Exec) Name() string { return BackendExec }

func (e *Exec) Acquire(_ context.Context, mode Mode) (Hold, error) {
	path, err := exec.LookPath("systemd-inhibit")
	if err != nil {
		return nil, fmt.Errorf("systemd-inhibit not found: %w", err)
	}
	cmd := exec.Command(path,
		"--what="+inhibitWhat(mode),
		"--who="+e.who,
		"--why=Keeping the system awake on request",
		"--mode=block",
		"sleep", "infinity",
	)
	// The child must not outlive the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start systemd-inhibit: %w", err)
	}
	go cmd.Wait()
	return &procHold{proc: cmd.Process}, nil
}

type procHold struct {
	once sync.Once
	proc *os.Process
}

func (h *procHold) Release() error {
	var err error
	h.once.Do(func() { err = h.proc.Kill() })
	return err
}

// NewBackend selects a backend by name. "auto" prefers logind and falls back
// to systemd-inhibit when the system bus is unreachable.
func NewBackend(name, who string) (Backend, error) {
	switch name {
	case BackendAuto, "":
		if l, err := NewLogind(who); err == nil {
			return l, nil
		}
		return NewExec(who), nil
	case BackendLogind:
		return NewLogind(who)
	case BackendExec:
		return NewExec(who), nil
	case BackendNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown power backend %q", name)
	}
}

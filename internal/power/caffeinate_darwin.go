//go:build darwin

package power

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Caffeinate holds a caffeinate(8) child for as long as the lock is held.
type Caffeinate struct{}

func (Caffeinate) Name() string { return "caffeinate" }

func (Caffeinate) Acquire(_ context.Context, mode Mode) (Hold, error) {
	path, err := exec.LookPath("caffeinate")
	if err != nil {
		return nil, fmt.Errorf("caffeinate not found: %w", err)
	}
	// -i prevents idle sleep, -d keeps the display on as well.
	flag := "-d"
	if mode == ModeSystem {
		flag = "-i"
	}
	cmd := exec.Command(path, flag, "-w", strconv.Itoa(os.Getpid()))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start caffeinate: %w", err)
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

func NewBackend(name, _ string) (Backend, error) {
	switch name {
	case BackendAuto, "", BackendExec:
		return Caffeinate{}, nil
	case BackendNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("power backend %q is not available on darwin", name)
	}
}

// Package surface manages the daemon's single background helper surface:
// the component that plays audio cues and listens to the battery.
//
// The surface is created on demand and tracks why it is open as a set of
// purposes. It is torn down only when the last purpose is released.
package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
)

// Kind is a message type understood by a surface, or sent back by one.
type Kind string

const (
	Activate                  Kind = "activate"
	Deactivate                Kind = "deactivate"
	PlaySound                 Kind = "play_sound"
	StartBatteryListener      Kind = "start_battery_listener"
	BatteryChargingChanged    Kind = "battery_charging_changed"
	BatteryLevelChanged       Kind = "battery_level_changed"
	BatterySettingActivated   Kind = "battery_setting_activated"
	BatterySettingDeactivated Kind = "battery_setting_deactivated"
	PowerSourceChanged        Kind = "power_source_changed"
)

// Message is the envelope exchanged with a surface.
type Message struct {
	Msg   Kind   `json:"msg"`
	Sound string `json:"sound,omitempty"`
	Info  any    `json:"info,omitempty"`
}

// Purpose is a reason for the surface to stay open.
type Purpose string

const (
	Audio   Purpose = "audio"
	Battery Purpose = "battery"
)

// ErrClosed is returned by Send when no surface is open.
var ErrClosed = errors.New("surface is not open")

// Surface receives messages.
type Surface interface {
	Deliver(ctx context.Context, msg Message) error
	Close() error
}

// Factory opens a new surface.
type Factory func(ctx context.Context) (Surface, error)

// Manager owns at most one surface.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	current  Surface
	purposes map[Purpose]struct{}
}

func NewManager(factory Factory, logger *slog.Logger) *Manager {
	return &Manager{
		factory:  factory,
		logger:   logger,
		purposes: make(map[Purpose]struct{}),
	}
}

// Ensure opens the surface if needed and records p.
func (m *Manager) Ensure(ctx context.Context, p Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		s, err := m.factory(ctx)
		if err != nil {
			return fmt.Errorf("open surface for %s: %w", p, err)
		}
		m.current = s
		m.logger.Debug("surface opened", "purpose", p)
	}
	m.purposes[p] = struct{}{}
	return nil
}

// Release drops p and closes the surface once no purpose is left.
func (m *Manager) Release(p Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.purposes, p)
	if len(m.purposes) > 0 || m.current == nil {
		return nil
	}
	s := m.current
	m.current = nil
	m.logger.Debug("surface closed", "last_purpose", p)
	return s.Close()
}

// Send delivers msg to the open surface.
func (m *Manager) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return ErrClosed
	}
	return s.Deliver(ctx, msg)
}

// Open reports whether a surface exists.
func (m *Manager) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Purposes returns the held purposes, sorted.
func (m *Manager) Purposes() []Purpose {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Purpose, 0, len(m.purposes))
	for p := range m.purposes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Holds reports whether p is held.
func (m *Manager) Holds(p Purpose) bool {
	return slices.Contains(m.Purposes(), p)
}

// Close tears the surface down regardless of purposes.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.purposes)
	if m.current == nil {
		return nil
	}
	s := m.current
	m.current = nil
	return s.Close()
}

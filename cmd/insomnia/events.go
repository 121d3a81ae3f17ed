package main

import (
	"encoding/json"
	"fmt"
	"time"

	"insomnia/internal/idle"
	"insomnia/internal/permissions"
	"insomnia/internal/prefs"
)

// ============================================================================
// Events
// ============================================================================
// Events are the only input to the reducer. Trigger sources (IPC, hotkey,
// idle monitor, download watcher, battery listener, preference store) build
// one, send it on the daemon's events channel and forget about it.
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// TimedEvent stamps an event with the time the daemon received it. The
// reducer never calls time.Now itself.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// Started is reduced once after the daemon loaded its persisted state.
type Started struct{}

func (Started) eventMarker() {}

// Manual is an explicit user request for a status (popup, CLI on/off).
type Manual struct {
	Desired bool `json:"desired"`
}

func (Manual) eventMarker() {}

// KeyboardToggle flips the status (hotkey, toggleOnOff command).
type KeyboardToggle struct{}

func (KeyboardToggle) eventMarker() {}

// IdleChanged reports a new user presence state.
type IdleChanged struct {
	State idle.State `json:"state"`
}

func (IdleChanged) eventMarker() {}

// DownloadCreated reports a new in-progress download and the current count.
type DownloadCreated struct {
	InProgress int `json:"in_progress"`
}

func (DownloadCreated) eventMarker() {}

// DownloadsSettled reports that downloads finished or were cancelled.
type DownloadsSettled struct {
	InProgress int `json:"in_progress"`
}

func (DownloadsSettled) eventMarker() {}

// PreferenceChanged reports a persisted preference flip.
type PreferenceChanged struct {
	Key prefs.Key `json:"key"`
	Old bool      `json:"old"`
	New bool      `json:"new"`
}

func (PreferenceChanged) eventMarker() {}

// BatteryCharging reports a charging flag change from the battery listener.
type BatteryCharging struct {
	Charging bool `json:"charging"`
}

func (BatteryCharging) eventMarker() {}

// BatteryLevel reports a level change in percent (0-100).
type BatteryLevel struct {
	Percent float64 `json:"percent"`
}

func (BatteryLevel) eventMarker() {}

// PowerConnected reports an external power source change.
type PowerConnected struct {
	Connected bool `json:"connected"`
}

func (PowerConnected) eventMarker() {}

// PermissionsChanged carries the granted capability set after a request or
// removal.
type PermissionsChanged struct {
	Granted []permissions.Capability `json:"granted"`
}

func (PermissionsChanged) eventMarker() {}

// RequestStateSnapshot asks the daemon loop for a coherent copy of its state.
// Reply must be buffered; it is never blocked on.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// EffectFailed is fed back when executing a Command fails.
type EffectFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (EffectFailed) eventMarker() {}

// ============================================================================
// Broadcasts
// ============================================================================

// StateBroadcast is a reducer-emitted notification for UI clients.
type StateBroadcast interface {
	broadcastMarker()
}

type BroadcastStatusChanged struct {
	Awake            bool
	CausedByDownload bool
	Cause            string
	At               time.Time
}

func (BroadcastStatusChanged) broadcastMarker() {}

type BroadcastPreferenceChanged struct {
	Key   prefs.Key
	Value bool
	At    time.Time
}

func (BroadcastPreferenceChanged) broadcastMarker() {}

type BroadcastBatteryObserved struct {
	Battery BatteryObservation
	At      time.Time
}

func (BroadcastBatteryObserved) broadcastMarker() {}

type BroadcastPermissionsChanged struct {
	Granted []permissions.Capability
	At      time.Time
}

func (BroadcastPermissionsChanged) broadcastMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// Only externally triggerable events have a wire form. Everything else is
// produced inside the daemon.
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// commandData is the payload of the "command" event type.
type commandData struct {
	Name string `json:"name"`
}

const cmdToggleOnOff = "toggleOnOff"

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return envelopeEvent(env)
}

func envelopeEvent(env EventEnvelope) (Event, error) {
	switch env.Type {
	case "activate":
		return Manual{Desired: true}, nil

	case "deactivate":
		return Manual{Desired: false}, nil

	case "command":
		var c commandData
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("unmarshal command: %w", err)
		}
		switch c.Name {
		case cmdToggleOnOff:
			return KeyboardToggle{}, nil
		default:
			return nil, fmt.Errorf("unknown command: %q", c.Name)
		}

	case "idle_changed":
		var a IdleChanged
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal IdleChanged: %w", err)
		}
		switch a.State {
		case idle.Active, idle.Idle, idle.Locked:
		default:
			return nil, fmt.Errorf("unknown idle state: %q", a.State)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case Manual:
		if e.Desired {
			env.Type = "activate"
		} else {
			env.Type = "deactivate"
		}

	case KeyboardToggle:
		env.Type = "command"
		data, err := json.Marshal(commandData{Name: cmdToggleOnOff})
		if err != nil {
			return nil, fmt.Errorf("marshal command: %w", err)
		}
		env.Data = data

	case IdleChanged:
		env.Type = "idle_changed"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal IdleChanged: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}

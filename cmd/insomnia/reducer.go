package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"insomnia/internal/idle"
	"insomnia/internal/permissions"
	"insomnia/internal/power"
	"insomnia/internal/prefs"
	"insomnia/internal/status"
	"insomnia/internal/surface"
)

// This file implements the status reconciliation engine:
//
//   - Reduce() is the single writer of the awake flag.
//   - It performs no I/O, never blocks and never reads the clock; timestamps
//     arrive through TimedEvent.
//   - Each transition yields a batch of Commands. The daemon loop executes
//     them one by one; a failing command does not undo the others.

// LockPolicy decides what a session lock does to the status.
type LockPolicy string

const (
	// LockPolicySleep ends an awake session when the screen locks.
	LockPolicySleep LockPolicy = "sleep"
	// LockPolicyWake turns insomnia on when the screen locks.
	LockPolicyWake LockPolicy = "wake"
	// LockPolicyIgnore leaves the status alone.
	LockPolicyIgnore LockPolicy = "ignore"
)

func parseLockPolicy(s string) (LockPolicy, error) {
	switch LockPolicy(strings.ToLower(s)) {
	case LockPolicySleep, "":
		return LockPolicySleep, nil
	case LockPolicyWake:
		return LockPolicyWake, nil
	case LockPolicyIgnore:
		return LockPolicyIgnore, nil
	default:
		return "", fmt.Errorf("invalid lock policy: %s (must be sleep, wake, or ignore)", s)
	}
}

// ReducerConfig holds the policy knobs that are not user preferences.
type ReducerConfig struct {
	LockPolicy LockPolicy

	// BatteryThreshold is the level (percent, inclusive) at or below which
	// the batteryLevel preference ends an awake session.
	BatteryThreshold float64
}

// DefaultReducerConfig mirrors DefaultConfig.
func DefaultReducerConfig() ReducerConfig {
	return ReducerConfig{LockPolicy: LockPolicySleep, BatteryThreshold: defaultBatteryLevel}
}

// Transition causes, reported to UI clients and in logs.
const (
	causeManual           = "manual"
	causeKeyboard         = "keyboard"
	causeIdleLocked       = "idle_locked"
	causeDownload         = "download"
	causeDownloadsSettled = "downloads_settled"
	causeBatteryCharging  = "battery_charging"
	causeBatteryLevel     = "battery_level"
	causePowerConnected   = "power_connected"
)

// ReduceResult is the output of Reduce(): next state, Commands to execute and
// broadcasts for UI clients.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// lockMode maps the displaySleep preference to a power lock mode: allowing
// the display to sleep means only the system is kept awake.
func lockMode(p prefs.Map) power.Mode {
	if p.Bool(prefs.DisplaySleep) {
		return power.ModeSystem
	}
	return power.ModeDisplay
}

type reduction struct {
	s   *DaemonState
	at  time.Time
	out ReduceResult
}

func (r *reduction) emit(cmds ...Command) {
	r.out.Commands = append(r.out.Commands, cmds...)
}

func (r *reduction) broadcast(b StateBroadcast) {
	r.out.Broadcasts = append(r.out.Broadcasts, b)
}

func (r *reduction) statusChanged(cause string) {
	r.s.LastCause = cause
	r.s.ChangedAt = r.at
	r.emit(CmdPersistStatus{Snapshot: r.s.Status})
	r.broadcast(BroadcastStatusChanged{
		Awake:            r.s.Status.Awake,
		CausedByDownload: r.s.Status.AwakeCausedByDownload,
		Cause:            cause,
		At:               r.at,
	})
}

// wake transitions Asleep -> Awake.
func (r *reduction) wake(cause string, byDownload bool) {
	r.s.Status.Awake = true
	r.s.Status.AwakeCausedByDownload = byDownload

	r.emit(CmdRequestLock{Mode: lockMode(r.s.Prefs)}, CmdSetIcon{Active: true})
	if r.s.Prefs.Bool(prefs.Sounds) {
		r.emit(CmdPlayCue{Sound: soundOn})
	}
	r.statusChanged(cause)
}

// sleep transitions Awake -> Asleep. The download flag never outlives an
// awake session.
func (r *reduction) sleep(cause string) {
	r.s.Status.Awake = false
	r.s.Status.AwakeCausedByDownload = false

	r.emit(CmdReleaseLock{}, CmdSetIcon{Active: false})
	if r.s.Prefs.Bool(prefs.Sounds) {
		r.emit(CmdPlayCue{Sound: soundOff})
	}
	r.statusChanged(cause)
}

func (r *reduction) setAwake(desired bool, cause string) {
	switch {
	case desired && !r.s.Status.Awake:
		r.wake(cause, false)
	case !desired && r.s.Status.Awake:
		r.sleep(cause)
	}
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not mutate anything outside the returned state
//
// The daemon loop must:
// - execute Commands
// - translate failures into Events
// - feed those Events back into Reduce()
func Reduce(s *DaemonState, e Event, cfg ReducerConfig) ReduceResult {
	if s == nil {
		s = NewDaemonState(status.Snapshot{}, nil, nil)
	}
	if s.Prefs == nil {
		s.Prefs = prefs.Defaults()
	}

	r := &reduction{s: s}
	if te, ok := e.(TimedEvent); ok {
		r.at = te.At
		e = te.Event
	}

	switch ev := e.(type) {
	case Started:
		r.emit(CmdSetIcon{Active: s.Status.Awake})
		if s.Status.Awake {
			r.emit(CmdRequestLock{Mode: lockMode(s.Prefs)})
		}
		r.emit(CmdSyncSubscriptions{Downloads: s.hasCapability(permissions.Downloads)})
		if s.Prefs.BatteryFeatures() {
			r.emit(CmdBatterySetting{Active: true})
		}

	case Manual:
		r.setAwake(ev.Desired, causeManual)

	case KeyboardToggle:
		r.setAwake(!s.Status.Awake, causeKeyboard)

	case IdleChanged:
		s.Idle = ev.State
		if ev.State != idle.Locked {
			break
		}
		switch cfg.LockPolicy {
		case LockPolicySleep, "":
			if s.Status.Awake {
				r.sleep(causeIdleLocked)
			}
		case LockPolicyWake:
			if !s.Status.Awake {
				r.wake(causeIdleLocked, false)
			}
		}

	case DownloadCreated:
		s.Downloads = ev.InProgress
		if !s.Status.Awake && s.Prefs.Bool(prefs.AutoDownloads) && ev.InProgress > 0 {
			r.wake(causeDownload, true)
		}

	case DownloadsSettled:
		s.Downloads = ev.InProgress
		if s.Status.Awake && s.Status.AwakeCausedByDownload &&
			s.Prefs.Bool(prefs.AutoDownloads) && ev.InProgress == 0 {
			r.sleep(causeDownloadsSettled)
		}

	case PreferenceChanged:
		reducePreference(r, ev)

	case BatteryCharging:
		s.Battery.Charging, s.Battery.ChargingKnown = ev.Charging, true
		r.broadcast(BroadcastBatteryObserved{Battery: s.Battery, At: r.at})
		if !ev.Charging && s.Status.Awake && s.Prefs.Bool(prefs.BatteryCharging) {
			r.sleep(causeBatteryCharging)
		}

	case BatteryLevel:
		s.Battery.Percent, s.Battery.PercentKnown = ev.Percent, true
		r.broadcast(BroadcastBatteryObserved{Battery: s.Battery, At: r.at})
		if s.Status.Awake && s.Prefs.Bool(prefs.BatteryLevel) && ev.Percent <= cfg.BatteryThreshold {
			r.sleep(causeBatteryLevel)
		}

	case PowerConnected:
		s.Battery.External, s.Battery.ExternalKnown = ev.Connected, true
		r.broadcast(BroadcastBatteryObserved{Battery: s.Battery, At: r.at})
		if ev.Connected && !s.Status.Awake && s.Prefs.Bool(prefs.PowerConnect) {
			r.wake(causePowerConnected, false)
		}

	case PermissionsChanged:
		granted := slices.Clone(ev.Granted)
		slices.Sort(granted)
		if slices.Equal(granted, s.Granted) {
			break
		}
		s.Granted = granted
		r.emit(CmdSyncSubscriptions{Downloads: s.hasCapability(permissions.Downloads)})
		r.broadcast(BroadcastPermissionsChanged{Granted: slices.Clone(granted), At: r.at})

	case RequestStateSnapshot:
		r.emit(CmdPublishStateSnapshot{Reply: ev.Reply, Snapshot: s.Snapshot()})

	case EffectFailed:
		// Effects are best-effort; the status stays as decided.
		_ = ev

	default:
		// Unknown event type: no-op.
	}

	r.out.State = s
	return r.out
}

func reducePreference(r *reduction, ev PreferenceChanged) {
	s := r.s
	if !prefs.Known(ev.Key) {
		return
	}

	batteryBefore := s.Prefs.BatteryFeatures()

	p := s.Prefs[ev.Key]
	p.Key = ev.Key
	changed := p.Value != ev.New
	p.Value = ev.New
	s.Prefs[ev.Key] = p

	if changed {
		r.broadcast(BroadcastPreferenceChanged{Key: ev.Key, Value: ev.New, At: r.at})
	}

	switch ev.Key {
	case prefs.DisplaySleep:
		if s.Status.Awake && ev.Old != ev.New {
			r.emit(CmdReleaseLock{}, CmdRequestLock{Mode: lockMode(s.Prefs)})
		}
	case prefs.Sounds:
		if ev.Old && !ev.New {
			r.emit(CmdReleaseSurface{Purpose: surface.Audio})
		}
	}

	if after := s.Prefs.BatteryFeatures(); after != batteryBefore {
		r.emit(CmdBatterySetting{Active: after})
	}
}

package main

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insomnia/internal/idle"
	"insomnia/internal/permissions"
	"insomnia/internal/power"
	"insomnia/internal/prefs"
	"insomnia/internal/status"
	"insomnia/internal/surface"
)

func prefsWith(vals map[prefs.Key]bool) prefs.Map {
	m := prefs.Defaults()
	for k, v := range vals {
		p := m[k]
		p.Value = v
		m[k] = p
	}
	return m
}

func newTestState(vals map[prefs.Key]bool) *DaemonState {
	return NewDaemonState(status.Snapshot{}, prefsWith(vals), nil)
}

func awakeState(vals map[prefs.Key]bool) *DaemonState {
	s := newTestState(vals)
	s.Status.Awake = true
	return s
}

func TestReduce_ManualOnFromAsleep(t *testing.T) {
	at := time.Unix(1700000000, 0)
	s := newTestState(nil)

	rr := Reduce(s, TimedEvent{Event: Manual{Desired: true}, At: at}, DefaultReducerConfig())

	assert.True(t, rr.State.Status.Awake)
	assert.False(t, rr.State.Status.AwakeCausedByDownload)
	assert.Equal(t, []Command{
		CmdRequestLock{Mode: power.ModeDisplay},
		CmdSetIcon{Active: true},
		CmdPlayCue{Sound: soundOn},
		CmdPersistStatus{Snapshot: status.Snapshot{Awake: true}},
	}, rr.Commands)
	assert.Equal(t, []StateBroadcast{
		BroadcastStatusChanged{Awake: true, Cause: causeManual, At: at},
	}, rr.Broadcasts)
	assert.Equal(t, at, rr.State.ChangedAt)

	// Already awake: nothing to do.
	rr = Reduce(rr.State, Manual{Desired: true}, DefaultReducerConfig())
	assert.Empty(t, rr.Commands)
	assert.Empty(t, rr.Broadcasts)
}

func TestReduce_ManualOffWithoutSounds(t *testing.T) {
	s := awakeState(map[prefs.Key]bool{prefs.Sounds: false})

	rr := Reduce(s, Manual{Desired: false}, DefaultReducerConfig())

	assert.False(t, rr.State.Status.Awake)
	assert.Equal(t, []Command{
		CmdReleaseLock{},
		CmdSetIcon{Active: false},
		CmdPersistStatus{Snapshot: status.Snapshot{}},
	}, rr.Commands)

	rr = Reduce(rr.State, Manual{Desired: false}, DefaultReducerConfig())
	assert.Empty(t, rr.Commands)
}

func TestReduce_KeyboardToggleFlips(t *testing.T) {
	s := newTestState(map[prefs.Key]bool{prefs.DisplaySleep: true})

	rr := Reduce(s, KeyboardToggle{}, DefaultReducerConfig())
	require.True(t, rr.State.Status.Awake)
	assert.Contains(t, rr.Commands, CmdRequestLock{Mode: power.ModeSystem})
	assert.Equal(t, causeKeyboard, rr.State.LastCause)

	rr = Reduce(rr.State, KeyboardToggle{}, DefaultReducerConfig())
	assert.False(t, rr.State.Status.Awake)
	assert.Contains(t, rr.Commands, CmdPlayCue{Sound: soundOff})
}

func TestReduce_DownloadCausedAwakeAutoClears(t *testing.T) {
	cfg := DefaultReducerConfig()
	s := newTestState(map[prefs.Key]bool{prefs.AutoDownloads: true})

	rr := Reduce(s, DownloadCreated{InProgress: 1}, cfg)
	require.True(t, rr.State.Status.Awake)
	assert.True(t, rr.State.Status.AwakeCausedByDownload)
	assert.Contains(t, rr.Commands, CmdPersistStatus{Snapshot: status.Snapshot{Awake: true, AwakeCausedByDownload: true}})

	// A second download while awake changes nothing.
	rr = Reduce(rr.State, DownloadCreated{InProgress: 2}, cfg)
	assert.Empty(t, rr.Commands)

	// Still one running.
	rr = Reduce(rr.State, DownloadsSettled{InProgress: 1}, cfg)
	assert.True(t, rr.State.Status.Awake)
	assert.Empty(t, rr.Commands)

	rr = Reduce(rr.State, DownloadsSettled{InProgress: 0}, cfg)
	assert.False(t, rr.State.Status.Awake)
	assert.False(t, rr.State.Status.AwakeCausedByDownload)
	assert.Contains(t, rr.Commands, CmdReleaseLock{})
}

func TestReduce_DownloadGuards(t *testing.T) {
	cfg := DefaultReducerConfig()

	// Preference off.
	rr := Reduce(newTestState(nil), DownloadCreated{InProgress: 1}, cfg)
	assert.False(t, rr.State.Status.Awake)
	assert.Empty(t, rr.Commands)

	// Nothing actually in progress.
	rr = Reduce(newTestState(map[prefs.Key]bool{prefs.AutoDownloads: true}), DownloadCreated{InProgress: 0}, cfg)
	assert.False(t, rr.State.Status.Awake)

	// Awake for another reason: settling downloads must not end the session.
	s := awakeState(map[prefs.Key]bool{prefs.AutoDownloads: true})
	rr = Reduce(s, DownloadsSettled{InProgress: 0}, cfg)
	assert.True(t, rr.State.Status.Awake)
	assert.Empty(t, rr.Commands)
}

func TestReduce_ManualOffOverridesDownloadCause(t *testing.T) {
	cfg := DefaultReducerConfig()
	s := newTestState(map[prefs.Key]bool{prefs.AutoDownloads: true})

	rr := Reduce(s, DownloadCreated{InProgress: 3}, cfg)
	require.True(t, rr.State.Status.AwakeCausedByDownload)

	rr = Reduce(rr.State, Manual{Desired: false}, cfg)
	assert.False(t, rr.State.Status.Awake)
	assert.False(t, rr.State.Status.AwakeCausedByDownload)

	// The late settle finds nothing to undo.
	rr = Reduce(rr.State, DownloadsSettled{InProgress: 0}, cfg)
	assert.Empty(t, rr.Commands)
}

func TestReduce_DownloadWhileManuallyAwake(t *testing.T) {
	cfg := DefaultReducerConfig()
	s := newTestState(map[prefs.Key]bool{prefs.AutoDownloads: true})

	rr := Reduce(s, Manual{Desired: true}, cfg)
	rr = Reduce(rr.State, DownloadCreated{InProgress: 1}, cfg)
	assert.False(t, rr.State.Status.AwakeCausedByDownload)
}

func TestReduce_BatteryLevelThresholdBoundary(t *testing.T) {
	cfg := DefaultReducerConfig()
	vals := map[prefs.Key]bool{prefs.BatteryLevel: true}

	rr := Reduce(awakeState(vals), BatteryLevel{Percent: 11}, cfg)
	assert.True(t, rr.State.Status.Awake)
	assert.Empty(t, rr.Commands)
	assert.Equal(t, 11.0, rr.State.Battery.Percent)

	rr = Reduce(awakeState(vals), BatteryLevel{Percent: 10}, cfg)
	assert.False(t, rr.State.Status.Awake)
	assert.Equal(t, causeBatteryLevel, rr.State.LastCause)

	// Preference off: level is only observed.
	rr = Reduce(awakeState(nil), BatteryLevel{Percent: 3}, cfg)
	assert.True(t, rr.State.Status.Awake)
	assert.Equal(t, []StateBroadcast{
		BroadcastBatteryObserved{Battery: BatteryObservation{Percent: 3, PercentKnown: true}},
	}, rr.Broadcasts)
}

func TestReduce_BatteryChargingStops(t *testing.T) {
	cfg := DefaultReducerConfig()
	vals := map[prefs.Key]bool{prefs.BatteryCharging: true}

	rr := Reduce(awakeState(vals), BatteryCharging{Charging: true}, cfg)
	assert.True(t, rr.State.Status.Awake)

	rr = Reduce(rr.State, BatteryCharging{Charging: false}, cfg)
	assert.False(t, rr.State.Status.Awake)

	// Asleep already: nothing more.
	rr = Reduce(rr.State, BatteryCharging{Charging: false}, cfg)
	assert.Empty(t, rr.Commands)
}

func TestReduce_PowerConnectedWakes(t *testing.T) {
	cfg := DefaultReducerConfig()

	rr := Reduce(newTestState(nil), PowerConnected{Connected: true}, cfg)
	assert.False(t, rr.State.Status.Awake)

	vals := map[prefs.Key]bool{prefs.PowerConnect: true}
	rr = Reduce(newTestState(vals), PowerConnected{Connected: false}, cfg)
	assert.False(t, rr.State.Status.Awake)

	rr = Reduce(rr.State, PowerConnected{Connected: true}, cfg)
	assert.True(t, rr.State.Status.Awake)
	assert.Equal(t, causePowerConnected, rr.State.LastCause)
}

func TestReduce_DisplaySleepChangeReappliesLock(t *testing.T) {
	s := awakeState(map[prefs.Key]bool{prefs.DisplaySleep: false})

	rr := Reduce(s, PreferenceChanged{Key: prefs.DisplaySleep, Old: false, New: true}, DefaultReducerConfig())

	assert.True(t, rr.State.Status.Awake)
	assert.Equal(t, []Command{
		CmdReleaseLock{},
		CmdRequestLock{Mode: power.ModeSystem},
	}, rr.Commands)
	assert.True(t, rr.State.Prefs.Bool(prefs.DisplaySleep))
}

func TestReduce_DisplaySleepChangeWhileAsleep(t *testing.T) {
	rr := Reduce(newTestState(nil), PreferenceChanged{Key: prefs.DisplaySleep, Old: false, New: true}, DefaultReducerConfig())
	assert.Empty(t, rr.Commands)
	assert.True(t, rr.State.Prefs.Bool(prefs.DisplaySleep))

	// The next wake uses the new mode.
	rr = Reduce(rr.State, Manual{Desired: true}, DefaultReducerConfig())
	assert.Contains(t, rr.Commands, CmdRequestLock{Mode: power.ModeSystem})
}

func TestReduce_LockPolicies(t *testing.T) {
	locked := IdleChanged{State: idle.Locked}

	tests := []struct {
		name      string
		policy    LockPolicy
		awake     bool
		wantAwake bool
	}{
		{"sleep ends awake session", LockPolicySleep, true, false},
		{"sleep leaves asleep alone", LockPolicySleep, false, false},
		{"wake turns on", LockPolicyWake, false, true},
		{"wake keeps awake", LockPolicyWake, true, true},
		{"ignore awake", LockPolicyIgnore, true, true},
		{"ignore asleep", LockPolicyIgnore, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState(nil)
			s.Status.Awake = tt.awake
			rr := Reduce(s, locked, ReducerConfig{LockPolicy: tt.policy, BatteryThreshold: 10})
			assert.Equal(t, tt.wantAwake, rr.State.Status.Awake)
			assert.Equal(t, idle.Locked, rr.State.Idle)
			if tt.awake == tt.wantAwake {
				assert.Empty(t, rr.Commands)
			}
		})
	}
}

func TestReduce_IdleWithoutLockIsObservedOnly(t *testing.T) {
	rr := Reduce(awakeState(nil), IdleChanged{State: idle.Idle}, DefaultReducerConfig())
	assert.True(t, rr.State.Status.Awake)
	assert.Equal(t, idle.Idle, rr.State.Idle)
	assert.Empty(t, rr.Commands)
}

func TestReduce_SurfacePreferences(t *testing.T) {
	cfg := DefaultReducerConfig()
	s := newTestState(nil)

	rr := Reduce(s, PreferenceChanged{Key: prefs.Sounds, Old: true, New: false}, cfg)
	assert.Equal(t, []Command{CmdReleaseSurface{Purpose: surface.Audio}}, rr.Commands)
	assert.Equal(t, []StateBroadcast{BroadcastPreferenceChanged{Key: prefs.Sounds, Value: false}}, rr.Broadcasts)

	rr = Reduce(rr.State, PreferenceChanged{Key: prefs.BatteryLevel, Old: false, New: true}, cfg)
	assert.Equal(t, []Command{CmdBatterySetting{Active: true}}, rr.Commands)

	// The aggregate stays on.
	rr = Reduce(rr.State, PreferenceChanged{Key: prefs.PowerConnect, Old: false, New: true}, cfg)
	assert.Empty(t, rr.Commands)
	rr = Reduce(rr.State, PreferenceChanged{Key: prefs.BatteryLevel, Old: true, New: false}, cfg)
	assert.Empty(t, rr.Commands)

	rr = Reduce(rr.State, PreferenceChanged{Key: prefs.PowerConnect, Old: true, New: false}, cfg)
	assert.Equal(t, []Command{CmdBatterySetting{Active: false}}, rr.Commands)

	// Unknown keys are ignored.
	rr = Reduce(rr.State, PreferenceChanged{Key: "foo", New: true}, cfg)
	assert.Empty(t, rr.Commands)
	assert.NotContains(t, rr.State.Prefs, prefs.Key("foo"))
}

func TestReduce_StartedAndPermissions(t *testing.T) {
	cfg := DefaultReducerConfig()
	s := NewDaemonState(status.Snapshot{}, prefsWith(map[prefs.Key]bool{prefs.BatteryCharging: true}),
		[]permissions.Capability{permissions.Downloads})

	rr := Reduce(s, Started{}, cfg)
	assert.Equal(t, []Command{
		CmdSetIcon{Active: false},
		CmdSyncSubscriptions{Downloads: true},
		CmdBatterySetting{Active: true},
	}, rr.Commands)

	rr = Reduce(rr.State, PermissionsChanged{Granted: []permissions.Capability{permissions.Downloads}}, cfg)
	assert.Empty(t, rr.Commands)

	rr = Reduce(rr.State, PermissionsChanged{}, cfg)
	assert.Equal(t, []Command{CmdSyncSubscriptions{Downloads: false}}, rr.Commands)
	assert.Len(t, rr.Broadcasts, 1)
}

func TestReduce_SnapshotRequest(t *testing.T) {
	s := awakeState(map[prefs.Key]bool{prefs.Sounds: false})
	reply := make(chan StateSnapshot, 1)

	rr := Reduce(s, RequestStateSnapshot{Reply: reply}, DefaultReducerConfig())
	require.Len(t, rr.Commands, 1)
	cmd, ok := rr.Commands[0].(CmdPublishStateSnapshot)
	require.True(t, ok)
	assert.True(t, cmd.Snapshot.Awake)
	assert.False(t, cmd.Snapshot.Preferences[prefs.Sounds])
	assert.Len(t, cmd.Snapshot.Preferences, len(prefs.Keys()))
	assert.NotNil(t, cmd.Snapshot.Granted)
}

func TestReduce_EffectFailedKeepsStatus(t *testing.T) {
	s := awakeState(nil)
	rr := Reduce(s, EffectFailed{Command: CmdRequestLock{Mode: power.ModeDisplay}}, DefaultReducerConfig())
	assert.True(t, rr.State.Status.Awake)
	assert.Empty(t, rr.Commands)
}

// model applies the transition table directly. The reducer must agree with
// it for any event order.
type model struct {
	awake      bool
	byDownload bool
	prefs      map[prefs.Key]bool
}

func (m *model) apply(e Event, cfg ReducerConfig) {
	on := func(k prefs.Key) bool { return m.prefs[k] }
	wake := func(byDownload bool) { m.awake, m.byDownload = true, byDownload }
	sleep := func() { m.awake, m.byDownload = false, false }

	switch ev := e.(type) {
	case Manual:
		if ev.Desired && !m.awake {
			wake(false)
		} else if !ev.Desired && m.awake {
			sleep()
		}
	case KeyboardToggle:
		if m.awake {
			sleep()
		} else {
			wake(false)
		}
	case IdleChanged:
		if ev.State == idle.Locked {
			if cfg.LockPolicy == LockPolicySleep && m.awake {
				sleep()
			} else if cfg.LockPolicy == LockPolicyWake && !m.awake {
				wake(false)
			}
		}
	case DownloadCreated:
		if !m.awake && on(prefs.AutoDownloads) && ev.InProgress > 0 {
			wake(true)
		}
	case DownloadsSettled:
		if m.awake && m.byDownload && on(prefs.AutoDownloads) && ev.InProgress == 0 {
			sleep()
		}
	case PreferenceChanged:
		m.prefs[ev.Key] = ev.New
	case BatteryCharging:
		if !ev.Charging && m.awake && on(prefs.BatteryCharging) {
			sleep()
		}
	case BatteryLevel:
		if m.awake && on(prefs.BatteryLevel) && ev.Percent <= cfg.BatteryThreshold {
			sleep()
		}
	case PowerConnected:
		if ev.Connected && !m.awake && on(prefs.PowerConnect) {
			wake(false)
		}
	}
}

func randomEvent(r *rand.Rand, current map[prefs.Key]bool) Event {
	states := []idle.State{idle.Active, idle.Idle, idle.Locked}
	keys := prefs.Keys()
	switch r.IntN(10) {
	case 0:
		return Manual{Desired: r.IntN(2) == 0}
	case 1:
		return KeyboardToggle{}
	case 2:
		return IdleChanged{State: states[r.IntN(len(states))]}
	case 3:
		return DownloadCreated{InProgress: r.IntN(3)}
	case 4:
		return DownloadsSettled{InProgress: r.IntN(2)}
	case 5:
		k := keys[r.IntN(len(keys))]
		return PreferenceChanged{Key: k, Old: current[k], New: !current[k]}
	case 6:
		return BatteryCharging{Charging: r.IntN(2) == 0}
	case 7:
		return BatteryLevel{Percent: float64(r.IntN(21))}
	case 8:
		return PowerConnected{Connected: r.IntN(2) == 0}
	default:
		return TimedEvent{Event: KeyboardToggle{}, At: time.Unix(int64(r.IntN(1000)), 0)}
	}
}

func TestReduce_SingleWriterMatchesTransitionTable(t *testing.T) {
	for _, policy := range []LockPolicy{LockPolicySleep, LockPolicyWake, LockPolicyIgnore} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := ReducerConfig{LockPolicy: policy, BatteryThreshold: 10}
			r := rand.New(rand.NewPCG(42, uint64(len(policy))))

			for run := 0; run < 50; run++ {
				s := newTestState(nil)
				m := &model{prefs: map[prefs.Key]bool{}}
				for _, k := range prefs.Keys() {
					m.prefs[k] = s.Prefs.Bool(k)
				}

				for step := 0; step < 200; step++ {
					ev := randomEvent(r, m.prefs)
					before := s.Status.Awake

					rr := Reduce(s, ev, cfg)
					s = rr.State

					inner := ev
					if te, ok := ev.(TimedEvent); ok {
						inner = te.Event
					}
					m.apply(inner, cfg)

					require.Equal(t, m.awake, s.Status.Awake, "run %d step %d event %#v", run, step, ev)
					require.Equal(t, m.byDownload, s.Status.AwakeCausedByDownload, "run %d step %d event %#v", run, step, ev)
					require.False(t, s.Status.AwakeCausedByDownload && !s.Status.Awake)

					persisted := 0
					for _, c := range rr.Commands {
						if _, ok := c.(CmdPersistStatus); ok {
							persisted++
						}
					}
					if before != s.Status.Awake {
						require.Equal(t, 1, persisted)
					} else {
						require.Zero(t, persisted)
					}
				}
			}
		})
	}
}

func TestParseLockPolicy(t *testing.T) {
	p, err := parseLockPolicy("WAKE")
	require.NoError(t, err)
	assert.Equal(t, LockPolicyWake, p)

	p, err = parseLockPolicy("")
	require.NoError(t, err)
	assert.Equal(t, LockPolicySleep, p)

	_, err = parseLockPolicy("snooze")
	assert.Error(t, err)
}

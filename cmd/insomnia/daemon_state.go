package main

import (
	"slices"
	"time"

	"insomnia/internal/idle"
	"insomnia/internal/permissions"
	"insomnia/internal/prefs"
	"insomnia/internal/status"
)

// DaemonState is the top-level, daemon-owned state container.
//
// Only the reducer writes it, and only the daemon goroutine calls the reducer.
// Other goroutines see copies through StateSnapshot.
type DaemonState struct {
	// Status is the authoritative awake flag plus the download cause.
	Status status.Snapshot

	// Prefs is the reducer's copy of the persisted preferences, refreshed by
	// PreferenceChanged events.
	Prefs prefs.Map

	// Granted is the capability set last reported by the permission gate.
	Granted []permissions.Capability

	// Idle is the last reported presence state.
	Idle idle.State

	// Battery caches what the battery listener last reported.
	Battery BatteryObservation

	// Downloads is the last reported in-progress download count.
	Downloads int

	// LastCause names the event behind the latest status transition.
	LastCause string
	ChangedAt time.Time
}

// BatteryObservation is the daemon's cached view of the power supply.
type BatteryObservation struct {
	Charging      bool    `json:"charging"`
	ChargingKnown bool    `json:"charging_known"`
	Percent       float64 `json:"percent"`
	PercentKnown  bool    `json:"percent_known"`
	External      bool    `json:"external"`
	ExternalKnown bool    `json:"external_known"`
}

// NewDaemonState builds the initial state from the persisted stores.
func NewDaemonState(st status.Snapshot, p prefs.Map, granted []permissions.Capability) *DaemonState {
	if p == nil {
		p = prefs.Defaults()
	}
	if !st.Awake {
		st.AwakeCausedByDownload = false
	}
	g := slices.Clone(granted)
	slices.Sort(g)
	return &DaemonState{
		Status:  st,
		Prefs:   p.Clone(),
		Granted: g,
		Idle:    idle.Active,
	}
}

func (s *DaemonState) hasCapability(c permissions.Capability) bool {
	return slices.Contains(s.Granted, c)
}

// StateSnapshot is a copy of DaemonState that is safe to hand to other
// goroutines (IPC handlers, websocket clients).
type StateSnapshot struct {
	Awake                 bool                     `json:"awake"`
	AwakeCausedByDownload bool                     `json:"awake_caused_by_download"`
	LastCause             string                   `json:"last_cause,omitempty"`
	ChangedAt             time.Time                `json:"changed_at,omitempty"`
	Preferences           map[prefs.Key]bool       `json:"preferences"`
	Granted               []permissions.Capability `json:"granted"`
	Idle                  idle.State               `json:"idle"`
	Battery               BatteryObservation       `json:"battery"`
	Downloads             int                      `json:"downloads_in_progress"`
}

// Snapshot copies the state.
func (s *DaemonState) Snapshot() StateSnapshot {
	p := make(map[prefs.Key]bool, len(s.Prefs))
	for _, k := range prefs.Keys() {
		p[k] = s.Prefs.Bool(k)
	}
	granted := slices.Clone(s.Granted)
	if granted == nil {
		granted = []permissions.Capability{}
	}
	return StateSnapshot{
		Awake:                 s.Status.Awake,
		AwakeCausedByDownload: s.Status.AwakeCausedByDownload,
		LastCause:             s.LastCause,
		ChangedAt:             s.ChangedAt,
		Preferences:           p,
		Granted:               granted,
		Idle:                  s.Idle,
		Battery:               s.Battery,
		Downloads:             s.Downloads,
	}
}

// Package prefs holds the user preferences: the known keys, their defaults,
// and a store that persists them through a kv.Store while keeping the
// persisted key set equal to the known key set.
package prefs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"insomnia/internal/failure"
	"insomnia/internal/kv"
	"insomnia/internal/permissions"
)

// Key names a preference.
type Key string

const (
	Sounds          Key = "sounds"
	DisplaySleep    Key = "displaySleep"
	AutoDownloads   Key = "autoDownloads"
	PowerConnect    Key = "powerConnect"
	BatteryCharging Key = "batteryCharging"
	BatteryLevel    Key = "batteryLevel"
)

// storeKey is the kv key the whole preference mapping lives under.
const storeKey = "preferences"

// Preference is one configurable behaviour.
type Preference struct {
	Key                Key                    `json:"key"`
	Value              bool                   `json:"value"`
	RequiredCapability permissions.Capability `json:"requiredCapability,omitempty"`
}

// Map is the full preference mapping.
type Map map[Key]Preference

// stored is the persisted shape of one preference.
type stored struct {
	Value bool `json:"value"`
}

var (
	order = []Key{Sounds, DisplaySleep, AutoDownloads, PowerConnect, BatteryCharging, BatteryLevel}

	defaults = Map{
		Sounds:          {Key: Sounds, Value: true},
		DisplaySleep:    {Key: DisplaySleep, Value: false},
		AutoDownloads:   {Key: AutoDownloads, Value: false, RequiredCapability: permissions.Downloads},
		PowerConnect:    {Key: PowerConnect, Value: false},
		BatteryCharging: {Key: BatteryCharging, Value: false},
		BatteryLevel:    {Key: BatteryLevel, Value: false},
	}
)

// Keys returns the known keys in display order.
func Keys() []Key { return slices.Clone(order) }

// Known reports whether k is a recognised preference key.
func Known(k Key) bool {
	_, ok := defaults[k]
	return ok
}

// Defaults returns a fresh copy of the default mapping.
func Defaults() Map { return defaults.Clone() }

// Clone returns a copy of m.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Bool returns the value of k, falling back to its default when absent.
func (m Map) Bool(k Key) bool {
	if p, ok := m[k]; ok {
		return p.Value
	}
	return defaults[k].Value
}

// BatteryFeatures reports whether any feature needing the battery listener is on.
func (m Map) BatteryFeatures() bool {
	return m.Bool(BatteryCharging) || m.Bool(BatteryLevel) || m.Bool(PowerConnect)
}

// merge heals a persisted mapping: unknown keys are dropped, missing keys get
// their default, and known values are kept. Capability metadata always comes
// from the defaults.
func merge(persisted map[Key]stored) Map {
	out := Defaults()
	for k, s := range persisted {
		d, ok := defaults[k]
		if !ok {
			continue
		}
		d.Value = s.Value
		out[k] = d
	}
	return out
}

func toStored(m Map) map[Key]stored {
	out := make(map[Key]stored, len(defaults))
	for _, k := range order {
		out[k] = stored{Value: m.Bool(k)}
	}
	return out
}

// Change is one key whose value differs between two mappings.
type Change struct {
	Key Key
	Old Preference
	New Preference
}

// Diff lists the keys whose value changed from old to new, in display order.
func Diff(old, new Map) []Change {
	var out []Change
	for _, k := range order {
		o, n := old[k], new[k]
		if o.Key == "" {
			o = defaults[k]
		}
		if n.Key == "" {
			n = defaults[k]
		}
		if o.Value != n.Value {
			out = append(out, Change{Key: k, Old: o, New: n})
		}
	}
	return out
}

// Store loads and saves preferences.
type Store struct {
	backend kv.Store
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers []func(old, new Map)
}

// NewStore returns a store persisting into backend.
func NewStore(backend kv.Store, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

// Load returns the healed mapping, or a failure.Persistence error.
func (s *Store) Load(ctx context.Context) (Map, error) {
	var persisted map[Key]stored
	if _, err := s.backend.Get(ctx, storeKey, &persisted); err != nil {
		return nil, failure.New(failure.Persistence, "prefs.load", err)
	}
	return merge(persisted), nil
}

// Get returns the healed mapping. A load failure is logged and the defaults
// are returned; Get never fails its caller.
func (s *Store) Get(ctx context.Context) Map {
	m, err := s.Load(ctx)
	if err != nil {
		s.logger.Error("failed to load preferences, using defaults", "error", err)
		return Defaults()
	}
	return m
}

// Set persists the full mapping (healed first) and notifies subscribers.
// A backend failure is returned as failure.Persistence; callers holding
// optimistic UI state must roll it back.
func (s *Store) Set(ctx context.Context, m Map) error {
	old := s.Get(ctx)
	healed := merge(toStored(m))
	if err := s.backend.Set(ctx, storeKey, toStored(healed)); err != nil {
		return failure.New(failure.Persistence, "prefs.set", err)
	}

	s.mu.Lock()
	subs := slices.Clone(s.subscribers)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(old, healed.Clone())
	}
	return nil
}

// Update sets a single key and returns the resulting mapping.
func (s *Store) Update(ctx context.Context, k Key, value bool) (Map, error) {
	if !Known(k) {
		return nil, fmt.Errorf("unknown preference %q", k)
	}
	m := s.Get(ctx)
	p := m[k]
	p.Value = value
	m[k] = p
	if err := s.Set(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe registers fn to receive (old, new) after every successful Set.
func (s *Store) Subscribe(fn func(old, new Map)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Package battery watches the battery charge, its charging state and
// whether external power is connected.
package battery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultLevelThreshold is the percentage at or below which a low battery
// puts the host back to sleep.
const DefaultLevelThreshold = 10

// Reading is one observation of the power supply.
type Reading struct {
	Percent  float64 `json:"level"`
	Charging bool    `json:"charging"`
	External bool    `json:"external"`
}

// Source backend names accepted by NewSource.
const (
	SourceAuto   = "auto"
	SourceUPower = "upower"
	SourceSysfs  = "sysfs"
)

// Source watches the power supply. Watch calls emit with the first reading
// and then only when the reading changes, until ctx is done.
type Source interface {
	Name() string
	Watch(ctx context.Context, emit func(Reading)) error
}

// NewSource selects a source by name. "auto" prefers UPower and falls back
// to polling sysfs.
func NewSource(name string, poll time.Duration, logger *slog.Logger) (Source, error) {
	switch name {
	case SourceAuto, "":
		u, err := NewUPower()
		if err == nil {
			return u, nil
		}
		logger.Debug("upower unavailable, polling sysfs", "error", err)
		return NewSysfs(DefaultSysfsRoot, poll), nil
	case SourceUPower:
		return NewUPower()
	case SourceSysfs:
		return NewSysfs(DefaultSysfsRoot, poll), nil
	default:
		return nil, fmt.Errorf("unknown battery source %q", name)
	}
}

// Changes describes which fields differ between two readings.
type Changes struct {
	Charging bool
	Level    bool
	External bool
}

// Diff compares prev and next.
func Diff(prev, next Reading) Changes {
	return Changes{
		Charging: prev.Charging != next.Charging,
		Level:    prev.Percent != next.Percent,
		External: prev.External != next.External,
	}
}

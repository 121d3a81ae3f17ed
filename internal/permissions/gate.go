// Package permissions implements the capability gate: a persisted set of
// granted capabilities plus per-capability probes that decide whether a
// request can be granted on this host.
package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"insomnia/internal/failure"
	"insomnia/internal/kv"
)

// Capability names an OS-level permission gating a feature.
type Capability string

const (
	// Downloads gates enumeration of the downloads directory.
	Downloads Capability = "downloads"
)

const storeKey = "permissions"

// Probe reports why a capability cannot be granted right now (nil = grantable).
type Probe func(ctx context.Context) error

// Gate answers contains/request/remove for capabilities.
type Gate struct {
	store  kv.Store
	logger *slog.Logger

	mu        sync.Mutex
	probes    map[Capability]Probe
	listeners []func()
}

// NewGate returns a gate persisting grants in store.
func NewGate(store kv.Store, logger *slog.Logger) *Gate {
	return &Gate{
		store:  store,
		logger: logger,
		probes: make(map[Capability]Probe),
	}
}

// Provide registers the probe used when c is requested.
func (g *Gate) Provide(c Capability, p Probe) {
	g.mu.Lock()
	g.probes[c] = p
	g.mu.Unlock()
}

// OnChange registers fn to be called after a grant is added or removed.
func (g *Gate) OnChange(fn func()) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// Granted returns the persisted set of granted capabilities.
func (g *Gate) Granted(ctx context.Context) ([]Capability, error) {
	var names []Capability
	if _, err := g.store.Get(ctx, storeKey, &names); err != nil {
		return nil, failure.New(failure.Persistence, "permissions.load", err)
	}
	return names, nil
}

// Contains reports whether c is currently granted.
func (g *Gate) Contains(ctx context.Context, c Capability) (bool, error) {
	names, err := g.Granted(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, c), nil
}

// Request grants c if its probe allows it. A refusal is (false, nil); a probe
// or storage failure is returned as a failure.Permission / Persistence error.
func (g *Gate) Request(ctx context.Context, c Capability) (bool, error) {
	names, err := g.Granted(ctx)
	if err != nil {
		return false, err
	}
	if slices.Contains(names, c) {
		return true, nil
	}

	g.mu.Lock()
	probe := g.probes[c]
	g.mu.Unlock()
	if probe == nil {
		g.logger.Warn("capability requested without a probe", "capability", c)
		return false, nil
	}
	if err := probe(ctx); err != nil {
		g.logger.Info("capability denied", "capability", c, "reason", err)
		return false, failure.New(failure.Permission, "permissions.request", fmt.Errorf("%s: %w", c, err))
	}

	names = append(names, c)
	if err := g.store.Set(ctx, storeKey, names); err != nil {
		return false, failure.New(failure.Persistence, "permissions.save", err)
	}
	g.logger.Info("capability granted", "capability", c)
	g.notify()
	return true, nil
}

// Remove revokes c. It returns true when c is no longer granted afterwards
// (including when it was never granted).
func (g *Gate) Remove(ctx context.Context, c Capability) (bool, error) {
	names, err := g.Granted(ctx)
	if err != nil {
		return false, err
	}
	idx := slices.Index(names, c)
	if idx < 0 {
		return true, nil
	}
	names = slices.Delete(names, idx, idx+1)
	if err := g.store.Set(ctx, storeKey, names); err != nil {
		return false, failure.New(failure.Persistence, "permissions.save", err)
	}
	g.logger.Info("capability removed", "capability", c)
	g.notify()
	return true, nil
}

func (g *Gate) notify() {
	g.mu.Lock()
	ls := slices.Clone(g.listeners)
	g.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}

// DirProbe grants a capability only if dir can be listed.
func DirProbe(dir string) Probe {
	return func(context.Context) error {
		if dir == "" {
			return fmt.Errorf("no directory configured")
		}
		if _, err := os.ReadDir(dir); err != nil {
			return err
		}
		return nil
	}
}

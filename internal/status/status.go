// Package status keeps the process-scoped awake flags.
//
// The daemon's reducer owns the authoritative copy of these flags. The store
// is written on every transition and read once at startup to seed the
// reducer state; status queries go through the event loop instead.
package status

import (
	"context"
	"log/slog"

	"insomnia/internal/kv"
)

const (
	keyAwake      = "status"
	keyByDownload = "awakeCausedByDownload"
)

// Snapshot is the pair of ephemeral flags.
type Snapshot struct {
	Awake                 bool `json:"status"`
	AwakeCausedByDownload bool `json:"awakeCausedByDownload"`
}

// Store reads and writes the flags. Writes are fire-and-forget: a failure is
// logged and otherwise ignored.
type Store struct {
	backend kv.Store
	logger  *slog.Logger
}

// NewStore returns a store over backend. Pass kv.NewMemory() for the usual
// process-lifetime semantics.
func NewStore(backend kv.Store, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

func (s *Store) getBool(ctx context.Context, key string) bool {
	var v bool
	if _, err := s.backend.Get(ctx, key, &v); err != nil {
		s.logger.Warn("status read failed", "key", key, "error", err)
		return false
	}
	return v
}

func (s *Store) setBool(ctx context.Context, key string, v bool) {
	if err := s.backend.Set(ctx, key, v); err != nil {
		s.logger.Warn("status write failed", "key", key, "error", err)
	}
}

func (s *Store) Awake(ctx context.Context) bool { return s.getBool(ctx, keyAwake) }

func (s *Store) SetAwake(ctx context.Context, v bool) { s.setBool(ctx, keyAwake, v) }

func (s *Store) AwakeCausedByDownload(ctx context.Context) bool {
	return s.getBool(ctx, keyByDownload)
}

func (s *Store) SetAwakeCausedByDownload(ctx context.Context, v bool) {
	s.setBool(ctx, keyByDownload, v)
}

// Snapshot reads both flags.
func (s *Store) Snapshot(ctx context.Context) Snapshot {
	return Snapshot{
		Awake:                 s.Awake(ctx),
		AwakeCausedByDownload: s.AwakeCausedByDownload(ctx),
	}
}

// Save writes both flags.
func (s *Store) Save(ctx context.Context, snap Snapshot) {
	s.SetAwake(ctx, snap.Awake)
	s.SetAwakeCausedByDownload(ctx, snap.AwakeCausedByDownload)
}

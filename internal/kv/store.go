// Package kv provides the key/value stores the daemon persists state in.
//
// Values cross the store boundary as JSON-shaped data: every backend
// normalises a value through encoding/json before writing it, so the same
// struct tags decide field names whether the bytes end up in YAML, TOML,
// SQLite or memory.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Store is a last-write-wins key/value store.
type Store interface {
	// Get decodes the value stored under key into dst. It returns false
	// (and leaves dst untouched) when the key does not exist.
	Get(ctx context.Context, key string, dst any) (bool, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value any) error

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open constructs a persistent store for the given backend.
// For "file" the format is chosen from the path extension (.yaml, .yml, .toml).
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return OpenFile(path)
	case BackendSQLite:
		return OpenSQL(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", backend)
	}
}

// IsFileBackend reports whether a path would be stored by a file codec.
func IsFileBackend(backend, path string) bool {
	if backend != BackendFile && backend != "" {
		return false
	}
	_, err := codecFor(path)
	return err == nil
}

func codecFor(path string) (codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlCodec{}, nil
	case ".toml":
		return tomlCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported store file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// normalize converts v into plain maps/slices/scalars using its JSON shape.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// assign decodes a generic value (as produced by a codec) into dst.
func assign(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

package kv

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type codec interface {
	decode(b []byte) (map[string]any, error)
	encode(doc map[string]any) ([]byte, error)
}

type yamlCodec struct{}

func (yamlCodec) decode(b []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(b)) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (yamlCodec) encode(doc map[string]any) ([]byte, error) {
	return yaml.Marshal(doc)
}

type tomlCodec struct{}

func (tomlCodec) decode(b []byte) (map[string]any, error) {
	doc := map[string]any{}
	if _, err := toml.Decode(string(b), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (tomlCodec) encode(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// File stores every key as a top-level entry of a single YAML or TOML
// document. Writes rewrite the whole document atomically (temp file + rename).
type File struct {
	path  string
	codec codec
	mu    sync.Mutex
}

// OpenFile returns a file-backed store. The file is created lazily on the
// first Set; its parent directory is created here.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	c, err := codecFor(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}
	return &File{path: path, codec: c}, nil
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

func (f *File) Get(_ context.Context, key string, dst any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return false, err
	}
	v, ok := doc[key]
	if !ok {
		return false, nil
	}
	if err := assign(v, dst); err != nil {
		return false, errors.Wrapf(err, "decode %q from %s", key, f.path)
	}
	return true, nil
}

func (f *File) Set(_ context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	nv, err := normalize(value)
	if err != nil {
		return errors.Wrapf(err, "encode %q", key)
	}
	doc[key] = nv

	b, err := f.codec.encode(doc)
	if err != nil {
		return errors.Wrapf(err, "encode %s", f.path)
	}
	return writeAtomic(f.path, b)
}

func (f *File) Close() error { return nil }

func (f *File) load() (map[string]any, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, errors.Wrapf(err, "read %s", f.path)
	}
	doc, err := f.codec.decode(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", f.path)
	}
	return doc, nil
}

func writeAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}

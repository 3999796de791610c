// Package settings persists the small amount of application state that
// survives a restart, such as the triangle's rotation.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

const (
	AngleKey    = "Angle"
	TrackingKey = "Tracking"
)

// Store is a typed key-value store. A missing key, or a value of another
// type, reports ok == false and the caller uses its default.
type Store interface {
	Float32(key string) (value float32, ok bool)
	Bool(key string) (value bool, ok bool)
	SetFloat32(key string, value float32)
	SetBool(key string, value bool)
	Remove(key string)
	// Flush makes the current contents durable.
	Flush() error
}

// Memory is a Store that lives as long as the process.
type Memory struct {
	mu     sync.Mutex
	values map[string]any
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{values: map[string]any{}}
}

func (m *Memory) Float32(key string) (float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := m.values[key].(type) {
	case float32:
		return v, true
	case float64:
		return float32(v), true
	}
	return 0, false
}

func (m *Memory) Bool(key string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key].(bool)
	return v, ok
}

func (m *Memory) SetFloat32(key string, value float32) {
	m.set(key, value)
}

func (m *Memory) SetBool(key string, value bool) {
	m.set(key, value)
}

func (m *Memory) set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.values == nil {
		m.values = map[string]any{}
	}
	m.values[key] = value
}

func (m *Memory) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
}

// Has reports whether key is present.
func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.values[key]
	return ok
}

func (m *Memory) Flush() error { return nil }

// File is a Memory store backed by a JSON document.
type File struct {
	Memory
	path string
}

var _ Store = (*File)(nil)

// DefaultPath returns the settings file under the user configuration
// directory.
func DefaultPath(app string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "locate user config dir")
	}
	return filepath.Join(dir, app, "settings.json"), nil
}

// Open reads path if it exists. A missing file is an empty store.
func Open(path string) (*File, error) {
	f := &File{Memory: Memory{values: map[string]any{}}, path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read settings %s", path)
	}
	if err := json.Unmarshal(data, &f.values); err != nil {
		return nil, errors.Wrapf(err, "parse settings %s", path)
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

// Flush writes the store next to its destination and renames it into
// place, so a crash never leaves a truncated file.
func (f *File) Flush() error {
	f.mu.Lock()
	data, err := json.MarshalIndent(f.values, "", "  ")
	f.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return errors.Wrap(err, "create temporary settings file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write settings")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync settings")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close settings")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrapf(err, "replace %s", f.path)
	}
	return nil
}

package trackrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type versionedValue struct {
	Value   json.RawMessage `json:"value"`
	Version uint64          `json:"version"`
}

func versionToken(v uint64) string {
	return fmt.Sprintf("v%d", v)
}

// InMemoryMappingBackend implements the version-check contract over a map.
// It is the default for tests and for deployments that accept losing the
// mapping on restart and rebuilding it from the title convention.
type InMemoryMappingBackend struct {
	mu   sync.Mutex
	rows map[string]versionedValue
}

func NewInMemoryMappingBackend() *InMemoryMappingBackend {
	return &InMemoryMappingBackend{rows: map[string]versionedValue{}}
}

func (b *InMemoryMappingBackend) Read(key string) ([]byte, string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[key]
	if !ok {
		return nil, "", false, nil
	}
	return append([]byte(nil), row.Value...), versionToken(row.Version), true, nil
}

func (b *InMemoryMappingBackend) WriteIfVersion(key string, value []byte, expectedVersion string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	row, exists := b.rows[key]
	if expectedVersion == "" {
		if exists {
			return false, nil
		}
		b.rows[key] = versionedValue{Value: append([]byte(nil), value...), Version: 1}
		return true, nil
	}
	if !exists || versionToken(row.Version) != expectedVersion {
		return false, nil
	}
	b.rows[key] = versionedValue{Value: append([]byte(nil), value...), Version: row.Version + 1}
	return true, nil
}

func (b *InMemoryMappingBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.rows))
	for key := range b.rows {
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *InMemoryMappingBackend) Close() error {
	return nil
}

// JSONFileMappingBackend persists the whole row set as one JSON document,
// written via tmp-file-and-rename so a crash never leaves a torn file. The
// version check runs under the file mutex, which makes it correct for a
// single process; multi-process deployments use the SQL backends.
type JSONFileMappingBackend struct {
	path string
	mu   sync.Mutex
	rows map[string]versionedValue
}

func NewJSONFileMappingBackend(path string) (*JSONFileMappingBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &JSONFileMappingBackend{path: path, rows: map[string]versionedValue{}}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *JSONFileMappingBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot map[string]versionedValue
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("corrupt mapping file %s: %w", b.path, err)
	}
	if snapshot != nil {
		b.rows = snapshot
	}
	return nil
}

func (b *JSONFileMappingBackend) saveLocked() error {
	data, err := json.Marshal(b.rows)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *JSONFileMappingBackend) Read(key string) ([]byte, string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[key]
	if !ok {
		return nil, "", false, nil
	}
	return append([]byte(nil), row.Value...), versionToken(row.Version), true, nil
}

func (b *JSONFileMappingBackend) WriteIfVersion(key string, value []byte, expectedVersion string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	row, exists := b.rows[key]
	switch {
	case expectedVersion == "":
		if exists {
			return false, nil
		}
		b.rows[key] = versionedValue{Value: append([]byte(nil), value...), Version: 1}
	case !exists || versionToken(row.Version) != expectedVersion:
		return false, nil
	default:
		b.rows[key] = versionedValue{Value: append([]byte(nil), value...), Version: row.Version + 1}
	}
	if err := b.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (b *JSONFileMappingBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.rows))
	for key := range b.rows {
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *JSONFileMappingBackend) Close() error {
	return nil
}

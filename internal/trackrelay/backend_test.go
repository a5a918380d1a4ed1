package trackrelay

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func testBackendVersioning(t *testing.T, backend MappingBackend) {
	t.Helper()

	// Create-only write.
	ok, err := backend.WriteIfVersion("k1", []byte(`{"n":1}`), "")
	if err != nil || !ok {
		t.Fatalf("create = %t, %v", ok, err)
	}
	ok, err = backend.WriteIfVersion("k1", []byte(`{"n":2}`), "")
	if err != nil || ok {
		t.Fatalf("second create = %t, %v; want rejected", ok, err)
	}

	value, version, found, err := backend.Read("k1")
	if err != nil || !found {
		t.Fatalf("read = found=%t, %v", found, err)
	}
	if string(value) != `{"n":1}` {
		t.Fatalf("value = %s", value)
	}

	// Conditional update with the right version.
	ok, err = backend.WriteIfVersion("k1", []byte(`{"n":2}`), version)
	if err != nil || !ok {
		t.Fatalf("update = %t, %v", ok, err)
	}
	// The old version token is now stale.
	ok, err = backend.WriteIfVersion("k1", []byte(`{"n":3}`), version)
	if err != nil || ok {
		t.Fatalf("stale update = %t, %v; want rejected", ok, err)
	}

	value, _, _, err = backend.Read("k1")
	if err != nil || string(value) != `{"n":2}` {
		t.Fatalf("value after race = %s, %v", value, err)
	}

	if _, _, found, err = backend.Read("absent"); err != nil || found {
		t.Fatalf("absent read = found=%t, %v", found, err)
	}

	keys, err := backend.Keys()
	if err != nil || len(keys) != 1 || keys[0] != "k1" {
		t.Fatalf("keys = %v, %v", keys, err)
	}
}

func TestInMemoryBackendVersioning(t *testing.T) {
	backend := NewInMemoryMappingBackend()
	defer backend.Close()
	testBackendVersioning(t, backend)
}

func TestJSONFileBackendVersioning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	backend, err := NewJSONFileMappingBackend(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()
	testBackendVersioning(t, backend)
}

func TestJSONFileBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	backend, err := NewJSONFileMappingBackend(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ok, err := backend.WriteIfVersion("tracker/enterprise#1", []byte(`{"counterparts":[]}`), ""); err != nil || !ok {
		t.Fatalf("write = %t, %v", ok, err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewJSONFileMappingBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	_, _, found, err := reopened.Read("tracker/enterprise#1")
	if err != nil || !found {
		t.Fatalf("read after reopen = found=%t, %v", found, err)
	}
}

func TestBuildMappingBackendFromDSN(t *testing.T) {
	cases := []struct {
		dsn     string
		wantErr error
	}{
		{"", nil},
		{"memory://", nil},
		{"mem://", nil},
		{"mysql://localhost/sync", ErrNotImplemented},
	}
	for _, tc := range cases {
		backend, err := BuildMappingBackendFromDSN(tc.dsn)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("dsn %q err = %v, want %v", tc.dsn, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("dsn %q: %v", tc.dsn, err)
			continue
		}
		_ = backend.Close()
	}

	if _, err := BuildMappingBackendFromDSN("carrierpigeon://coop"); err == nil {
		t.Fatal("unknown scheme should fail")
	}

	path := filepath.Join(t.TempDir(), "store.json")
	backend, err := BuildMappingBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	_ = backend.Close()
}

func TestBuildEventQueueFromDSN(t *testing.T) {
	queue, err := BuildEventQueueFromDSN("", 8)
	if err != nil {
		t.Fatalf("default queue: %v", err)
	}
	if queue.Capacity() != 8 {
		t.Fatalf("capacity = %d", queue.Capacity())
	}
	_ = queue.Close()

	if _, err := BuildEventQueueFromDSN("redis://localhost:6379/0", 8); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("redis err = %v, want ErrNotImplemented", err)
	}
	if _, err := BuildEventQueueFromDSN("smoke-signals://mesa", 8); err == nil {
		t.Fatal("unknown scheme should fail")
	}
}

func TestBackendFactoryRegistry(t *testing.T) {
	scheme := "testonly"
	RegisterMappingBackendFactory(scheme, func(string) (MappingBackend, error) {
		return NewInMemoryMappingBackend(), nil
	})
	backend, err := BuildMappingBackendFromDSN(fmt.Sprintf("%s://anything", scheme))
	if err != nil {
		t.Fatalf("registered scheme: %v", err)
	}
	_ = backend.Close()
}

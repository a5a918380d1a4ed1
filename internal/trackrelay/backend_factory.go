package trackrelay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type MappingBackendFactory func(dsn string) (MappingBackend, error)
type EventQueueFactory func(dsn string, capacity int) (EventQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	mappingFactory map[string]MappingBackendFactory
	queueFactory   map[string]EventQueueFactory
}{
	mappingFactory: map[string]MappingBackendFactory{},
	queueFactory:   map[string]EventQueueFactory{},
}

// RegisterMappingBackendFactory lets embedders hook custom storage schemes
// into the DSN resolver without touching this package.
func RegisterMappingBackendFactory(scheme string, factory MappingBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.mappingFactory[scheme] = factory
}

func RegisterEventQueueFactory(scheme string, factory EventQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactory[scheme] = factory
}

func lookupMappingBackendFactory(scheme string) (MappingBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.mappingFactory[scheme]
	return factory, ok
}

func lookupEventQueueFactory(scheme string) (EventQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactory[scheme]
	return factory, ok
}

// BuildMappingBackendFromDSN resolves a storage DSN to a backend. Any medium
// qualifies as long as it honors the read-version/write-if-version contract.
func BuildMappingBackendFromDSN(dsn string) (MappingBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryMappingBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupMappingBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileMappingBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemoryMappingBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresMappingBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteMappingBackend(path)
	case "mysql":
		return nil, fmt.Errorf("%w: mapping backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported mapping backend scheme: %s", scheme)
	}
}

// BuildEventQueueFromDSN resolves a queue DSN.
func BuildEventQueueFromDSN(dsn string, capacity int) (EventQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryEventQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupEventQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileEventQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryEventQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresEventQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: event queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported event queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

package trackrelay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EventQueue buffers normalized events between ingestion and the router
// workers. Implementations must be safe for concurrent producers and
// consumers.
type EventQueue interface {
	TryEnqueue(event SyncEvent) bool
	Enqueue(ctx context.Context, event SyncEvent) bool
	Dequeue(ctx context.Context) (SyncEvent, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryEventQueue struct {
	ch chan SyncEvent
}

func NewInMemoryEventQueue(capacity int) EventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryEventQueue{ch: make(chan SyncEvent, capacity)}
}

func (q *inMemoryEventQueue) TryEnqueue(event SyncEvent) bool {
	if q == nil || event.EventID == "" {
		return false
	}
	select {
	case q.ch <- event:
		return true
	default:
		return false
	}
}

func (q *inMemoryEventQueue) Enqueue(ctx context.Context, event SyncEvent) bool {
	if q == nil || event.EventID == "" {
		return false
	}
	select {
	case q.ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryEventQueue) Dequeue(ctx context.Context) (SyncEvent, bool) {
	if q == nil {
		return SyncEvent{}, false
	}
	select {
	case event := <-q.ch:
		return event, true
	case <-ctx.Done():
		return SyncEvent{}, false
	}
}

func (q *inMemoryEventQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryEventQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryEventQueue) Close() error {
	return nil
}

// fileEventQueue keeps the pending event list in a JSON file so queued work
// survives a restart. Consumers poll; this queue trades latency for not
// needing a broker.
type fileEventQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SyncEvent
}

type fileEventQueueState struct {
	Items []SyncEvent `json:"items"`
}

func NewFileEventQueue(path string, capacity int) (EventQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileEventQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SyncEvent{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEventQueue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileEventQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Items != nil {
		q.items = state.Items
	}
	return nil
}

func (q *fileEventQueue) saveLocked() error {
	data, err := json.Marshal(fileEventQueueState{Items: q.items})
	if err != nil {
		return err
	}
	dir := filepath.Dir(q.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *fileEventQueue) TryEnqueue(event SyncEvent) bool {
	if q == nil || event.EventID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEventQueue) Enqueue(ctx context.Context, event SyncEvent) bool {
	for {
		if q.TryEnqueue(event) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEventQueue) Dequeue(ctx context.Context) (SyncEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			event := q.items[0]
			rest := append([]SyncEvent{}, q.items[1:]...)
			prior := q.items
			q.items = rest
			if err := q.saveLocked(); err != nil {
				q.items = prior
				q.mu.Unlock()
				return SyncEvent{}, false
			}
			q.mu.Unlock()
			return event, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SyncEvent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEventQueue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEventQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *fileEventQueue) Close() error {
	return nil
}

// PostgresEventQueue shares pending events across engine processes.
type PostgresEventQueue struct {
	core *postgresQueueCore
}

func NewPostgresEventQueue(dsn string, capacity int) (EventQueue, error) {
	core, err := newPostgresQueueCore(dsn, postgresEventQueueTableName, postgresQueueKey, capacity)
	if err != nil {
		return nil, err
	}
	return &PostgresEventQueue{core: core}, nil
}

func (q *PostgresEventQueue) TryEnqueue(event SyncEvent) bool {
	if q == nil || q.core == nil || event.EventID == "" {
		return false
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	return q.core.tryEnqueuePayload(string(payload))
}

func (q *PostgresEventQueue) Enqueue(ctx context.Context, event SyncEvent) bool {
	if q == nil || q.core == nil || event.EventID == "" {
		return false
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	return q.core.enqueuePayload(ctx, string(payload))
}

func (q *PostgresEventQueue) Dequeue(ctx context.Context) (SyncEvent, bool) {
	if q == nil || q.core == nil {
		return SyncEvent{}, false
	}
	for {
		payload, ok := q.core.dequeuePayload(ctx)
		if !ok {
			return SyncEvent{}, false
		}
		var event SyncEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil || event.EventID == "" {
			continue
		}
		return event, true
	}
}

func (q *PostgresEventQueue) Depth() int {
	if q == nil || q.core == nil {
		return 0
	}
	return q.core.depth()
}

func (q *PostgresEventQueue) Capacity() int {
	if q == nil || q.core == nil {
		return 0
	}
	return q.core.capacity
}

func (q *PostgresEventQueue) Close() error {
	if q == nil || q.core == nil {
		return nil
	}
	return q.core.close()
}

package trackrelay

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testQueueFIFO(t *testing.T, queue EventQueue) {
	t.Helper()
	for i := 0; i < 3; i++ {
		event := SyncEvent{EventID: fmt.Sprintf("ev-%d", i), Origin: "tracker", Project: "enterprise", ID: fmt.Sprintf("%d", i), Action: ActionOpened}
		if !queue.TryEnqueue(event) {
			t.Fatalf("enqueue %d", i)
		}
	}
	if queue.Depth() != 3 {
		t.Fatalf("depth = %d, want 3", queue.Depth())
	}
	for i := 0; i < 3; i++ {
		event, ok := queue.Dequeue(context.Background())
		if !ok {
			t.Fatalf("dequeue %d", i)
		}
		if event.EventID != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("dequeue %d = %s, want FIFO order", i, event.EventID)
		}
	}
}

func TestInMemoryQueueFIFO(t *testing.T) {
	queue := NewInMemoryEventQueue(8)
	defer queue.Close()
	testQueueFIFO(t, queue)
}

func TestFileQueueFIFO(t *testing.T) {
	queue, err := NewFileEventQueue(filepath.Join(t.TempDir(), "events.json"), 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer queue.Close()
	testQueueFIFO(t, queue)
}

func TestQueueCapacityLimit(t *testing.T) {
	queue := NewInMemoryEventQueue(2)
	defer queue.Close()

	if !queue.TryEnqueue(SyncEvent{EventID: "a"}) || !queue.TryEnqueue(SyncEvent{EventID: "b"}) {
		t.Fatal("fill enqueue failed")
	}
	if queue.TryEnqueue(SyncEvent{EventID: "c"}) {
		t.Fatal("enqueue past capacity should fail")
	}
	if _, ok := queue.Dequeue(context.Background()); !ok {
		t.Fatal("dequeue")
	}
	if !queue.TryEnqueue(SyncEvent{EventID: "c"}) {
		t.Fatal("enqueue after drain should succeed")
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	queue := NewInMemoryEventQueue(2)
	defer queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatal("dequeue on an empty queue should report no event")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("dequeue did not honor context cancellation")
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	queue, err := NewFileEventQueue(path, 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !queue.TryEnqueue(SyncEvent{EventID: "survivor", Origin: "tracker"}) {
		t.Fatal("enqueue")
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileEventQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Depth() != 1 {
		t.Fatalf("depth after reopen = %d, want 1", reopened.Depth())
	}
	event, ok := reopened.Dequeue(context.Background())
	if !ok || event.EventID != "survivor" {
		t.Fatalf("dequeue after reopen = %+v ok=%t", event, ok)
	}
}

func testQueueBlockingEnqueue(t *testing.T, queue EventQueue) {
	t.Helper()
	if !queue.TryEnqueue(SyncEvent{EventID: "ev-0", Origin: "tracker"}) {
		t.Fatal("fill")
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if queue.Enqueue(shortCtx, SyncEvent{EventID: "ev-1", Origin: "tracker"}) {
		t.Fatal("enqueue into a full queue should wait out its context")
	}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	accepted := make(chan bool, 1)
	go func() {
		accepted <- queue.Enqueue(waitCtx, SyncEvent{EventID: "ev-2", Origin: "tracker"})
	}()
	time.Sleep(20 * time.Millisecond)
	if _, ok := queue.Dequeue(waitCtx); !ok {
		t.Fatal("drain")
	}
	select {
	case ok := <-accepted:
		if !ok {
			t.Fatal("enqueue should succeed once headroom opens")
		}
	case <-waitCtx.Done():
		t.Fatal("blocked enqueue never completed")
	}
	if event, ok := queue.Dequeue(waitCtx); !ok || event.EventID != "ev-2" {
		t.Fatalf("dequeue = %v %v, want the waited event", event.EventID, ok)
	}
}

func TestInMemoryQueueBlockingEnqueue(t *testing.T) {
	queue := NewInMemoryEventQueue(1)
	defer queue.Close()
	testQueueBlockingEnqueue(t, queue)
}

func TestFileQueueBlockingEnqueue(t *testing.T) {
	queue, err := NewFileEventQueue(filepath.Join(t.TempDir(), "events.json"), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer queue.Close()
	testQueueBlockingEnqueue(t, queue)
}

package trackrelay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeReportSink struct {
	mu         sync.Mutex
	activities []Activity
	reports    []DriftReport
}

func (s *fakeReportSink) RecordActivity(a Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, a)
}

func (s *fakeReportSink) RecordDrift(r DriftReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func engineFixture(t *testing.T) (*Engine, *fakeAdapter, *fakeAdapter, *fakeReportSink) {
	t.Helper()
	tracker := newFakeAdapter("tracker")
	board := newFakeAdapter("board")
	sink := &fakeReportSink{}
	engine, err := NewEngine(EngineOptions{
		Config:            testConfig(t),
		Store:             newTestStore(),
		Queue:             NewInMemoryEventQueue(16),
		Adapters:          map[string]PlatformAdapter{"tracker": tracker, "board": board},
		ReportSink:        sink,
		AlertSink:         &fakeAlertSink{},
		DisableBackground: true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine, tracker, board, sink
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestEngineIngestAndProcess(t *testing.T) {
	engine, _, board, _ := engineFixture(t)

	payload := mustJSON(t, issuePayload("opened", nil))
	event, err := engine.Ingest("tracker", payload, "delivery-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if event.EventID == "" {
		t.Fatal("ingest should assign an event id")
	}

	if !engine.ProcessNext(context.Background()) {
		t.Fatal("expected a queued event")
	}
	if len(board.createdRefs) != 1 {
		t.Fatalf("board creations = %d, want 1", len(board.createdRefs))
	}

	status := engine.Status()
	if status.Processed != 1 || status.Failed != 0 {
		t.Fatalf("status = %+v", status)
	}
	if status.QueueDepth != 0 {
		t.Fatalf("queue depth = %d, want drained", status.QueueDepth)
	}
}

func TestEngineIngestFiltersEcho(t *testing.T) {
	engine, _, _, sink := engineFixture(t)

	payload := mustJSON(t, issuePayload("created", map[string]any{
		"comment": map[string]any{"body": "[sync] mirrored note"},
	}))
	_, err := engine.Ingest("tracker", payload, "delivery-2")
	if !errors.Is(err, ErrLoopDetected) {
		t.Fatalf("err = %v, want ErrLoopDetected", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.activities) != 1 || sink.activities[0].Status != ActivitySkipped {
		t.Fatalf("activities = %+v, want one skip", sink.activities)
	}
}

func TestEngineIngestRejectsGarbage(t *testing.T) {
	engine, _, _, _ := engineFixture(t)
	if _, err := engine.Ingest("tracker", []byte("not json"), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestEngineRecentActivities(t *testing.T) {
	engine, _, _, _ := engineFixture(t)

	for i := 0; i < 3; i++ {
		payload := mustJSON(t, issuePayload("opened", map[string]any{
			"issue": map[string]any{"number": 100 + i, "title": "t", "body": "b"},
		}))
		if _, err := engine.Ingest("tracker", payload, ""); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		if !engine.ProcessNext(context.Background()) {
			t.Fatalf("process %d", i)
		}
	}

	recent := engine.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("recent = %d entries, want 2", len(recent))
	}
	if recent[0].Key != "tracker/enterprise#102" {
		t.Fatalf("newest first, got %q", recent[0].Key)
	}
}

func TestEngineReconcileRecordsReport(t *testing.T) {
	engine, _, _, sink := engineFixture(t)

	report := engine.Reconcile(context.Background())
	if !report.Clean() {
		t.Fatalf("report = %+v, want clean on an empty store", report)
	}
	sink.mu.Lock()
	reports := len(sink.reports)
	sink.mu.Unlock()
	if reports != 1 {
		t.Fatalf("sink reports = %d, want 1", reports)
	}
	if engine.Status().LastReconcile == nil {
		t.Fatal("status should expose the last reconcile report")
	}
}

func TestEngineRebuild(t *testing.T) {
	engine, _, board, _ := engineFixture(t)
	board.records = []RemoteRecord{
		{Ref: RecordRef{Platform: "board", Project: "eng-board", ID: "1"}, Title: "[enterprise#10] carried over"},
	}

	result, err := engine.Rebuild(context.Background(), "board")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if result.Linked != 1 {
		t.Fatalf("result = %+v, want one link", result)
	}
	if _, err := engine.Rebuild(context.Background(), "nowhere"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown platform err = %v", err)
	}
}

func TestEngineBackfill(t *testing.T) {
	engine, _, board, _ := engineFixture(t)

	records := []BackfillRecord{
		{Platform: "tracker", Payload: mustJSON(t, issuePayload("opened", nil))},
		{Platform: "tracker", Payload: mustJSON(t, issuePayload("opened", map[string]any{
			"issue": map[string]any{"number": 43, "title": "second", "body": "[sync]\n\necho"},
		}))},
		{Platform: "tracker", Payload: mustJSON(t, issuePayload("pinned", nil))},
	}
	result, err := engine.Backfill(context.Background(), records, 0)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if result.Submitted != 3 || result.Enqueued != 1 || result.Filtered != 2 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}

	if !engine.ProcessNext(context.Background()) {
		t.Fatal("expected the enqueued replay event")
	}
	if len(board.createdRefs) != 1 {
		t.Fatalf("board creations = %d, want 1", len(board.createdRefs))
	}
}

func TestEngineBackfillPacing(t *testing.T) {
	engine, _, _, _ := engineFixture(t)

	records := []BackfillRecord{
		{Platform: "tracker", Payload: mustJSON(t, issuePayload("opened", nil))},
		{Platform: "tracker", Payload: mustJSON(t, issuePayload("opened", map[string]any{
			"issue": map[string]any{"number": 43, "title": "second", "body": "b"},
		}))},
	}
	start := time.Now()
	if _, err := engine.Backfill(context.Background(), records, 30*time.Millisecond); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed = %s, want at least one pacing interval", elapsed)
	}
}

func TestEngineApplyConfig(t *testing.T) {
	engine, _, _, _ := engineFixture(t)

	next, err := ParseSyncConfig([]byte(`
routes:
  - projects: {tracker: enterprise, board: eng-board}
  - projects: {tracker: platform, board: infra-board}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	engine.ApplyConfig(next)
	if !engine.Config().TrackedProject("tracker", "platform") {
		t.Fatal("applied config should track the new project")
	}
}

func TestEngineIngestAfterClose(t *testing.T) {
	engine, _, _, _ := engineFixture(t)

	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := engine.Ingest("tracker", mustJSON(t, issuePayload("opened", nil)), "d1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("ingest after close err = %v, want ErrClosed", err)
	}
	result, err := engine.Backfill(context.Background(), []BackfillRecord{
		{Platform: "tracker", Payload: mustJSON(t, issuePayload("opened", nil))},
	}, 0)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("result = %+v, want the record failed", result)
	}
}

func TestEngineBackfillWaitsForQueueHeadroom(t *testing.T) {
	tracker := newFakeAdapter("tracker")
	board := newFakeAdapter("board")
	engine, err := NewEngine(EngineOptions{
		Config:            testConfig(t),
		Store:             newTestStore(),
		Queue:             NewInMemoryEventQueue(1),
		Adapters:          map[string]PlatformAdapter{"tracker": tracker, "board": board},
		ReportSink:        &fakeReportSink{},
		AlertSink:         &fakeAlertSink{},
		DisableBackground: true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	records := []BackfillRecord{
		{Platform: "tracker", Payload: mustJSON(t, issuePayload("opened", nil))},
		{Platform: "tracker", Payload: mustJSON(t, issuePayload("opened", map[string]any{
			"issue": map[string]any{"number": 43, "title": "second", "body": "b"},
		}))},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan BackfillResult, 1)
	go func() {
		result, err := engine.Backfill(ctx, records, 0)
		if err != nil {
			t.Errorf("backfill: %v", err)
		}
		done <- result
	}()

	// The second record cannot fit until a worker drains the first; draining
	// here unblocks the replay instead of failing it.
	for i := 0; i < 2; i++ {
		if !engine.ProcessNext(ctx) {
			t.Fatalf("process %d", i)
		}
	}
	select {
	case result := <-done:
		if result.Enqueued != 2 || result.Failed != 0 {
			t.Fatalf("result = %+v, want both records enqueued", result)
		}
	case <-ctx.Done():
		t.Fatal("backfill did not finish")
	}
}

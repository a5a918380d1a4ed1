package trackrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EngineOptions configures a sync engine. Zero values get sensible defaults;
// Config, Store, Queue, and Adapters are required.
type EngineOptions struct {
	Config   *SyncConfig
	Store    *MappingStore
	Queue    EventQueue
	Adapters map[string]PlatformAdapter

	ReportSink ReportSink
	AlertSink  AlertSink
	Probes     []HealthProbe

	EventWorkers      int
	ActivityLog       int
	ReconcileInterval time.Duration
	HealthInterval    time.Duration
	SilenceWindow     time.Duration

	// DisableBackground skips worker and ticker startup; events are then
	// routed only via ProcessNext, which tests and the backfill path use to
	// drive the engine deterministically.
	DisableBackground bool
}

// Engine is the orchestration host: it normalizes inbound webhooks onto the
// event queue, routes dequeued events through the action router, and runs
// reconciliation and health passes on their own timers.
type Engine struct {
	store      *MappingStore
	queue      EventQueue
	adapters   map[string]PlatformAdapter
	normalizer *Normalizer
	router     *Router
	reconciler *Reconciler
	monitor    *HealthMonitor
	sink       ReportSink
	ring       *activityRing

	cfg atomic.Pointer[SyncConfig]

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64

	reconcileInterval time.Duration
	healthInterval    time.Duration

	reportMu   sync.Mutex
	lastReport *DriftReport

	subMu       sync.Mutex
	subscribers map[int]chan Activity
	nextSub     int

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil || opts.Queue == nil {
		return nil, fmt.Errorf("%w: engine needs config, store, and queue", ErrInvalidInput)
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("%w: engine needs at least one platform adapter", ErrInvalidInput)
	}
	normalizer, err := NewNormalizer()
	if err != nil {
		return nil, err
	}
	if opts.EventWorkers <= 0 {
		opts.EventWorkers = 4
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 15 * time.Minute
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Minute
	}
	if opts.ReportSink == nil {
		opts.ReportSink = &LogReportSink{}
	}
	if opts.AlertSink == nil {
		opts.AlertSink = &LogAlertSink{}
	}

	adapters := make(map[string]PlatformAdapter, len(opts.Adapters))
	for platform, adapter := range opts.Adapters {
		adapters[normalizePlatform(platform)] = adapter
	}

	e := &Engine{
		store:             opts.Store,
		queue:             opts.Queue,
		adapters:          adapters,
		normalizer:        normalizer,
		router:            NewRouter(opts.Store, adapters),
		reconciler:        NewReconciler(opts.Store, adapters),
		sink:              opts.ReportSink,
		ring:              newActivityRing(opts.ActivityLog),
		reconcileInterval: opts.ReconcileInterval,
		healthInterval:    opts.HealthInterval,
		subscribers:       map[int]chan Activity{},
		stop:              make(chan struct{}),
	}
	e.cfg.Store(opts.Config)
	e.monitor = NewHealthMonitor(opts.Probes, e.ring, opts.AlertSink, opts.SilenceWindow)

	if !opts.DisableBackground {
		for i := 0; i < opts.EventWorkers; i++ {
			e.wg.Add(1)
			go e.workerLoop()
		}
		e.wg.Add(1)
		go e.tickerLoop()
	}
	return e, nil
}

// Config returns the currently active sync configuration.
func (e *Engine) Config() *SyncConfig {
	return e.cfg.Load()
}

// ApplyConfig swaps the active configuration. In-flight events finish under
// the tables they started with.
func (e *Engine) ApplyConfig(cfg *SyncConfig) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

// Ingest normalizes one raw webhook payload and enqueues it for routing.
// Filtered events (loop echoes, untracked projects, unknown actions) return
// their sentinel error after being recorded; callers translate every such
// outcome into a 200 so source platforms do not retry-storm.
func (e *Engine) Ingest(platform string, payload []byte, deliveryID string) (SyncEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return SyncEvent{}, fmt.Errorf("%w: payload is not a JSON object: %v", ErrValidation, err)
	}
	return e.IngestPayload(platform, raw, deliveryID)
}

// IngestPayload is Ingest for an already-decoded payload.
func (e *Engine) IngestPayload(platform string, payload map[string]any, deliveryID string) (SyncEvent, error) {
	event, err := e.prepare(platform, payload, deliveryID)
	if err != nil {
		return SyncEvent{}, err
	}
	if !e.queue.TryEnqueue(event) {
		e.record(Activity{
			EventID: event.EventID,
			Origin:  event.Origin,
			Key:     event.Ref().Key(),
			Action:  event.Action,
			Status:  ActivityFailed,
			Detail:  "event queue full",
		})
		return SyncEvent{}, ErrQueueFull
	}
	return event, nil
}

// prepare normalizes one payload and stamps it for the queue. A closed
// engine rejects new work with ErrClosed; terminal skips are recorded here
// so both the live and backfill paths report them identically.
func (e *Engine) prepare(platform string, payload map[string]any, deliveryID string) (SyncEvent, error) {
	select {
	case <-e.stop:
		return SyncEvent{}, ErrClosed
	default:
	}
	cfg := e.cfg.Load()
	event, err := e.normalizer.Normalize(cfg, platform, payload)
	if err != nil {
		status := ActivitySkipped
		if !errors.Is(err, ErrLoopDetected) && !errors.Is(err, ErrValidation) {
			status = ActivityFailed
		}
		e.record(Activity{
			Origin: normalizePlatform(platform),
			Status: status,
			Detail: err.Error(),
		})
		return SyncEvent{}, err
	}
	event.EventID = uuid.NewString()
	event.DeliveryID = deliveryID
	event.ReceivedAt = time.Now().UTC().Format(time.RFC3339)
	return event, nil
}

// ProcessNext dequeues and routes one event. It returns false when the queue
// is closed or the context ends before an event arrives.
func (e *Engine) ProcessNext(ctx context.Context) bool {
	event, ok := e.queue.Dequeue(ctx)
	if !ok {
		return false
	}
	e.process(ctx, event)
	return true
}

func (e *Engine) process(ctx context.Context, event SyncEvent) {
	cfg := e.cfg.Load()
	outcome := e.router.Route(ctx, cfg, event)
	switch outcome.Status {
	case ActivityFailed:
		e.failed.Add(1)
	case ActivitySkipped:
		e.skipped.Add(1)
	default:
		e.processed.Add(1)
	}
	e.record(Activity{
		EventID: event.EventID,
		Origin:  event.Origin,
		Key:     event.Ref().Key(),
		Action:  event.Action,
		Status:  outcome.Status,
		Detail:  outcome.Detail,
		Calls:   outcome.Calls,
	})
}

func (e *Engine) record(a Activity) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	e.ring.Add(a)
	e.sink.RecordActivity(a)
	e.subMu.Lock()
	for _, ch := range e.subscribers {
		select {
		case ch <- a:
		default:
			// Slow subscribers drop updates rather than stall processing.
		}
	}
	e.subMu.Unlock()
}

// SubscribeActivities streams activities as they are recorded. The returned
// cancel function must be called to release the subscription.
func (e *Engine) SubscribeActivities(buffer int) (<-chan Activity, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Activity, buffer)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = ch
	e.subMu.Unlock()
	cancel := func() {
		e.subMu.Lock()
		if _, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(ch)
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) workerLoop() {
	defer e.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stop
		cancel()
	}()
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		if !e.ProcessNext(ctx) {
			select {
			case <-e.stop:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func (e *Engine) tickerLoop() {
	defer e.wg.Done()
	reconcile := time.NewTicker(e.reconcileInterval)
	health := time.NewTicker(e.healthInterval)
	defer reconcile.Stop()
	defer health.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-reconcile.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.reconcileInterval)
			e.Reconcile(ctx)
			cancel()
		case <-health.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			e.monitor.Check(ctx)
			cancel()
		}
	}
}

// Reconcile runs one drift pass immediately and records its report.
func (e *Engine) Reconcile(ctx context.Context) DriftReport {
	report := e.reconciler.Run(ctx, e.cfg.Load())
	e.reportMu.Lock()
	e.lastReport = &report
	e.reportMu.Unlock()
	e.sink.RecordDrift(report)
	return report
}

// CheckHealth runs one health pass immediately.
func (e *Engine) CheckHealth(ctx context.Context) (bool, string) {
	return e.monitor.Check(ctx)
}

// Rebuild reconstructs mapping groups from a full scan of one platform.
func (e *Engine) Rebuild(ctx context.Context, platform string) (RebuildResult, error) {
	platform = normalizePlatform(platform)
	adapter, ok := e.adapters[platform]
	if !ok {
		return RebuildResult{}, fmt.Errorf("%w: no adapter for platform %s", ErrInvalidInput, platform)
	}
	cfg := e.cfg.Load()
	var records []RemoteRecord
	for _, project := range cfg.ProjectsFor(platform) {
		listed, err := adapter.ListAll(ctx, project)
		if err != nil {
			return RebuildResult{}, err
		}
		records = append(records, listed...)
	}
	return e.store.Rebuild(cfg, platform, records)
}

// Recent returns up to limit recent activities, newest first.
func (e *Engine) Recent(limit int) []Activity {
	return e.ring.Recent(limit)
}

// EngineStatus is the operator-facing snapshot of the engine.
type EngineStatus struct {
	Platforms     []string     `json:"platforms"`
	QueueDepth    int          `json:"queueDepth"`
	QueueCapacity int          `json:"queueCapacity"`
	Processed     int64        `json:"processed"`
	Skipped       int64        `json:"skipped"`
	Failed        int64        `json:"failed"`
	AlertOpen     bool         `json:"alertOpen"`
	LastReconcile *DriftReport `json:"lastReconcile,omitempty"`
}

func (e *Engine) Status() EngineStatus {
	e.reportMu.Lock()
	report := e.lastReport
	e.reportMu.Unlock()
	return EngineStatus{
		Platforms:     e.cfg.Load().Platforms(),
		QueueDepth:    e.queue.Depth(),
		QueueCapacity: e.queue.Capacity(),
		Processed:     e.processed.Load(),
		Skipped:       e.skipped.Load(),
		Failed:        e.failed.Load(),
		AlertOpen:     e.monitor.AlertOpen(),
		LastReconcile: report,
	}
}

// Close stops background workers and closes the queue. It does not close the
// mapping backend; the owner that opened it closes it.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stop)
		err = e.queue.Close()
		e.wg.Wait()
	})
	return err
}

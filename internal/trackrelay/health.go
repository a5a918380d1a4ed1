package trackrelay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// HealthProbe is one lightweight check of an ingestion entry point, wired by
// the host (an HTTP ping of a webhook endpoint, a queue depth read).
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// StorageProbes builds the standard probes for the ingestion path: the
// event queue must have headroom left and the mapping backend must answer
// reads. Hosts append platform-specific probes on top.
func StorageProbes(queue EventQueue, backend MappingBackend) []HealthProbe {
	return []HealthProbe{
		{
			Name: "event-queue",
			Check: func(context.Context) error {
				if queue == nil {
					return fmt.Errorf("no event queue configured")
				}
				depth, capacity := queue.Depth(), queue.Capacity()
				if capacity > 0 && depth >= capacity {
					return fmt.Errorf("saturated at %d/%d", depth, capacity)
				}
				return nil
			},
		},
		{
			Name: "mapping-backend",
			Check: func(context.Context) error {
				if backend == nil {
					return fmt.Errorf("no mapping backend configured")
				}
				_, err := backend.Keys()
				return err
			},
		},
	}
}

// ActivityHistory exposes the processing history the monitor inspects. The
// engine's activity ring satisfies it.
type ActivityHistory interface {
	LastActivity() (time.Time, bool)
}

// HealthMonitor detects a silently dead pipeline: ingestion probes failing,
// or no processing activity over the silence window even though the engine
// is nominally up. It tracks a single alert; a firing check updates the open
// alert rather than raising a second one, and recovery resolves it.
type HealthMonitor struct {
	probes  []HealthProbe
	history ActivityHistory
	sink    AlertSink
	window  time.Duration
	now     func() time.Time

	mu         sync.Mutex
	started    time.Time
	alertOpen  bool
	lastDetail string
}

const defaultSilenceWindow = 30 * time.Minute

func NewHealthMonitor(probes []HealthProbe, history ActivityHistory, sink AlertSink, silenceWindow time.Duration) *HealthMonitor {
	if silenceWindow <= 0 {
		silenceWindow = defaultSilenceWindow
	}
	m := &HealthMonitor{
		probes:  probes,
		history: history,
		sink:    sink,
		window:  silenceWindow,
		now:     time.Now,
	}
	m.started = m.now()
	return m
}

// Check runs one monitoring pass and returns whether the pipeline is
// healthy and the failure detail when it is not.
func (m *HealthMonitor) Check(ctx context.Context) (bool, string) {
	var failures []string
	for _, probe := range m.probes {
		if probe.Check == nil {
			continue
		}
		if err := probe.Check(ctx); err != nil {
			failures = append(failures, fmt.Sprintf("probe %s: %v", probe.Name, err))
		}
	}
	if m.history != nil {
		last, ok := m.history.LastActivity()
		since := m.now()
		if ok {
			since = last
		} else {
			m.mu.Lock()
			since = m.started
			m.mu.Unlock()
		}
		if silent := m.now().Sub(since); silent >= m.window {
			failures = append(failures, fmt.Sprintf("no processing activity for %s", silent.Round(time.Second)))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(failures) == 0 {
		if m.alertOpen {
			m.alertOpen = false
			m.lastDetail = ""
			if m.sink != nil {
				m.sink.Resolve("pipeline")
			}
		}
		return true, ""
	}
	detail := strings.Join(failures, "; ")
	// One tracked alert: raise it once, update it only when the failure set
	// changes, and never stack a second alert on top.
	if !m.alertOpen || detail != m.lastDetail {
		m.alertOpen = true
		m.lastDetail = detail
		if m.sink != nil {
			m.sink.Raise("pipeline", detail)
		}
	}
	return false, detail
}

// AlertOpen reports whether the tracked alert is currently raised.
func (m *HealthMonitor) AlertOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertOpen
}

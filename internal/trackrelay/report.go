package trackrelay

import (
	"log"
	"sync"
	"time"
)

// ActivityStatus classifies the terminal outcome of one processed event.
type ActivityStatus string

const (
	ActivityApplied ActivityStatus = "applied"
	ActivityCreated ActivityStatus = "created"
	ActivitySkipped ActivityStatus = "skipped"
	ActivityWarning ActivityStatus = "warning"
	ActivityFailed  ActivityStatus = "failed"
)

// Activity is the audit record for one event's journey through the router.
type Activity struct {
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	EventID string         `json:"eventId"`
	Origin  string         `json:"origin"`
	Key     string         `json:"key"`
	Action  Action         `json:"action"`
	Status  ActivityStatus `json:"status"`
	Detail  string         `json:"detail,omitempty"`
	Calls   int            `json:"calls,omitempty"`
}

// DriftFinding is one divergence detected between mapped counterparts.
type DriftFinding struct {
	Key      string    `json:"key"`
	Platform string    `json:"platform"`
	Kind     string    `json:"kind"`
	Detail   string    `json:"detail"`
	Repaired bool      `json:"repaired"`
	Time     time.Time `json:"time"`
}

// DriftReport summarizes one reconciliation pass.
type DriftReport struct {
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Groups   int            `json:"groups"`
	Findings []DriftFinding `json:"findings"`
	Errors   []string       `json:"errors,omitempty"`
}

func (r DriftReport) Clean() bool {
	return len(r.Findings) == 0 && len(r.Errors) == 0
}

// ReportSink receives processed activities and reconciliation reports.
// Implementations must be safe for concurrent use and must not block; the
// engine calls them from worker goroutines.
type ReportSink interface {
	RecordActivity(Activity)
	RecordDrift(DriftReport)
}

// AlertSink receives health state transitions. Raise is called once when the
// monitor opens an alert and Resolve once when it clears; repeated failures
// while an alert is open produce no further calls.
type AlertSink interface {
	Raise(platform, detail string)
	Resolve(platform string)
}

// LogReportSink writes activities and reports to a standard logger.
type LogReportSink struct {
	Logger *log.Logger
}

func (s *LogReportSink) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func (s *LogReportSink) RecordActivity(a Activity) {
	s.logf("activity %s %s %s %s status=%s calls=%d %s",
		a.EventID, a.Origin, a.Key, a.Action, a.Status, a.Calls, a.Detail)
}

func (s *LogReportSink) RecordDrift(r DriftReport) {
	s.logf("reconcile groups=%d findings=%d errors=%d elapsed=%s",
		r.Groups, len(r.Findings), len(r.Errors), r.Finished.Sub(r.Started).Round(time.Millisecond))
	for _, f := range r.Findings {
		s.logf("drift %s %s %s repaired=%t %s", f.Key, f.Platform, f.Kind, f.Repaired, f.Detail)
	}
}

// LogAlertSink writes health transitions to a standard logger.
type LogAlertSink struct {
	Logger *log.Logger
}

func (s *LogAlertSink) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func (s *LogAlertSink) Raise(platform, detail string) {
	s.logf("alert raised platform=%s %s", platform, detail)
}

func (s *LogAlertSink) Resolve(platform string) {
	s.logf("alert resolved platform=%s", platform)
}

// activityRing keeps the most recent activities in memory for the admin
// surface. Oldest entries are dropped once the capacity is reached.
type activityRing struct {
	mu      sync.Mutex
	entries []Activity
	next    int
	filled  bool
	cap     int
	last    time.Time
}

func newActivityRing(capacity int) *activityRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &activityRing{entries: make([]Activity, capacity), cap: capacity}
}

func (r *activityRing) Add(a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = a
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.filled = true
	}
	if a.Time.After(r.last) {
		r.last = a.Time
	}
}

// LastActivity returns when the most recent activity was recorded.
func (r *activityRing) LastActivity() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, !r.last.IsZero()
}

// Recent returns up to limit activities, newest first.
func (r *activityRing) Recent(limit int) []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.filled {
		size = r.cap
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Activity, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + r.cap) % r.cap
		out = append(out, r.entries[idx])
	}
	return out
}

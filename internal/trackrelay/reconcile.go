package trackrelay

import (
	"context"
	"fmt"
	"time"
)

// Drift finding kinds.
const (
	DriftStaleOpen       = "stale-open"
	DriftReopenCandidate = "reopen-candidate"
	DriftMissing         = "missing"
)

// Reconciler is the backstop for every race and missed webhook the event
// path cannot handle. It lists every tracked project, compares each mapping
// group's members, closes records whose counterpart reached a terminal
// status, and flags everything else without touching it. A pass over a
// drift-free store performs no adapter writes, so running it repeatedly or
// alongside live traffic is safe.
type Reconciler struct {
	store    *MappingStore
	adapters map[string]PlatformAdapter
	now      func() time.Time
}

func NewReconciler(store *MappingStore, adapters map[string]PlatformAdapter) *Reconciler {
	return &Reconciler{store: store, adapters: adapters, now: time.Now}
}

type remoteSnapshot struct {
	records map[string]RemoteRecord
	listed  map[string]bool
}

func (r *Reconciler) snapshot(ctx context.Context, cfg *SyncConfig, report *DriftReport) remoteSnapshot {
	snap := remoteSnapshot{records: map[string]RemoteRecord{}, listed: map[string]bool{}}
	for _, platform := range cfg.Platforms() {
		adapter, ok := r.adapters[platform]
		if !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: no adapter configured", platform))
			continue
		}
		for _, project := range cfg.ProjectsFor(platform) {
			records, err := adapter.ListAll(ctx, project)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("list %s/%s: %v", platform, project, err))
				continue
			}
			snap.listed[platform+"/"+project] = true
			for _, record := range records {
				snap.records[record.Ref.Key()] = record
			}
		}
	}
	return snap
}

// Run executes one reconciliation pass and returns its consolidated report.
func (r *Reconciler) Run(ctx context.Context, cfg *SyncConfig) DriftReport {
	report := DriftReport{Started: r.now().UTC()}
	snap := r.snapshot(ctx, cfg, &report)

	entries, err := r.store.Entries()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list mappings: %v", err))
		report.Finished = r.now().UTC()
		return report
	}
	for _, entry := range entries {
		if !groupLeader(entry) {
			continue
		}
		report.Groups++
		r.checkGroup(ctx, cfg, snap, entry, &report)
	}
	report.Finished = r.now().UTC()
	return report
}

// groupLeader picks one member per mapping group so each group is inspected
// exactly once; Entries returns a row per member.
func groupLeader(entry MappingEntry) bool {
	key := entry.Key.Key()
	for _, cp := range entry.Counterparts {
		if cp.Ref.Key() < key {
			return false
		}
	}
	return true
}

type memberState struct {
	ref      RecordRef
	record   RemoteRecord
	present  bool
	listed   bool
	terminal bool
}

func (r *Reconciler) checkGroup(ctx context.Context, cfg *SyncConfig, snap remoteSnapshot, entry MappingEntry, report *DriftReport) {
	members := []memberState{{ref: entry.Key}}
	for _, cp := range entry.Counterparts {
		if cp.Canonical {
			members = append(members, memberState{ref: cp.Ref})
		}
	}

	// A partial create can leave a group short of its route: counterparts
	// exist on some platforms but were never made on others. No listing can
	// surface those, so coverage is checked against the route itself.
	for platform, project := range cfg.CounterpartProjects(normalizePlatform(entry.Key.Platform), entry.Key.Project) {
		mapped := false
		for _, m := range members[1:] {
			if normalizePlatform(m.ref.Platform) == platform {
				mapped = true
				break
			}
		}
		if !mapped {
			report.Findings = append(report.Findings, DriftFinding{
				Key:      entry.Key.Key(),
				Platform: platform,
				Kind:     DriftMissing,
				Detail:   fmt.Sprintf("no counterpart mapped in %s/%s", platform, project),
				Time:     r.now().UTC(),
			})
		}
	}
	for i := range members {
		m := &members[i]
		scope := normalizePlatform(m.ref.Platform) + "/" + m.ref.Project
		if !snap.listed[scope] {
			continue
		}
		m.listed = true
		m.record, m.present = snap.records[m.ref.Key()]
		if m.present {
			m.terminal = r.memberTerminal(cfg, *m)
		}
	}

	anyTerminal := false
	anyClosed := false
	for _, m := range members {
		if !m.present {
			if m.listed {
				report.Findings = append(report.Findings, DriftFinding{
					Key:      m.ref.Key(),
					Platform: m.ref.Platform,
					Kind:     DriftMissing,
					Detail:   "mapped record absent from platform listing",
					Time:     r.now().UTC(),
				})
			}
			continue
		}
		if m.record.State == StateClosed {
			anyClosed = true
		}
		if m.terminal {
			anyTerminal = true
		}
	}

	for _, m := range members {
		if !m.present || m.record.State != StateOpen {
			continue
		}
		switch {
		case anyTerminal:
			// A counterpart reached a terminal status; drive this member to
			// closed through the same adapter path an event-driven close
			// takes.
			finding := DriftFinding{
				Key:      m.ref.Key(),
				Platform: m.ref.Platform,
				Kind:     DriftStaleOpen,
				Detail:   "open while a counterpart is terminal; closing",
				Time:     r.now().UTC(),
			}
			adapter, ok := r.adapters[normalizePlatform(m.ref.Platform)]
			if !ok {
				finding.Detail = "open while a counterpart is terminal; no adapter to close it"
			} else if err := adapter.SetState(ctx, m.ref, StateClosed); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("close %s: %v", m.ref.Key(), err))
			} else {
				finding.Repaired = true
			}
			report.Findings = append(report.Findings, finding)
		case anyClosed:
			// Closed without a terminal status on the other side. Closing is
			// intentional and rarely reversed, so this is flagged for a
			// human rather than auto-reopened.
			report.Findings = append(report.Findings, DriftFinding{
				Key:      m.ref.Key(),
				Platform: m.ref.Platform,
				Kind:     DriftReopenCandidate,
				Detail:   "open while a counterpart is closed; not reopening automatically",
				Time:     r.now().UTC(),
			})
		}
	}
}

// memberTerminal reports whether a closed record explicitly reached a
// terminal status. A bare closed state without the status does not qualify;
// that is the flag-only direction, since the close may be housekeeping
// rather than completion.
func (r *Reconciler) memberTerminal(cfg *SyncConfig, m memberState) bool {
	if m.record.State != StateClosed {
		return false
	}
	platform := normalizePlatform(m.ref.Platform)
	for _, status := range cfg.Statuses {
		if !status.Terminal {
			continue
		}
		label := status.Labels[platform]
		if label == "" {
			continue
		}
		for _, have := range m.record.Labels {
			if have == label {
				return true
			}
		}
	}
	return false
}

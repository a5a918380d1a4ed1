package trackrelay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RouteOutcome is the terminal result of routing one event. Every event ends
// in exactly one outcome; failures are reported, never re-raised to the
// webhook caller.
type RouteOutcome struct {
	Status  ActivityStatus
	Detail  string
	Calls   int
	Created []RecordRef
}

// Router decides, per event, whether to create counterparts or propagate a
// change to the existing ones. It holds no mutable state of its own; the
// mapping store is the only coordination point, so any number of workers can
// route concurrently.
type Router struct {
	store    *MappingStore
	adapters map[string]PlatformAdapter
	now      func() time.Time
}

func NewRouter(store *MappingStore, adapters map[string]PlatformAdapter) *Router {
	return &Router{store: store, adapters: adapters, now: time.Now}
}

// Route applies one normalized event against the current mapping state.
func (r *Router) Route(ctx context.Context, cfg *SyncConfig, event SyncEvent) RouteOutcome {
	ref := event.Ref()
	entry, err := r.store.Get(ref)
	if err != nil && !errors.Is(err, ErrMappingNotFound) {
		return RouteOutcome{Status: ActivityFailed, Detail: fmt.Sprintf("mapping lookup: %v", err)}
	}
	if errors.Is(err, ErrMappingNotFound) {
		if event.Action != ActionOpened {
			return RouteOutcome{
				Status: ActivitySkipped,
				Detail: fmt.Sprintf("no mapping for %s; waiting for a creation event", ref.Key()),
			}
		}
		return r.createCounterparts(ctx, cfg, event)
	}
	switch event.Action {
	case ActionOpened:
		// Duplicate or replayed creation for a record that is already
		// mapped. Creation is not retried; reconciliation repairs gaps.
		return RouteOutcome{Status: ActivitySkipped, Detail: "already mapped"}
	case ActionClosed:
		return r.applyState(ctx, cfg, event, entry, StateClosed)
	case ActionReopened:
		return r.applyState(ctx, cfg, event, entry, StateOpen)
	case ActionLabeled:
		return r.applyLabel(ctx, cfg, event, entry, true)
	case ActionUnlabeled:
		return r.applyLabel(ctx, cfg, event, entry, false)
	case ActionAssigned:
		return r.applyAssignee(ctx, cfg, event, entry, true)
	case ActionUnassigned:
		return r.applyAssignee(ctx, cfg, event, entry, false)
	case ActionCommented:
		return r.applyComment(ctx, cfg, event, entry)
	default:
		return RouteOutcome{Status: ActivitySkipped, Detail: fmt.Sprintf("action %s has no handler", event.Action)}
	}
}

func (r *Router) createCounterparts(ctx context.Context, cfg *SyncConfig, event SyncEvent) RouteOutcome {
	ref := event.Ref()
	targets := cfg.CounterpartProjects(event.Origin, event.Project)
	if len(targets) == 0 {
		return RouteOutcome{Status: ActivitySkipped, Detail: "no counterpart projects routed"}
	}
	held, err := r.store.Reserve(ref, r.now())
	if err != nil {
		return RouteOutcome{Status: ActivityFailed, Detail: fmt.Sprintf("reserve mapping: %v", err)}
	}
	if !held {
		if _, err := r.store.Get(ref); err == nil {
			return RouteOutcome{Status: ActivitySkipped, Detail: "already mapped by a concurrent worker"}
		}
		return RouteOutcome{Status: ActivitySkipped, Detail: "creation already in flight"}
	}

	title := TitleMarker(ref) + " " + event.Title
	body := cfg.LoopTag
	if event.Body != "" {
		body += "\n\n" + event.Body
	}

	platforms := make([]string, 0, len(targets))
	for platform := range targets {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)

	outcome := RouteOutcome{}
	var problems []string
	for _, platform := range platforms {
		adapter, ok := r.adapters[platform]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: no adapter configured", platform))
			continue
		}
		outcome.Calls++
		created, err := adapter.Create(ctx, CreateRequest{
			Project: targets[platform],
			Title:   title,
			Body:    body,
		})
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", platform, err))
			continue
		}
		outcome.Created = append(outcome.Created, created)
	}

	if len(outcome.Created) == 0 {
		if relErr := r.store.Release(ref); relErr != nil {
			problems = append(problems, fmt.Sprintf("release reservation: %v", relErr))
		}
		outcome.Status = ActivityFailed
		outcome.Detail = strings.Join(problems, "; ")
		return outcome
	}

	counterparts := make([]Counterpart, 0, len(outcome.Created))
	for _, created := range outcome.Created {
		counterparts = append(counterparts, Counterpart{Ref: created, Canonical: true})
	}
	if err := r.store.Put(MappingEntry{Key: ref, Counterparts: counterparts}); err != nil {
		// Counterparts exist remotely but the link write lost. Reported as a
		// failure; a rebuild or reconciliation pass relinks from the title
		// marker.
		outcome.Status = ActivityFailed
		outcome.Detail = fmt.Sprintf("store mapping after create: %v", err)
		return outcome
	}
	if len(problems) > 0 {
		outcome.Status = ActivityWarning
		outcome.Detail = "partial creation: " + strings.Join(problems, "; ")
		return outcome
	}
	outcome.Status = ActivityCreated
	outcome.Detail = fmt.Sprintf("created %d counterpart(s)", len(outcome.Created))
	return outcome
}

// counterpartCall runs one adapter operation against every canonical
// counterpart in the group, tolerating gone records where the operation is a
// removal. Each counterpart is attempted regardless of earlier failures.
func (r *Router) counterpartCall(entry MappingEntry, tolerateGone bool, call func(PlatformAdapter, RecordRef) error) RouteOutcome {
	outcome := RouteOutcome{}
	var problems, warnings []string
	attempted := 0
	for _, cp := range entry.Counterparts {
		if !cp.Canonical {
			continue
		}
		attempted++
		adapter, ok := r.adapters[normalizePlatform(cp.Ref.Platform)]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s: no adapter configured", cp.Ref.Platform))
			continue
		}
		outcome.Calls++
		err := call(adapter, cp.Ref)
		switch {
		case err == nil:
		case IsAdapterNotFound(err) && tolerateGone:
			// The counterpart is already gone or already lacks the value
			// being removed. Removal is idempotent.
		case IsAdapterNotFound(err):
			warnings = append(warnings, fmt.Sprintf("%s: %v", cp.Ref.Key(), err))
		default:
			problems = append(problems, fmt.Sprintf("%s: %v", cp.Ref.Key(), err))
		}
	}
	switch {
	case attempted == 0:
		outcome.Status = ActivitySkipped
		outcome.Detail = "group has no canonical counterparts"
	case len(problems) > 0:
		outcome.Status = ActivityFailed
		outcome.Detail = strings.Join(append(problems, warnings...), "; ")
	case len(warnings) > 0:
		outcome.Status = ActivityWarning
		outcome.Detail = strings.Join(warnings, "; ")
	default:
		outcome.Status = ActivityApplied
	}
	return outcome
}

func (r *Router) applyState(ctx context.Context, _ *SyncConfig, _ SyncEvent, entry MappingEntry, state RecordState) RouteOutcome {
	return r.counterpartCall(entry, state == StateClosed, func(a PlatformAdapter, ref RecordRef) error {
		return a.SetState(ctx, ref, state)
	})
}

func (r *Router) applyLabel(ctx context.Context, cfg *SyncConfig, event SyncEvent, entry MappingEntry, add bool) RouteOutcome {
	mapping, ok := cfg.CanonicalForLabel(event.Origin, event.Label)
	if !ok {
		return RouteOutcome{
			Status: ActivitySkipped,
			Detail: fmt.Sprintf("label %q is not in the status table", event.Label),
		}
	}
	return r.counterpartCall(entry, !add, func(a PlatformAdapter, ref RecordRef) error {
		label, known := cfg.LabelForCanonical(ref.Platform, mapping.Canonical)
		if !known {
			return &AdapterError{
				Platform: ref.Platform,
				Op:       "translate status",
				Kind:     AdapterNotFound,
				Err:      fmt.Errorf("status %q has no rendering on %s", mapping.Canonical, ref.Platform),
			}
		}
		if label != "" {
			if err := a.UpdateLabelOrStatus(ctx, ref, label, add); err != nil {
				return err
			}
		}
		if mapping.Terminal {
			// Terminal statuses double as record state on platforms that
			// model done-ness by closing.
			state := StateClosed
			if !add {
				state = StateOpen
			}
			return a.SetState(ctx, ref, state)
		}
		return nil
	})
}

func (r *Router) applyAssignee(ctx context.Context, cfg *SyncConfig, event SyncEvent, entry MappingEntry, add bool) RouteOutcome {
	outcome := r.counterpartCall(entry, !add, func(a PlatformAdapter, ref RecordRef) error {
		target, ok := cfg.CounterpartUser(event.Origin, event.Assignee, ref.Platform)
		if !ok {
			return &AdapterError{
				Platform: ref.Platform,
				Op:       "translate user",
				Kind:     AdapterNotFound,
				Err:      fmt.Errorf("user %q has no identity on %s", event.Assignee, ref.Platform),
			}
		}
		return a.UpdateAssignee(ctx, ref, target, add)
	})
	return outcome
}

func (r *Router) applyComment(ctx context.Context, cfg *SyncConfig, event SyncEvent, entry MappingEntry) RouteOutcome {
	body := cfg.LoopTag + " " + event.Comment
	return r.counterpartCall(entry, false, func(a PlatformAdapter, ref RecordRef) error {
		return a.PostComment(ctx, ref, body)
	})
}

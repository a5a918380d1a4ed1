package trackrelay

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Action string

const (
	ActionOpened     Action = "opened"
	ActionClosed     Action = "closed"
	ActionReopened   Action = "reopened"
	ActionLabeled    Action = "labeled"
	ActionUnlabeled  Action = "unlabeled"
	ActionAssigned   Action = "assigned"
	ActionUnassigned Action = "unassigned"
	ActionCommented  Action = "commented"
)

func knownAction(a Action) bool {
	switch a {
	case ActionOpened, ActionClosed, ActionReopened, ActionLabeled,
		ActionUnlabeled, ActionAssigned, ActionUnassigned, ActionCommented:
		return true
	}
	return false
}

// SyncEvent is the canonical form of one inbound webhook delivery. It lives
// only while queued; nothing persists it after processing.
type SyncEvent struct {
	EventID       string `json:"eventId"`
	Origin        string `json:"origin"`
	Project       string `json:"project"`
	ID            string `json:"id"`
	Action        Action `json:"action"`
	Title         string `json:"title,omitempty"`
	Body          string `json:"body,omitempty"`
	Label         string `json:"label,omitempty"`
	Assignee      string `json:"assignee,omitempty"`
	Comment       string `json:"comment,omitempty"`
	DeliveryID    string `json:"deliveryId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	ReceivedAt    string `json:"receivedAt,omitempty"`
}

func (e SyncEvent) Ref() RecordRef {
	return RecordRef{Platform: e.Origin, Project: e.Project, ID: e.ID}
}

// webhookEnvelopeSchema accepts the two payload dialects the tracked
// platforms deliver: issue-tracker envelopes (repository/issue/comment) and
// task-board envelopes (board/task). Field-level translation happens after
// validation; the schema only pins the structural contract.
const webhookEnvelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"project": {"type": "string"},
		"repository": {
			"type": "object",
			"properties": {"name": {"type": "string"}}
		},
		"board": {"type": "string"},
		"issue": {
			"type": "object",
			"properties": {
				"number": {"type": ["integer", "string"]},
				"title": {"type": "string"},
				"body": {"type": ["string", "null"]}
			}
		},
		"task": {
			"type": "object",
			"properties": {
				"id": {"type": ["integer", "string"]},
				"name": {"type": "string"},
				"description": {"type": ["string", "null"]}
			}
		},
		"label": {
			"type": "object",
			"properties": {"name": {"type": "string"}}
		},
		"assignee": {
			"type": "object",
			"properties": {"login": {"type": "string"}, "id": {"type": ["integer", "string"]}}
		},
		"comment": {
			"type": "object",
			"properties": {"body": {"type": ["string", "null"]}}
		}
	},
	"required": ["action"]
}`

// Normalizer converts raw webhook payloads into SyncEvents and rejects
// everything the engine must not act on: untracked projects, unknown
// actions, and echoes of the engine's own writes. It is pure over the
// payload and a config snapshot.
type Normalizer struct {
	schema *jsonschema.Schema
}

func NewNormalizer() (*Normalizer, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookEnvelopeSchema))
	if err != nil {
		return nil, err
	}
	if err := compiler.AddResource("trackrelay://webhook-envelope.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("trackrelay://webhook-envelope.json")
	if err != nil {
		return nil, err
	}
	return &Normalizer{schema: schema}, nil
}

// actionTable maps platform-native action strings to canonical actions.
var actionTable = map[string]Action{
	"opened":          ActionOpened,
	"task.created":    ActionOpened,
	"closed":          ActionClosed,
	"task.completed":  ActionClosed,
	"task.cancelled":  ActionClosed,
	"reopened":        ActionReopened,
	"task.reopened":   ActionReopened,
	"labeled":         ActionLabeled,
	"task.labeled":    ActionLabeled,
	"unlabeled":       ActionUnlabeled,
	"task.unlabeled":  ActionUnlabeled,
	"assigned":        ActionAssigned,
	"task.assigned":   ActionAssigned,
	"unassigned":      ActionUnassigned,
	"task.unassigned": ActionUnassigned,
	"created":         ActionCommented,
	"commented":       ActionCommented,
	"task.commented":  ActionCommented,
}

// Normalize validates and converts one raw payload. Rejections come back as
// ErrValidation or ErrLoopDetected; both are terminal skips, never retried,
// and never escalate past this layer.
func (n *Normalizer) Normalize(cfg *SyncConfig, platform string, payload map[string]any) (SyncEvent, error) {
	platform = normalizePlatform(platform)
	if platform == "" || payload == nil {
		return SyncEvent{}, fmt.Errorf("%w: missing platform or payload", ErrValidation)
	}
	if err := n.schema.Validate(normalizeJSONValue(payload)); err != nil {
		return SyncEvent{}, fmt.Errorf("%w: malformed envelope: %v", ErrValidation, err)
	}

	rawAction := toString(payload["action"])
	action, ok := actionTable[rawAction]
	if !ok {
		return SyncEvent{}, fmt.Errorf("%w: unrecognized action %q", ErrValidation, rawAction)
	}

	event := SyncEvent{
		Origin: platform,
		Action: action,
	}
	event.Project = firstNonEmpty(
		toString(payload["project"]),
		nestedString(payload, "repository", "name"),
		toString(payload["board"]),
	)
	if event.Project == "" {
		return SyncEvent{}, fmt.Errorf("%w: payload names no project", ErrValidation)
	}
	if !cfg.TrackedProject(platform, event.Project) {
		return SyncEvent{}, fmt.Errorf("%w: project %s/%s is not synced", ErrValidation, platform, event.Project)
	}

	if issue, ok := payload["issue"].(map[string]any); ok {
		event.ID = toString(issue["number"])
		event.Title = toString(issue["title"])
		event.Body = toString(issue["body"])
	} else if task, ok := payload["task"].(map[string]any); ok {
		event.ID = toString(task["id"])
		event.Title = toString(task["name"])
		event.Body = toString(task["description"])
	}
	if event.ID == "" {
		return SyncEvent{}, fmt.Errorf("%w: payload carries no record identifier", ErrValidation)
	}
	event.Label = nestedString(payload, "label", "name")
	event.Assignee = firstNonEmpty(
		nestedString(payload, "assignee", "login"),
		nestedString(payload, "assignee", "id"),
	)
	event.Comment = nestedString(payload, "comment", "body")

	// Loop suppression: the engine tags everything it writes to the other
	// platform, so a tagged body on an opened event or a tagged comment on a
	// commented event is our own write echoing back. State and assignment
	// changes carry no taggable content; those rely on the target APIs being
	// idempotent instead.
	switch action {
	case ActionOpened:
		if strings.Contains(event.Body, cfg.LoopTag) {
			return SyncEvent{}, fmt.Errorf("%w: tagged body on %s", ErrLoopDetected, event.Ref().Key())
		}
	case ActionCommented:
		if strings.Contains(event.Comment, cfg.LoopTag) {
			return SyncEvent{}, fmt.Errorf("%w: tagged comment on %s", ErrLoopDetected, event.Ref().Key())
		}
	}
	return event, nil
}

func toString(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%v", typed)
	case int:
		return fmt.Sprintf("%d", typed)
	case int64:
		return fmt.Sprintf("%d", typed)
	default:
		return ""
	}
}

func nestedString(payload map[string]any, outer, inner string) string {
	obj, ok := payload[outer].(map[string]any)
	if !ok {
		return ""
	}
	return toString(obj[inner])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// normalizeJSONValue rewrites Go-native numeric types into the float64 shape
// the schema validator expects from decoded JSON.
func normalizeJSONValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = normalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeJSONValue(item)
		}
		return out
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	default:
		return v
	}
}

package trackrelay

import (
	"context"
)

type RecordState string

const (
	StateOpen   RecordState = "open"
	StateClosed RecordState = "closed"
)

// RemoteRecord is one platform's view of a record, as returned by ListAll.
type RemoteRecord struct {
	Ref       RecordRef   `json:"ref"`
	Title     string      `json:"title"`
	State     RecordState `json:"state"`
	Labels    []string    `json:"labels,omitempty"`
	Assignees []string    `json:"assignees,omitempty"`
}

// CreateRequest carries everything a platform needs to create a counterpart
// record. The title and body arrive already stamped with the loop tag and
// the [{project}#{id}] marker by the router.
type CreateRequest struct {
	Project string
	Title   string
	Body    string
	Labels  []string
}

// PlatformAdapter translates canonical operations into one platform's API
// calls. Adapters own no mapping state; the returned RecordRefs feed the
// mapping store. Failed calls come back as *AdapterError so the caller can
// tell transient transport failures from permanent ones.
type PlatformAdapter interface {
	Platform() string
	Create(ctx context.Context, req CreateRequest) (RecordRef, error)
	SetState(ctx context.Context, ref RecordRef, state RecordState) error
	UpdateLabelOrStatus(ctx context.Context, ref RecordRef, label string, add bool) error
	UpdateAssignee(ctx context.Context, ref RecordRef, user string, add bool) error
	PostComment(ctx context.Context, ref RecordRef, text string) error
	ListAll(ctx context.Context, project string) ([]RemoteRecord, error)
}

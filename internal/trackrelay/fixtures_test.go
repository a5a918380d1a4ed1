package trackrelay

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

const testConfigYAML = `
loopTag: "[sync]"
routes:
  - projects:
      tracker: enterprise
      board: eng-board
statuses:
  - canonical: backlog
    labels:
      tracker: ""
      board: "Backlog"
  - canonical: in-review
    labels:
      tracker: "status:in-review"
      board: "In Review"
  - canonical: shipped
    terminal: true
    labels:
      tracker: ""
      board: "Shipped"
users:
  - identities:
      tracker: alice
      board: alice@example.com
`

func testConfig(t *testing.T) *SyncConfig {
	t.Helper()
	cfg, err := ParseSyncConfig([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("parse test config: %v", err)
	}
	return cfg
}

// fakeAdapter records every call and answers from canned data.
type fakeAdapter struct {
	mu          sync.Mutex
	platform    string
	nextID      int
	created     []CreateRequest
	createdRefs []RecordRef
	stateCalls  []string
	labelCalls  []string
	assignCalls []string
	comments    []string
	records     []RemoteRecord

	failCreate error
	failState  error
}

func newFakeAdapter(platform string) *fakeAdapter {
	return &fakeAdapter{platform: platform}
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Create(_ context.Context, req CreateRequest) (RecordRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return RecordRef{}, f.failCreate
	}
	f.nextID++
	ref := RecordRef{Platform: f.platform, Project: req.Project, ID: fmt.Sprintf("%d", f.nextID)}
	f.created = append(f.created, req)
	f.createdRefs = append(f.createdRefs, ref)
	return ref, nil
}

func (f *fakeAdapter) SetState(_ context.Context, ref RecordRef, state RecordState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failState != nil {
		return f.failState
	}
	f.stateCalls = append(f.stateCalls, fmt.Sprintf("%s=%s", ref.Key(), state))
	return nil
}

func (f *fakeAdapter) UpdateLabelOrStatus(_ context.Context, ref RecordRef, label string, add bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelCalls = append(f.labelCalls, fmt.Sprintf("%s %s add=%t", ref.Key(), label, add))
	return nil
}

func (f *fakeAdapter) UpdateAssignee(_ context.Context, ref RecordRef, user string, add bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignCalls = append(f.assignCalls, fmt.Sprintf("%s %s add=%t", ref.Key(), user, add))
	return nil
}

func (f *fakeAdapter) PostComment(_ context.Context, ref RecordRef, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, fmt.Sprintf("%s: %s", ref.Key(), body))
	return nil
}

func (f *fakeAdapter) ListAll(_ context.Context, project string) ([]RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RemoteRecord
	for _, r := range f.records {
		if r.Ref.Project == project {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAdapter) stateCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stateCalls)
}

func newTestStore() *MappingStore {
	return NewMappingStore(NewInMemoryMappingBackend(), 0)
}

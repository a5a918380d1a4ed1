package trackrelay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RecordRef identifies one issue or task on one platform. It is immutable
// once the operation that produced it completes.
type RecordRef struct {
	Platform string `json:"platform" yaml:"platform"`
	Project  string `json:"project" yaml:"project"`
	ID       string `json:"id" yaml:"id"`
}

func (r RecordRef) Key() string {
	return normalizePlatform(r.Platform) + "/" + r.Project + "#" + r.ID
}

func (r RecordRef) IsZero() bool {
	return r.Platform == "" && r.Project == "" && r.ID == ""
}

func (r RecordRef) normalized() RecordRef {
	r.Platform = normalizePlatform(r.Platform)
	r.Project = strings.TrimSpace(r.Project)
	r.ID = strings.TrimSpace(r.ID)
	return r
}

func (r RecordRef) valid() bool {
	r = r.normalized()
	return r.Platform != "" && r.Project != "" && r.ID != ""
}

// ParseRecordKey inverts RecordRef.Key.
func ParseRecordKey(key string) (RecordRef, error) {
	slash := strings.Index(key, "/")
	hash := strings.LastIndex(key, "#")
	if slash <= 0 || hash <= slash+1 || hash == len(key)-1 {
		return RecordRef{}, fmt.Errorf("%w: malformed record key %q", ErrInvalidInput, key)
	}
	return RecordRef{
		Platform: key[:slash],
		Project:  key[slash+1 : hash],
		ID:       key[hash+1:],
	}, nil
}

// Counterpart is one member of a mapping group as seen from another member.
// Non-canonical counterparts (secondary boards, mirror lists) are carried in
// the group but excluded from drift comparison.
type Counterpart struct {
	Ref       RecordRef `json:"ref"`
	Canonical bool      `json:"canonical"`
}

// MappingEntry is the set of RecordRefs considered the same logical item.
type MappingEntry struct {
	Key          RecordRef     `json:"key"`
	Counterparts []Counterpart `json:"counterparts"`
}

// CanonicalCounterpart returns the canonical counterpart on the given
// platform, if the group has one.
func (e MappingEntry) CanonicalCounterpart(platform string) (RecordRef, bool) {
	platform = normalizePlatform(platform)
	for _, c := range e.Counterparts {
		if c.Canonical && normalizePlatform(c.Ref.Platform) == platform {
			return c.Ref, true
		}
	}
	return RecordRef{}, false
}

// mappingRow is the stored form: the counterparts of one group member, keyed
// by that member's record key. For members a and b of the same group, a's row
// lists b and b's row lists a; Put maintains both directions. A row with
// Pending set and no counterparts is a create reservation: some worker is
// mid-flight creating the counterparts and nobody else should start.
type mappingRow struct {
	Counterparts []Counterpart `json:"counterparts"`
	Pending      bool          `json:"pending,omitempty"`
	PendingAt    time.Time     `json:"pendingAt,omitempty"`
}

// MappingBackend is the version-checked key/value medium behind the store.
// Read returns found=false (not an error) for absent keys. WriteIfVersion
// with an empty expectedVersion is a create that fails if the key exists.
type MappingBackend interface {
	Read(key string) (value []byte, version string, found bool, err error)
	WriteIfVersion(key string, value []byte, expectedVersion string) (bool, error)
	Keys() ([]string, error)
	Close() error
}

// MappingStore is the sole source of truth for identity correspondence
// between platforms. All mutation goes through optimistic read-merge-write
// loops against the backend's version check; there are no exclusive locks.
type MappingStore struct {
	backend    MappingBackend
	maxRetries int
}

const defaultPutRetries = 5

func NewMappingStore(backend MappingBackend, maxRetries int) *MappingStore {
	if maxRetries <= 0 {
		maxRetries = defaultPutRetries
	}
	return &MappingStore{backend: backend, maxRetries: maxRetries}
}

// Get looks up the mapping group for ref. ErrMappingNotFound means the
// record has never been synced (or the store predates it).
func (s *MappingStore) Get(ref RecordRef) (MappingEntry, error) {
	ref = ref.normalized()
	if !ref.valid() {
		return MappingEntry{}, ErrInvalidInput
	}
	value, _, found, err := s.backend.Read(ref.Key())
	if err != nil {
		return MappingEntry{}, err
	}
	if !found {
		return MappingEntry{}, ErrMappingNotFound
	}
	var row mappingRow
	if err := json.Unmarshal(value, &row); err != nil {
		return MappingEntry{}, fmt.Errorf("corrupt mapping row %s: %w", ref.Key(), err)
	}
	if len(row.Counterparts) == 0 {
		// Reservation or abandoned row: the record has no counterparts yet.
		return MappingEntry{}, ErrMappingNotFound
	}
	return MappingEntry{Key: ref, Counterparts: row.Counterparts}, nil
}

// pendingTTL bounds how long a create reservation blocks other workers. A
// worker that crashed mid-create leaves its reservation behind; after the TTL
// another worker may take it over, with reconciliation cleaning up any
// duplicate the crash produced.
const pendingTTL = 2 * time.Minute

// Reserve claims the right to create counterparts for ref. It returns true
// when this caller holds the reservation, false when the group already exists
// or another worker holds a live reservation.
func (s *MappingStore) Reserve(ref RecordRef, now time.Time) (bool, error) {
	ref = ref.normalized()
	if !ref.valid() {
		return false, ErrInvalidInput
	}
	key := ref.Key()
	row := mappingRow{Pending: true, PendingAt: now.UTC()}
	value, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	ok, err := s.backend.WriteIfVersion(key, value, "")
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	existing, version, found, err := s.backend.Read(key)
	if err != nil || !found {
		return false, err
	}
	var current mappingRow
	if err := json.Unmarshal(existing, &current); err != nil {
		return false, fmt.Errorf("corrupt mapping row %s: %w", key, err)
	}
	if len(current.Counterparts) > 0 {
		return false, nil
	}
	if current.Pending && now.Sub(current.PendingAt) < pendingTTL {
		return false, nil
	}
	// Stale reservation or abandoned empty row; take it over.
	ok, err = s.backend.WriteIfVersion(key, value, version)
	return ok, err
}

// Release abandons a reservation after a failed create so later deliveries
// can retry. Rows that already gained counterparts are left alone.
func (s *MappingStore) Release(ref RecordRef) error {
	ref = ref.normalized()
	key := ref.Key()
	value, version, found, err := s.backend.Read(key)
	if err != nil || !found {
		return err
	}
	var row mappingRow
	if err := json.Unmarshal(value, &row); err != nil {
		return fmt.Errorf("corrupt mapping row %s: %w", key, err)
	}
	if len(row.Counterparts) > 0 || !row.Pending {
		return nil
	}
	next, err := json.Marshal(mappingRow{})
	if err != nil {
		return err
	}
	_, err = s.backend.WriteIfVersion(key, next, version)
	return err
}

// Put creates or extends a mapping group. Every member's row is brought up to
// date so the bidirectional invariant holds after the call: each write is an
// optimistic merge that re-reads and retries on version conflict, surfacing
// ErrWriteConflict only after the retry budget is exhausted.
func (s *MappingStore) Put(entry MappingEntry) error {
	entry.Key = entry.Key.normalized()
	if !entry.Key.valid() {
		return ErrInvalidInput
	}
	members := []Counterpart{{Ref: entry.Key, Canonical: true}}
	for _, c := range entry.Counterparts {
		c.Ref = c.Ref.normalized()
		if !c.Ref.valid() || c.Ref == entry.Key {
			continue
		}
		members = append(members, c)
	}
	if len(members) < 2 {
		return fmt.Errorf("%w: mapping entry for %s has no counterparts", ErrInvalidInput, entry.Key.Key())
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Ref.Key() < members[j].Ref.Key() })
	for _, member := range members {
		others := make([]Counterpart, 0, len(members)-1)
		for _, other := range members {
			if other.Ref != member.Ref {
				others = append(others, other)
			}
		}
		if err := s.mergeRow(member.Ref, others); err != nil {
			return err
		}
	}
	return nil
}

func (s *MappingStore) mergeRow(ref RecordRef, add []Counterpart) error {
	key := ref.Key()
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		value, version, found, err := s.backend.Read(key)
		if err != nil {
			return err
		}
		var row mappingRow
		if found {
			if err := json.Unmarshal(value, &row); err != nil {
				return fmt.Errorf("corrupt mapping row %s: %w", key, err)
			}
		}
		merged, changed := mergeCounterparts(row.Counterparts, add)
		if found && !changed && !row.Pending {
			return nil
		}
		row.Counterparts = merged
		row.Pending = false
		row.PendingAt = time.Time{}
		next, err := json.Marshal(row)
		if err != nil {
			return err
		}
		ok, err := s.backend.WriteIfVersion(key, next, version)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Lost the race; re-read and merge against the winner's value.
	}
	return &ConflictError{Key: key, ExpectedVersion: "", CurrentVersion: ""}
}

func mergeCounterparts(existing, add []Counterpart) ([]Counterpart, bool) {
	changed := false
	merged := append([]Counterpart(nil), existing...)
	for _, c := range add {
		idx := -1
		for i, have := range merged {
			if have.Ref == c.Ref {
				idx = i
				break
			}
		}
		if idx < 0 {
			merged = append(merged, c)
			changed = true
			continue
		}
		if c.Canonical && !merged[idx].Canonical {
			merged[idx].Canonical = true
			changed = true
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Ref.Key() < merged[j].Ref.Key() })
	if !changed && len(merged) == len(existing) {
		for i := range merged {
			if merged[i] != existing[i] {
				changed = true
				break
			}
		}
	}
	return merged, changed
}

// Entries returns every stored mapping group, one entry per member key.
func (s *MappingStore) Entries() ([]MappingEntry, error) {
	keys, err := s.backend.Keys()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]MappingEntry, 0, len(keys))
	for _, key := range keys {
		ref, err := ParseRecordKey(key)
		if err != nil {
			continue
		}
		entry, err := s.Get(ref)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// RebuildResult summarizes one disaster-recovery pass over a platform scan.
type RebuildResult struct {
	Platform  string `json:"platform"`
	Scanned   int    `json:"scanned"`
	Linked    int    `json:"linked"`
	Unchanged int    `json:"unchanged"`
	Skipped   int    `json:"skipped"`
}

// Rebuild reconstructs mapping groups from a full scan of one platform by
// parsing the embedded [{project}#{id}] convention out of record titles. It
// merges into the current store rather than replacing it, so it is safe to
// run against a partially populated store and is idempotent. Malformed or
// ambiguous titles are counted and skipped; they never corrupt existing
// groups.
func (s *MappingStore) Rebuild(cfg *SyncConfig, platform string, records []RemoteRecord) (RebuildResult, error) {
	result := RebuildResult{Platform: normalizePlatform(platform)}
	for _, record := range records {
		result.Scanned++
		project, id, ok := ParseTitleMarker(record.Title)
		if !ok {
			result.Skipped++
			continue
		}
		origin, ok := platformForProject(cfg, project, result.Platform)
		if !ok {
			result.Skipped++
			continue
		}
		originRef := RecordRef{Platform: origin, Project: project, ID: id}
		entry := MappingEntry{
			Key:          originRef,
			Counterparts: []Counterpart{{Ref: record.Ref, Canonical: true}},
		}
		if existing, err := s.Get(originRef); err == nil {
			if cp, already := existing.CanonicalCounterpart(record.Ref.Platform); already {
				if cp == record.Ref.normalized() {
					result.Unchanged++
				} else {
					// A different canonical counterpart already exists on
					// this platform; keep the established link.
					result.Skipped++
				}
				continue
			}
		}
		if err := s.Put(entry); err != nil {
			return result, err
		}
		result.Linked++
	}
	return result, nil
}

// platformForProject resolves which platform a tracked project belongs to,
// excluding the platform being scanned. Ambiguity (same project name tracked
// on two other platforms) disqualifies the marker.
func platformForProject(cfg *SyncConfig, project, exclude string) (string, bool) {
	match := ""
	for _, platform := range cfg.Platforms() {
		if platform == exclude || !cfg.TrackedProject(platform, project) {
			continue
		}
		if match != "" {
			return "", false
		}
		match = platform
	}
	return match, match != ""
}

// ParseTitleMarker extracts the [{project}#{id}] prefix convention from a
// record title. The marker is a versioned contract; anything that does not
// match exactly is rejected rather than guessed at.
func ParseTitleMarker(title string) (project, id string, ok bool) {
	title = strings.TrimSpace(title)
	if !strings.HasPrefix(title, "[") {
		return "", "", false
	}
	end := strings.Index(title, "]")
	if end <= 1 {
		return "", "", false
	}
	marker := title[1:end]
	hash := strings.LastIndex(marker, "#")
	if hash <= 0 || hash == len(marker)-1 {
		return "", "", false
	}
	project = strings.TrimSpace(marker[:hash])
	id = strings.TrimSpace(marker[hash+1:])
	if project == "" || id == "" || strings.ContainsAny(id, " \t") {
		return "", "", false
	}
	return project, id, true
}

// TitleMarker renders the convention stamped onto counterpart titles.
func TitleMarker(ref RecordRef) string {
	return "[" + ref.Project + "#" + ref.ID + "]"
}

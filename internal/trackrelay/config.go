package trackrelay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const DefaultLoopTag = "[sync]"

// ProjectRoute pairs the projects that mirror each other, one per platform:
// {github: enterprise, taskboard: eng-board} means records in those two
// containers are counterparts of each other.
type ProjectRoute struct {
	Projects map[string]string `yaml:"projects" json:"projects"`
}

// StatusMapping binds one canonical status to its per-platform rendering.
// An empty label means the status is represented by the absence of any
// status label on that platform (e.g. backlog). Terminal statuses also close
// the record on platforms that model them as a closed state.
type StatusMapping struct {
	Canonical string            `yaml:"canonical" json:"canonical"`
	Labels    map[string]string `yaml:"labels" json:"labels"`
	Terminal  bool              `yaml:"terminal,omitempty" json:"terminal,omitempty"`
}

// UserMapping binds one person's identities across platforms.
type UserMapping struct {
	Identities map[string]string `yaml:"identities" json:"identities"`
}

// SyncConfig holds the static tables the engine consults at request time:
// the loop-prevention tag, the project routes, the bidirectional status
// enumeration, and the cross-platform user identity table. It is loaded once
// (or on file change) and treated as immutable afterwards.
type SyncConfig struct {
	LoopTag  string          `yaml:"loopTag" json:"loopTag"`
	Routes   []ProjectRoute  `yaml:"routes" json:"routes"`
	Statuses []StatusMapping `yaml:"statuses" json:"statuses"`
	Users    []UserMapping   `yaml:"users" json:"users"`
}

func LoadSyncConfig(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSyncConfig(data)
}

func ParseSyncConfig(data []byte) (*SyncConfig, error) {
	var cfg SyncConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse sync config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *SyncConfig) normalize() error {
	if c.LoopTag = strings.TrimSpace(c.LoopTag); c.LoopTag == "" {
		c.LoopTag = DefaultLoopTag
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("%w: sync config has no project routes", ErrInvalidInput)
	}
	seenProject := map[string]int{}
	for i := range c.Routes {
		normalized := map[string]string{}
		for platform, project := range c.Routes[i].Projects {
			platform = normalizePlatform(platform)
			project = strings.TrimSpace(project)
			if platform == "" || project == "" {
				continue
			}
			key := platform + "/" + project
			if prior, dup := seenProject[key]; dup {
				return fmt.Errorf("%w: project %s appears in routes %d and %d", ErrInvalidInput, key, prior, i)
			}
			seenProject[key] = i
			normalized[platform] = project
		}
		if len(normalized) < 2 {
			return fmt.Errorf("%w: route %d needs projects on at least two platforms", ErrInvalidInput, i)
		}
		c.Routes[i].Projects = normalized
	}

	seenCanonical := map[string]bool{}
	seenLabel := map[string]string{}
	for i := range c.Statuses {
		canonical := strings.TrimSpace(c.Statuses[i].Canonical)
		if canonical == "" {
			return fmt.Errorf("%w: status mapping %d has no canonical name", ErrInvalidInput, i)
		}
		if seenCanonical[canonical] {
			return fmt.Errorf("%w: duplicate canonical status %q", ErrInvalidInput, canonical)
		}
		seenCanonical[canonical] = true
		c.Statuses[i].Canonical = canonical
		for platform, label := range c.Statuses[i].Labels {
			label = strings.TrimSpace(label)
			if label == "" {
				continue
			}
			key := normalizePlatform(platform) + "|" + label
			if prior, dup := seenLabel[key]; dup {
				return fmt.Errorf("%w: label %q on %s maps to both %q and %q", ErrInvalidInput, label, platform, prior, canonical)
			}
			seenLabel[key] = canonical
		}
	}
	return nil
}

// TrackedProject reports whether events for platform/project are synced.
func (c *SyncConfig) TrackedProject(platform, project string) bool {
	_, ok := c.routeFor(platform, project)
	return ok
}

func (c *SyncConfig) routeFor(platform, project string) (ProjectRoute, bool) {
	if c == nil {
		return ProjectRoute{}, false
	}
	platform = normalizePlatform(platform)
	for _, route := range c.Routes {
		if route.Projects[platform] == project && project != "" {
			return route, true
		}
	}
	return ProjectRoute{}, false
}

// CounterpartProjects returns the mirrored (platform, project) pairs for a
// tracked project, excluding the originating platform.
func (c *SyncConfig) CounterpartProjects(platform, project string) map[string]string {
	route, ok := c.routeFor(platform, project)
	if !ok {
		return nil
	}
	platform = normalizePlatform(platform)
	out := map[string]string{}
	for target, targetProject := range route.Projects {
		if target != platform {
			out[target] = targetProject
		}
	}
	return out
}

// Platforms returns the configured platform names, sorted.
func (c *SyncConfig) Platforms() []string {
	if c == nil {
		return nil
	}
	seen := map[string]bool{}
	for _, route := range c.Routes {
		for platform := range route.Projects {
			seen[platform] = true
		}
	}
	out := make([]string, 0, len(seen))
	for platform := range seen {
		out = append(out, platform)
	}
	sort.Strings(out)
	return out
}

// ProjectsFor returns the tracked projects on one platform, sorted.
func (c *SyncConfig) ProjectsFor(platform string) []string {
	if c == nil {
		return nil
	}
	platform = normalizePlatform(platform)
	out := []string{}
	for _, route := range c.Routes {
		if project, ok := route.Projects[platform]; ok {
			out = append(out, project)
		}
	}
	sort.Strings(out)
	return out
}

// CanonicalForLabel resolves a platform status label to its canonical status.
func (c *SyncConfig) CanonicalForLabel(platform, label string) (StatusMapping, bool) {
	if c == nil {
		return StatusMapping{}, false
	}
	platform = normalizePlatform(platform)
	label = strings.TrimSpace(label)
	if label == "" {
		return StatusMapping{}, false
	}
	for _, mapping := range c.Statuses {
		if mapping.Labels[platform] == label {
			return mapping, true
		}
	}
	return StatusMapping{}, false
}

// LabelForCanonical resolves a canonical status to a platform's label. The
// second return is false when the status is unknown on that platform; an
// empty label with a true return means "no label" is the correct rendering.
func (c *SyncConfig) LabelForCanonical(platform, canonical string) (string, bool) {
	if c == nil {
		return "", false
	}
	platform = normalizePlatform(platform)
	for _, mapping := range c.Statuses {
		if mapping.Canonical == canonical {
			label, ok := mapping.Labels[platform]
			return label, ok
		}
	}
	return "", false
}

// CounterpartUser maps a user identity on one platform to the same person's
// identity on another. Unmapped users resolve to ("", false) and are skipped
// by the router with a warning, never an error.
func (c *SyncConfig) CounterpartUser(fromPlatform, user, toPlatform string) (string, bool) {
	if c == nil || strings.TrimSpace(user) == "" {
		return "", false
	}
	fromPlatform = normalizePlatform(fromPlatform)
	toPlatform = normalizePlatform(toPlatform)
	for _, mapping := range c.Users {
		if mapping.Identities[fromPlatform] == user {
			target, ok := mapping.Identities[toPlatform]
			return target, ok && target != ""
		}
	}
	return "", false
}

func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// WatchSyncConfig reloads the config file whenever it changes and hands the
// parsed result to apply. Parse failures go to onError and leave the running
// config untouched. The returned stop function releases the watcher.
func WatchSyncConfig(path string, apply func(*SyncConfig), onError func(error)) (func() error, error) {
	if apply == nil {
		return nil, ErrInvalidInput
	}
	if onError == nil {
		onError = func(error) {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors that replace the file via rename would
	// otherwise drop the watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, loadErr := LoadSyncConfig(path)
				if loadErr != nil {
					onError(loadErr)
					continue
				}
				apply(cfg)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				onError(watchErr)
			}
		}
	}()
	return watcher.Close, nil
}

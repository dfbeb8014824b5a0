package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Installed is one registered plugin version.
type Installed struct {
	Manifest    Manifest
	Version     *semver.Version
	InstalledAt time.Time
	// Seq is the install order across the registry.
	Seq int
}

// Registry stores installed versions in an append-only arena indexed by name.
// Plugins refer to each other by name and constraint, never by pointer.
type Registry struct {
	mu    sync.RWMutex
	arena []Installed
	index map[string][]int // name -> arena offsets, ascending by version
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: map[string][]int{}}
}

// admit reports whether add would accept m, without registering it.
func (r *Registry) admit(m Manifest) error {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return &InvalidPluginError{Plugin: m.Name, Problems: []string{err.Error()}}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admitLocked(m, v)
}

func (r *Registry) admitLocked(m Manifest, v *semver.Version) error {
	for _, off := range r.index[m.Name] {
		if r.arena[off].Version.Equal(v) {
			return fmt.Errorf("%w: %s", ErrAlreadyInstalled, m.Ref())
		}
	}
	return r.checkDependenciesLocked(m)
}

func (r *Registry) add(m Manifest, at time.Time) (Installed, error) {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return Installed{}, &InvalidPluginError{Plugin: m.Name, Problems: []string{err.Error()}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.admitLocked(m, v); err != nil {
		return Installed{}, err
	}
	entry := Installed{Manifest: m.Clone(), Version: v, InstalledAt: at, Seq: len(r.arena) + 1}
	r.arena = append(r.arena, entry)
	offsets := append(r.index[m.Name], len(r.arena)-1)
	sort.SliceStable(offsets, func(i, j int) bool {
		return r.arena[offsets[i]].Version.LessThan(r.arena[offsets[j]].Version)
	})
	r.index[m.Name] = offsets
	return entry, nil
}

func (r *Registry) checkDependenciesLocked(m Manifest) error {
	var missing []string
	for _, dep := range sortedKeys(m.Requires.Dependencies) {
		constraint, err := semver.NewConstraint(m.Requires.Dependencies[dep])
		if err != nil {
			missing = append(missing, fmt.Sprintf("dependency %s: %v", dep, err))
			continue
		}
		if _, ok := r.resolveLocked(dep, constraint); !ok {
			missing = append(missing, fmt.Sprintf("dependency %s %s is not installed", dep, m.Requires.Dependencies[dep]))
		}
	}
	if len(missing) > 0 {
		return &InvalidPluginError{Plugin: m.Name, Problems: missing}
	}
	return nil
}

func (r *Registry) resolveLocked(name string, constraint *semver.Constraints) (Installed, bool) {
	offsets := r.index[name]
	for i := len(offsets) - 1; i >= 0; i-- {
		entry := r.arena[offsets[i]]
		if constraint == nil || constraint.Check(entry.Version) {
			return entry, true
		}
	}
	return Installed{}, false
}

// Resolve returns the highest installed version of name satisfying
// constraint. An empty constraint selects the latest version.
func (r *Registry) Resolve(name, constraint string) (Installed, error) {
	var c *semver.Constraints
	if trimmed := strings.TrimSpace(constraint); trimmed != "" && trimmed != "*" && trimmed != "latest" {
		parsed, err := semver.NewConstraint(trimmed)
		if err != nil {
			return Installed{}, fmt.Errorf("plugin: constraint %q for %s: %w", constraint, name, err)
		}
		c = parsed
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.resolveLocked(name, c)
	if !ok {
		if constraint == "" {
			return Installed{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		return Installed{}, fmt.Errorf("%w: %s %s", ErrUnknownPlugin, name, constraint)
	}
	entry.Manifest = entry.Manifest.Clone()
	return entry, nil
}

// Versions lists every installed version of name, ascending.
func (r *Registry) Versions(name string) []Installed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	offsets := r.index[name]
	out := make([]Installed, len(offsets))
	for i, off := range offsets {
		out[i] = r.arena[off]
	}
	return out
}

// Latest returns the newest version of each plugin, sorted by name.
func (r *Registry) Latest() []Installed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.index))
	for name := range r.index {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Installed, 0, len(names))
	for _, name := range names {
		offsets := r.index[name]
		out = append(out, r.arena[offsets[len(offsets)-1]])
	}
	return out
}

// Len reports how many versions are installed.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.arena)
}

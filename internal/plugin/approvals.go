package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

// Approval records an operator's consent for a plugin to use capabilities.
// Version is a semver constraint; empty or "*" matches every version.
type Approval struct {
	Plugin       string   `yaml:"plugin"`
	Version      string   `yaml:"version,omitempty"`
	Capabilities []string `yaml:"capabilities"`
}

func (a Approval) matches(name string, version *semver.Version) bool {
	if a.Plugin != name {
		return false
	}
	constraint := strings.TrimSpace(a.Version)
	if constraint == "" || constraint == "*" {
		return true
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(version)
}

// ApprovalStore answers which capabilities an operator approved for a
// plugin version.
type ApprovalStore interface {
	Approved(ctx context.Context, name, version string) (sandbox.Set, error)
}

func approvedBy(rules []Approval, name, version string) (sandbox.Set, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("plugin: approval lookup %s@%s: %w", name, version, err)
	}
	set := sandbox.NewSet()
	for _, rule := range rules {
		if !rule.matches(name, v) {
			continue
		}
		for _, raw := range rule.Capabilities {
			if c, err := sandbox.ParseCapability(raw); err == nil {
				set[c] = struct{}{}
			}
		}
	}
	return set, nil
}

// MemoryApprovals keeps approvals in memory.
type MemoryApprovals struct {
	mu    sync.RWMutex
	rules []Approval
}

// NewMemoryApprovals seeds the store with rules.
func NewMemoryApprovals(rules ...Approval) *MemoryApprovals {
	return &MemoryApprovals{rules: append([]Approval(nil), rules...)}
}

// Approve grants caps to name for versions matching constraint.
func (m *MemoryApprovals) Approve(name, constraint string, caps ...sandbox.Capability) {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	m.mu.Lock()
	m.rules = append(m.rules, Approval{Plugin: name, Version: constraint, Capabilities: names})
	m.mu.Unlock()
}

func (m *MemoryApprovals) Approved(_ context.Context, name, version string) (sandbox.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return approvedBy(m.rules, name, version)
}

// FileApprovals reads approvals from a YAML file on every lookup so edits
// take effect without a restart. A missing file approves nothing.
type FileApprovals struct {
	Path string
	mu   sync.Mutex
}

type approvalFile struct {
	Approvals []Approval `yaml:"approvals"`
}

// NewFileApprovals returns a store backed by path.
func NewFileApprovals(path string) *FileApprovals {
	return &FileApprovals{Path: path}
}

func (f *FileApprovals) load() ([]Approval, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read approvals %s: %w", f.Path, err)
	}
	var file approvalFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("plugin: decode approvals %s: %w", f.Path, err)
	}
	return file.Approvals, nil
}

func (f *FileApprovals) Approved(_ context.Context, name, version string) (sandbox.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, err := f.load()
	if err != nil {
		return nil, err
	}
	return approvedBy(rules, name, version)
}

// Approve appends a rule and rewrites the file.
func (f *FileApprovals) Approve(name, constraint string, caps ...sandbox.Capability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, err := f.load()
	if err != nil {
		return err
	}
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	rules = append(rules, Approval{Plugin: name, Version: constraint, Capabilities: names})
	data, err := yaml.Marshal(approvalFile{Approvals: rules})
	if err != nil {
		return fmt.Errorf("plugin: encode approvals: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("plugin: create approvals dir: %w", err)
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("plugin: write approvals %s: %w", f.Path, err)
	}
	return nil
}

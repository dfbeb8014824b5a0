// Package sandbox narrows a Host down to the capabilities granted to one
// plugin invocation. Capabilities are checked when a handle is used, not when
// the sandbox is built, so a plugin that never touches an ungranted
// capability runs normally.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

// Sandbox is the restricted context handed to a plugin.
type Sandbox struct {
	host   Host
	grants Set
	scope  Scope
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	denials   []Capability
	fs        *Filesystem
	client    *http.Client
	transport *http.Transport
	procs     map[*exec.Cmd]struct{}
}

// New builds a sandbox. Nothing is allocated until a handle is requested.
func New(host Host, grants []Capability, scope Scope) *Sandbox {
	logger := host.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sandbox{
		host:   host,
		grants: NewSet(grants...),
		scope:  scope,
		logger: logger.With("plugin", scope.Plugin, "run", scope.RunID),
		procs:  make(map[*exec.Cmd]struct{}),
	}
}

// Scope returns the invocation scope.
func (s *Sandbox) Scope() Scope { return s.scope }

// Granted reports whether c was granted.
func (s *Sandbox) Granted(c Capability) bool { return s.grants.Has(c) }

// Grants returns the granted capabilities, sorted.
func (s *Sandbox) Grants() []Capability { return s.grants.Slice() }

// Denials lists capabilities the plugin tried to use without a grant.
func (s *Sandbox) Denials() []Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Capability(nil), s.denials...)
}

func (s *Sandbox) require(c Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.grants.Has(c) {
		return nil
	}
	s.denials = append(s.denials, c)
	s.logger.Warn("capability denied", "capability", string(c))
	return &CapabilityDeniedError{Capability: c, Plugin: s.scope.Plugin}
}

func (s *Sandbox) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// HTTPClient returns a client whose connections pass the egress policy.
func (s *Sandbox) HTTPClient() (*http.Client, error) {
	if err := s.require(CapNetwork); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		client, transport, err := newGuardedClient(s.host.Egress, s.isClosed)
		if err != nil {
			return nil, err
		}
		s.client, s.transport = client, transport
	}
	return s.client, nil
}

// FS returns the scratch filesystem, creating the directory on first use.
func (s *Sandbox) FS() (*Filesystem, error) {
	if err := s.require(CapFilesystem); err != nil {
		return nil, err
	}
	return s.filesystem()
}

func (s *Sandbox) filesystem() (*Filesystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fs == nil {
		fsys, err := openFilesystem(s.ScratchDir())
		if err != nil {
			return nil, err
		}
		s.fs = fsys
	}
	return s.fs, nil
}

// Exec runs a bounded subprocess inside the scratch directory.
func (s *Sandbox) Exec(ctx context.Context, c Command) (ExecResult, error) {
	if err := s.require(CapExec); err != nil {
		return ExecResult{}, err
	}
	fsys, err := s.filesystem()
	if err != nil {
		return ExecResult{}, err
	}
	return s.runCommand(ctx, fsys.Dir(), c)
}

// ReadEvents queries the event log.
func (s *Sandbox) ReadEvents(ctx context.Context, f eventlog.Filter) ([]eventlog.Event, error) {
	if err := s.require(CapEventsRead); err != nil {
		return nil, err
	}
	if s.host.Events == nil {
		return nil, errors.New("sandbox: no event log configured")
	}
	return s.host.Events.Query(ctx, f)
}

// AppendEvent appends a plugin-originated event. The plugin, run and issue
// tags are always set from the scope and cannot be overridden.
func (s *Sandbox) AppendEvent(ctx context.Context, eventType string, tags map[string]string, data any) (eventlog.Event, error) {
	if err := s.require(CapEventsWrite); err != nil {
		return eventlog.Event{}, err
	}
	if s.host.Events == nil {
		return eventlog.Event{}, errors.New("sandbox: no event log configured")
	}
	merged := eventlog.Tags(tags).Clone()
	if merged == nil {
		merged = eventlog.Tags{}
	}
	merged[eventlog.TagPlugin] = s.scope.Plugin
	if s.scope.RunID != "" {
		merged[eventlog.TagRun] = s.scope.RunID
	}
	if s.scope.IssueID != "" {
		merged[eventlog.TagIssue] = s.scope.IssueID
	}
	ev, err := eventlog.NewEvent(eventType, merged, data)
	if err != nil {
		return eventlog.Event{}, err
	}
	ev.Metadata = eventlog.Metadata{
		WorkflowVersion: s.scope.WorkflowVersion,
		EventSource:     eventlog.OriginPlugin,
	}
	return s.host.Events.Append(ctx, ev)
}

// SourceControl calls the source-control collaborator.
func (s *Sandbox) SourceControl(ctx context.Context, op string, args map[string]any) (CallResult, error) {
	if err := s.require(CapSourceControl); err != nil {
		return CallResult{}, err
	}
	return s.call(ctx, s.host.SourceControl, "source control", op, args)
}

// AIProvider calls the AI provider collaborator.
func (s *Sandbox) AIProvider(ctx context.Context, op string, args map[string]any) (CallResult, error) {
	if err := s.require(CapAIProvider); err != nil {
		return CallResult{}, err
	}
	return s.call(ctx, s.host.AIProvider, "ai provider", op, args)
}

func (s *Sandbox) call(ctx context.Context, c Collaborator, label, op string, args map[string]any) (CallResult, error) {
	if c == nil {
		return CallResult{}, fmt.Errorf("sandbox: no %s configured", label)
	}
	timeout := s.host.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := c.Call(ctx, op, args)
	if err != nil {
		return CallResult{}, fmt.Errorf("sandbox: %s %s: %w", label, op, err)
	}
	return result, nil
}

// Secret resolves a named secret.
func (s *Sandbox) Secret(ctx context.Context, name string) (string, error) {
	if err := s.require(CapSecrets); err != nil {
		return "", err
	}
	if s.host.Secrets == nil {
		return "", fmt.Errorf("sandbox: secret %s not found", name)
	}
	return s.host.Secrets.Secret(ctx, name)
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeSegment(value, fallback string) string {
	cleaned := unsafePathChars.ReplaceAllString(value, "_")
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return fallback
	}
	return cleaned
}

// ScratchDir is the per-run, per-plugin directory used by FS and Exec.
func (s *Sandbox) ScratchDir() string {
	root := s.host.ScratchRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "lattice-scratch")
	}
	return filepath.Join(root, sanitizeSegment(s.scope.RunID, "adhoc"), sanitizeSegment(s.scope.Plugin, "plugin"))
}

// Close kills running subprocesses and removes the scratch directory. It is
// safe to call more than once.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs := make([]*exec.Cmd, 0, len(s.procs))
	for cmd := range s.procs {
		procs = append(procs, cmd)
	}
	fsys, transport := s.fs, s.transport
	s.mu.Unlock()

	for _, cmd := range procs {
		killProcessTree(cmd)
	}
	if transport != nil {
		transport.CloseIdleConnections()
	}
	var errs []error
	if fsys != nil {
		if err := fsys.close(); err != nil {
			errs = append(errs, err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			err := os.RemoveAll(fsys.Dir())
			if err == nil || time.Now().After(deadline) {
				if err != nil {
					errs = append(errs, err)
				}
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	return errors.Join(errs...)
}

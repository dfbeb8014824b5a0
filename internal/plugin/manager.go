// Package plugin installs plugin manifests and executes plugin versions inside
// a capability sandbox, recording every execution in the event log.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

// DefaultTimeout bounds a plugin execution when neither the request nor the
// manifest sets one.
const DefaultTimeout = 30 * time.Second

// Observer receives execution outcomes, typically for metrics.
type Observer interface {
	PluginExecuted(plugin string, success, timeout bool, d time.Duration)
}

// Request carries the per-invocation context of Execute.
type Request struct {
	// Constraint selects a version; empty means latest.
	Constraint      string
	RunID           string
	IssueID         string
	Step            string
	WorkflowVersion string
	Input           map[string]any
	// Timeout overrides the manifest and manager defaults when positive.
	Timeout time.Duration
}

// Manager owns the registry and runs plugins.
type Manager struct {
	events    eventlog.Writer
	host      sandbox.Host
	registry  *Registry
	approvals ApprovalStore
	native    *NativeRegistry
	loaders   map[RuntimeType]Loader
	timeout   time.Duration
	retry     eventlog.RetryPolicy
	logger    *slog.Logger
	observer  Observer
	tracer    trace.Tracer
	clock     func() time.Time

	mu     sync.Mutex
	loaded map[string]Plugin
}

// Option configures a Manager.
type Option func(*Manager)

// WithApprovals sets the approval store. Without one nothing is approved.
func WithApprovals(store ApprovalStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.approvals = store
		}
	}
}

// WithNative sets the registry of compiled-in plugins.
func WithNative(reg *NativeRegistry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.native = reg
			m.loaders[RuntimeNative] = reg
		}
	}
}

// WithLoader replaces the loader of a runtime type.
func WithLoader(rt RuntimeType, l Loader) Option {
	return func(m *Manager) {
		if l != nil {
			m.loaders[rt] = l
		}
	}
}

// WithDefaultTimeout sets the timeout used when neither request nor manifest has one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRetryPolicy sets how PLUGIN.* appends are retried.
func WithRetryPolicy(p eventlog.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p.Normalized() }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager builds a manager appending to events. host is the base context
// sandboxes are narrowed from; its Events field defaults to events when it
// also reads.
func NewManager(events eventlog.Writer, host sandbox.Host, opts ...Option) *Manager {
	native := NewNativeRegistry()
	m := &Manager{
		events:    events,
		host:      host,
		registry:  NewRegistry(),
		approvals: NewMemoryApprovals(),
		native:    native,
		loaders: map[RuntimeType]Loader{
			RuntimeNative:  native,
			RuntimeScript:  ScriptLoader{},
			RuntimeWasm:    NewWasmLoader(),
			RuntimeCommand: CommandLoader{},
		},
		timeout: DefaultTimeout,
		retry:   eventlog.DefaultRetryPolicy(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:  otel.Tracer("lattice/plugin"),
		clock:   time.Now,
		loaded:  map[string]Plugin{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.host.Events == nil {
		if rw, ok := events.(eventlog.ReadWriter); ok {
			m.host.Events = rw
		}
	}
	if m.host.Logger == nil {
		m.host.Logger = m.logger
	}
	return m
}

// Registry exposes the installed plugins.
func (m *Manager) Registry() *Registry { return m.registry }

// Native exposes the compiled-in plugin registry.
func (m *Manager) Native() *NativeRegistry { return m.native }

// Install validates the manifest, checks capability approvals and
// dependencies, appends PLUGIN.INSTALLED and then registers the version.
// Reinstalling an installed version fails; new versions are new entries.
func (m *Manager) Install(ctx context.Context, manifest Manifest) (Installed, error) {
	manifest = manifest.Normalized()
	if err := manifest.Validate(); err != nil {
		return Installed{}, err
	}
	requested := manifest.Capabilities()
	approved, err := m.approvals.Approved(ctx, manifest.Name, manifest.Version)
	if err != nil {
		return Installed{}, err
	}
	if missing := approved.Missing(requested); len(missing) > 0 {
		return Installed{}, &NotApprovedError{Plugin: manifest.Name, Version: manifest.Version, Missing: missing}
	}
	if err := m.registry.admit(manifest); err != nil {
		return Installed{}, err
	}
	caps := make([]string, len(requested))
	for i, c := range requested {
		caps[i] = string(c)
	}
	// The version is registered only once its install is on record; the
	// unique key keeps a retried append from recording it twice.
	err = m.append(ctx, eventlog.TypePluginInstalled, eventlog.Tags{eventlog.TagPlugin: manifest.Name}, "", installedKey(manifest), eventlog.PluginInstalled{
		Plugin:       manifest.Name,
		Version:      manifest.Version,
		Kind:         string(manifest.Kind),
		Runtime:      string(manifest.Runtime.Type),
		Capabilities: caps,
	})
	if err != nil {
		return Installed{}, err
	}
	entry, err := m.registry.add(manifest, m.clock())
	if err != nil {
		return Installed{}, err
	}
	m.logger.Info("plugin installed", "plugin", manifest.Name, "version", manifest.Version, "capabilities", caps)
	return entry, nil
}

// Execute resolves name, runs it in a fresh sandbox under a wall-clock
// timeout and appends PLUGIN.EXECUTED whatever the outcome. Plugin failures,
// denials, panics and timeouts are reported in the Result; the error is
// non-nil only when the plugin cannot be resolved or the log is unavailable.
func (m *Manager) Execute(ctx context.Context, name string, req Request) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "plugin.execute", trace.WithAttributes(
		attribute.String("lattice.plugin", name),
		attribute.String("lattice.run", req.RunID),
		attribute.String("lattice.step", req.Step),
	))
	defer span.End()

	entry, err := m.registry.Resolve(name, req.Constraint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result := Result{Success: false, Error: err.Error()}
		if appendErr := m.recordExecution(ctx, name, "", req, result); appendErr != nil {
			return result, errors.Join(err, appendErr)
		}
		return result, err
	}
	manifest := entry.Manifest
	span.SetAttributes(attribute.String("lattice.plugin.version", manifest.Version))

	timeout := m.timeoutFor(manifest, req)
	result := m.run(ctx, manifest, req, timeout)

	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	span.SetAttributes(attribute.Bool("lattice.plugin.timeout", result.Timeout))
	if m.observer != nil {
		m.observer.PluginExecuted(manifest.Name, result.Success, result.Timeout, result.Duration)
	}
	if err := m.recordExecution(ctx, manifest.Name, manifest.Version, req, result); err != nil {
		return result, err
	}
	return result, nil
}

func (m *Manager) timeoutFor(manifest Manifest, req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if d := manifest.TimeoutDuration(); d > 0 {
		return d
	}
	return m.timeout
}

type outcome struct {
	result Result
	err    error
}

func (m *Manager) run(ctx context.Context, manifest Manifest, req Request, timeout time.Duration) Result {
	started := m.clock()
	logger := m.logger.With("plugin", manifest.Name, "version", manifest.Version, "run", req.RunID)

	sb := sandbox.New(m.host, manifest.Capabilities(), sandbox.Scope{
		Plugin:          manifest.Name,
		Version:         manifest.Version,
		RunID:           req.RunID,
		IssueID:         req.IssueID,
		Step:            req.Step,
		WorkflowVersion: req.WorkflowVersion,
	})
	defer func() {
		if err := sb.Close(); err != nil {
			logger.Warn("sandbox cleanup failed", "error", err)
		}
	}()

	p, err := m.load(ctx, manifest)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Duration: m.clock().Sub(started)}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := Invocation{
		Plugin:  manifest.Name,
		Version: manifest.Version,
		RunID:   req.RunID,
		IssueID: req.IssueID,
		Step:    req.Step,
		Input:   req.Input,
		Config:  manifest.Clone().Config,
		Sandbox: sb,
		Logger:  logger,
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("plugin panicked", "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("plugin panicked: %v", r)}
			}
		}()
		res, err := p.Execute(runCtx, inv)
		done <- outcome{result: res, err: err}
	}()

	var result Result
	select {
	case out := <-done:
		result = out.result
		if out.err != nil {
			result = Result{Success: false, Payload: out.result.Payload, Error: out.err.Error()}
			if errors.Is(out.err, context.DeadlineExceeded) && runCtx.Err() != nil {
				result.Timeout = true
			}
		}
	case <-runCtx.Done():
		result = Result{Success: false, Timeout: true}
		if ctx.Err() != nil && !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.Timeout = false
			result.Error = fmt.Sprintf("plugin %s cancelled: %v", manifest.Name, ctx.Err())
		}
	}
	if result.Timeout {
		result.Success = false
		result.Error = fmt.Sprintf("%v: %s after %s", ErrTimeout, manifest.Name, timeout)
		logger.Warn("plugin timed out", "timeout", timeout)
	}
	if denied := sb.Denials(); len(denied) > 0 && !result.Success {
		logger.Warn("plugin used ungranted capabilities", "capabilities", denied)
	}
	result.Duration = m.clock().Sub(started)
	return result
}

func (m *Manager) load(ctx context.Context, manifest Manifest) (Plugin, error) {
	ref := manifest.Ref()
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.loaded[ref]; ok {
		return p, nil
	}
	loader, ok := m.loaders[manifest.Runtime.Type]
	if !ok {
		return nil, fmt.Errorf("plugin: no loader for runtime %s", manifest.Runtime.Type)
	}
	p, err := loader.Load(ctx, manifest)
	if err != nil {
		return nil, err
	}
	m.loaded[ref] = p
	return p, nil
}

func (m *Manager) recordExecution(ctx context.Context, name, version string, req Request, result Result) error {
	tags := eventlog.Tags{eventlog.TagPlugin: name}
	if req.RunID != "" {
		tags[eventlog.TagRun] = req.RunID
	}
	if req.IssueID != "" {
		tags[eventlog.TagIssue] = req.IssueID
	}
	if req.Step != "" {
		tags[eventlog.TagStep] = req.Step
	}
	return m.append(ctx, eventlog.TypePluginExecuted, tags, req.WorkflowVersion, "", eventlog.PluginExecuted{
		Plugin:     name,
		Version:    version,
		RunID:      req.RunID,
		Step:       req.Step,
		Success:    result.Success,
		DurationMs: result.Duration.Milliseconds(),
		Timeout:    result.Timeout,
		Error:      result.Error,
	})
}

// installedKey makes PLUGIN.INSTALLED appear once per version in a
// persistent log, however many processes install from the same directory.
func installedKey(manifest Manifest) string {
	return "plugin.installed:" + manifest.Ref()
}

// append writes a system event with retries. It runs detached from caller
// cancellation so the audit record survives an aborted run. A non-empty key
// makes the append idempotent.
func (m *Manager) append(ctx context.Context, eventType string, tags eventlog.Tags, workflowVersion, key string, data any) error {
	ev, err := eventlog.NewEvent(eventType, tags, data)
	if err != nil {
		return err
	}
	ev.Metadata.WorkflowVersion = workflowVersion
	ctx = context.WithoutCancel(ctx)
	return m.retry.Do(ctx, func() error {
		if key != "" {
			_, _, err := m.events.AppendUnique(ctx, ev, key)
			return err
		}
		_, err := m.events.Append(ctx, ev)
		return err
	}, func(err error, wait time.Duration) {
		m.logger.Warn("event append failed, retrying", "type", eventType, "error", err, "wait", wait)
	})
}

// Close releases runtime resources held by loaders.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, l := range m.loaders {
		if c, ok := l.(interface{ Close(context.Context) error }); ok {
			errs = append(errs, c.Close(ctx))
		}
	}
	return errors.Join(errs...)
}

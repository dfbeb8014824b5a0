package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

type managerHarness struct {
	t         *testing.T
	log       *eventlog.Log
	approvals *MemoryApprovals
	native    *NativeRegistry
	manager   *Manager
}

func newManagerHarness(t *testing.T, opts ...Option) *managerHarness {
	t.Helper()
	log, err := eventlog.New(eventlog.NewMemoryStore())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	h := &managerHarness{t: t, log: log, approvals: NewMemoryApprovals(), native: NewNativeRegistry()}
	base := []Option{WithApprovals(h.approvals), WithNative(h.native), WithRetryPolicy(eventlog.RetryPolicy{MaxAttempts: 1})}
	h.manager = NewManager(log, sandbox.Host{ScratchRoot: t.TempDir()}, append(base, opts...)...)
	return h
}

func nativeManifest(name, version string, caps ...string) Manifest {
	return Manifest{
		Name:     name,
		Version:  version,
		Runtime:  Runtime{Type: RuntimeNative, Entrypoint: name},
		Requires: Requires{Capabilities: caps},
	}
}

func (h *managerHarness) install(m Manifest) Installed {
	h.t.Helper()
	entry, err := h.manager.Install(context.Background(), m)
	if err != nil {
		h.t.Fatalf("install %s: %v", m.Ref(), err)
	}
	return entry
}

func (h *managerHarness) events(eventType string) []eventlog.Event {
	h.t.Helper()
	events, err := h.log.Query(context.Background(), eventlog.Filter{Types: []string{eventType}})
	if err != nil {
		h.t.Fatalf("query: %v", err)
	}
	return events
}

func (h *managerHarness) executed() []eventlog.PluginExecuted {
	h.t.Helper()
	var out []eventlog.PluginExecuted
	for _, ev := range h.events(eventlog.TypePluginExecuted) {
		var payload eventlog.PluginExecuted
		if err := ev.Decode(&payload); err != nil {
			h.t.Fatalf("decode: %v", err)
		}
		out = append(out, payload)
	}
	return out
}

func TestInstallRequiresApprovedCapabilities(t *testing.T) {
	h := newManagerHarness(t)
	m := nativeManifest("scan", "1.0.0", "network", "events:write")
	h.approvals.Approve("scan", "^1", sandbox.CapNetwork)

	_, err := h.manager.Install(context.Background(), m)
	if !errors.Is(err, ErrCapabilityNotApproved) {
		t.Fatalf("expected ErrCapabilityNotApproved, got %v", err)
	}
	var notApproved *NotApprovedError
	if !errors.As(err, &notApproved) || len(notApproved.Missing) != 1 || notApproved.Missing[0] != sandbox.CapEventsWrite {
		t.Fatalf("unexpected missing set: %v", err)
	}
	if h.manager.Registry().Len() != 0 {
		t.Fatalf("rejected plugin must not be registered")
	}
	if got := h.events(eventlog.TypePluginInstalled); len(got) != 0 {
		t.Fatalf("rejected install appended %d events", len(got))
	}

	h.approvals.Approve("scan", "1.0.0", sandbox.CapEventsWrite)
	h.install(m)
	if got := h.events(eventlog.TypePluginInstalled); len(got) != 1 || got[0].Tags["plugin"] != "scan" {
		t.Fatalf("expected one PLUGIN.INSTALLED, got %+v", got)
	}
}

func TestInstallIsAppendOnly(t *testing.T) {
	h := newManagerHarness(t)
	h.install(nativeManifest("fmt", "1.0.0"))
	if _, err := h.manager.Install(context.Background(), nativeManifest("fmt", "1.0.0")); !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("expected ErrAlreadyInstalled, got %v", err)
	}
	h.install(nativeManifest("fmt", "2.0.0"))
	h.install(nativeManifest("fmt", "1.5.0"))

	latest, err := h.manager.Registry().Resolve("fmt", "")
	if err != nil || latest.Manifest.Version != "2.0.0" {
		t.Fatalf("expected latest 2.0.0, got %+v (%v)", latest.Manifest.Version, err)
	}
	pinned, err := h.manager.Registry().Resolve("fmt", "^1")
	if err != nil || pinned.Manifest.Version != "1.5.0" {
		t.Fatalf("expected 1.5.0 for ^1, got %+v (%v)", pinned.Manifest.Version, err)
	}
	versions := h.manager.Registry().Versions("fmt")
	if len(versions) != 3 || versions[0].Manifest.Version != "1.0.0" {
		t.Fatalf("unexpected version order: %+v", versions)
	}
	if _, err := h.manager.Registry().Resolve("fmt", ">=3"); !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("expected ErrUnknownPlugin, got %v", err)
	}
}

func TestInstallChecksDependencies(t *testing.T) {
	h := newManagerHarness(t)
	m := nativeManifest("review", "1.0.0")
	m.Requires.Dependencies = map[string]string{"lint": "^2.0.0"}
	if _, err := h.manager.Install(context.Background(), m); !errors.Is(err, ErrInvalidPlugin) {
		t.Fatalf("expected ErrInvalidPlugin for missing dependency, got %v", err)
	}
	h.install(nativeManifest("lint", "2.1.0"))
	h.install(m)
}

func TestExecuteAppendsPluginExecuted(t *testing.T) {
	h := newManagerHarness(t)
	h.native.MustRegister("echo", func(m Manifest) (Plugin, error) {
		return PluginFunc(func(_ context.Context, inv Invocation) (Result, error) {
			return Result{Success: true, Payload: map[string]any{"step": inv.Step, "input": inv.Input["value"]}}, nil
		}), nil
	})
	h.install(nativeManifest("echo", "1.0.0"))

	res, err := h.manager.Execute(context.Background(), "echo", Request{RunID: "r1", Step: "build", Input: map[string]any{"value": "x"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Payload["step"] != "build" || res.Payload["input"] != "x" {
		t.Fatalf("unexpected result: %+v", res)
	}
	executed := h.executed()
	if len(executed) != 1 || !executed[0].Success || executed[0].Plugin != "echo" || executed[0].Version != "1.0.0" {
		t.Fatalf("unexpected PLUGIN.EXECUTED: %+v", executed)
	}
	ev := h.events(eventlog.TypePluginExecuted)[0]
	if ev.Tags["run"] != "r1" || ev.Tags["step"] != "build" {
		t.Fatalf("unexpected tags: %v", ev.Tags)
	}
}

func TestExecuteTimesOutWithoutBlocking(t *testing.T) {
	h := newManagerHarness(t, WithDefaultTimeout(50*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	h.native.MustRegister("stuck", func(Manifest) (Plugin, error) {
		return PluginFunc(func(_ context.Context, _ Invocation) (Result, error) {
			<-release
			return Result{Success: true}, nil
		}), nil
	})
	h.install(nativeManifest("stuck", "1.0.0"))

	started := time.Now()
	res, err := h.manager.Execute(context.Background(), "stuck", Request{RunID: "r1"})
	if err != nil {
		t.Fatalf("timeout must not be an infrastructure error: %v", err)
	}
	if res.Success || !res.Timeout {
		t.Fatalf("expected timeout result, got %+v", res)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("execute blocked for %s", time.Since(started))
	}
	executed := h.executed()
	if len(executed) != 1 || executed[0].Success || !executed[0].Timeout {
		t.Fatalf("expected failed timeout audit event, got %+v", executed)
	}
}

func TestExecuteRecoversPanicsAndDenials(t *testing.T) {
	h := newManagerHarness(t)
	h.native.MustRegister("boom", func(Manifest) (Plugin, error) {
		return PluginFunc(func(context.Context, Invocation) (Result, error) { panic("kaboom") }), nil
	})
	h.native.MustRegister("sneaky", func(Manifest) (Plugin, error) {
		return PluginFunc(func(ctx context.Context, inv Invocation) (Result, error) {
			if _, err := inv.Sandbox.Secret(ctx, "token"); err != nil {
				return Result{}, err
			}
			return Result{Success: true}, nil
		}), nil
	})
	h.install(nativeManifest("boom", "1.0.0"))
	h.install(nativeManifest("sneaky", "1.0.0"))

	res, err := h.manager.Execute(context.Background(), "boom", Request{})
	if err != nil || res.Success {
		t.Fatalf("expected recovered failure, got %+v (%v)", res, err)
	}
	res, err = h.manager.Execute(context.Background(), "sneaky", Request{})
	if err != nil || res.Success {
		t.Fatalf("expected denial failure, got %+v (%v)", res, err)
	}
	if got := h.executed(); len(got) != 2 || got[0].Success || got[1].Success {
		t.Fatalf("expected two failed executions, got %+v", got)
	}
}

func TestExecuteUnknownPlugin(t *testing.T) {
	h := newManagerHarness(t)
	_, err := h.manager.Execute(context.Background(), "ghost", Request{RunID: "r1"})
	if !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("expected ErrUnknownPlugin, got %v", err)
	}
	if got := h.executed(); len(got) != 1 || got[0].Success {
		t.Fatalf("expected audit record for unknown plugin, got %+v", got)
	}
}

func TestExecuteReportsStorageFailure(t *testing.T) {
	store := eventlog.NewMemoryStore()
	log, err := eventlog.New(store)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	native := NewNativeRegistry()
	native.MustRegister("ok", func(Manifest) (Plugin, error) {
		return PluginFunc(func(context.Context, Invocation) (Result, error) { return Result{Success: true}, nil }), nil
	})
	manager := NewManager(log, sandbox.Host{ScratchRoot: t.TempDir()}, WithNative(native), WithRetryPolicy(eventlog.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}))
	if _, err := manager.Install(context.Background(), nativeManifest("ok", "1.0.0")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	res, err := manager.Execute(context.Background(), "ok", Request{})
	if !errors.Is(err, eventlog.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if !res.Success {
		t.Fatalf("plugin result should still be reported: %+v", res)
	}
}

func TestInstallRecordedOncePerVersionAcrossManagers(t *testing.T) {
	h := newManagerHarness(t)
	h.install(nativeManifest("fmt", "1.0.0"))

	restarted := NewManager(h.log, sandbox.Host{ScratchRoot: t.TempDir()}, WithNative(h.native), WithRetryPolicy(eventlog.RetryPolicy{MaxAttempts: 1}))
	if _, err := restarted.Install(context.Background(), nativeManifest("fmt", "1.0.0")); err != nil {
		t.Fatalf("install on restarted manager: %v", err)
	}
	if _, err := restarted.Install(context.Background(), nativeManifest("fmt", "1.1.0")); err != nil {
		t.Fatalf("install new version: %v", err)
	}
	if got := h.events(eventlog.TypePluginInstalled); len(got) != 2 {
		t.Fatalf("expected one PLUGIN.INSTALLED per version, got %d", len(got))
	}
}

// flakyStore fails appends while down is set.
type flakyStore struct {
	*eventlog.MemoryStore
	down bool
}

func (s *flakyStore) Append(ctx context.Context, ev eventlog.Event, key string) (eventlog.Event, error) {
	if s.down {
		return eventlog.Event{}, errors.New("disk gone")
	}
	return s.MemoryStore.Append(ctx, ev, key)
}

func TestInstallRegistersOnlyOnceRecorded(t *testing.T) {
	store := &flakyStore{MemoryStore: eventlog.NewMemoryStore(), down: true}
	log, err := eventlog.New(store)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	manager := NewManager(log, sandbox.Host{ScratchRoot: t.TempDir()}, WithRetryPolicy(eventlog.RetryPolicy{MaxAttempts: 1}))
	m := nativeManifest("fmt", "1.0.0")

	_, err = manager.Install(context.Background(), m)
	if !errors.Is(err, eventlog.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if n := manager.Registry().Len(); n != 0 {
		t.Fatalf("failed install left %d registered versions", n)
	}

	store.down = false
	if _, err := manager.Install(context.Background(), m); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if n := manager.Registry().Len(); n != 1 {
		t.Fatalf("expected one registered version, got %d", n)
	}
	events, err := log.Query(context.Background(), eventlog.Filter{Types: []string{eventlog.TypePluginInstalled}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one PLUGIN.INSTALLED, got %d", len(events))
	}
}

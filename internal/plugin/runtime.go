package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

// Invocation is what a plugin receives for one execution. Side effects go
// through Sandbox; nothing else is reachable.
type Invocation struct {
	Plugin  string
	Version string
	RunID   string
	IssueID string
	Step    string
	Input   map[string]any
	Config  map[string]any
	Sandbox *sandbox.Sandbox
	Logger  *slog.Logger
}

// Result is a plugin's outcome.
type Result struct {
	Success  bool           `json:"success"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
	Timeout  bool           `json:"timeout,omitempty"`
	Duration time.Duration  `json:"-"`
}

// Plugin is the single interface every runtime produces.
type Plugin interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f PluginFunc) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Loader turns a manifest into a runnable Plugin for one runtime type.
type Loader interface {
	Load(ctx context.Context, m Manifest) (Plugin, error)
}

// envelope is the JSON document out-of-process runtimes read on stdin.
type envelope struct {
	Plugin  string         `json:"plugin"`
	Version string         `json:"version"`
	RunID   string         `json:"runId,omitempty"`
	IssueID string         `json:"issueId,omitempty"`
	Step    string         `json:"step,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

func encodeEnvelope(inv Invocation) ([]byte, error) {
	return json.Marshal(envelope{
		Plugin:  inv.Plugin,
		Version: inv.Version,
		RunID:   inv.RunID,
		IssueID: inv.IssueID,
		Step:    inv.Step,
		Input:   inv.Input,
		Config:  inv.Config,
	})
}

// decodeResult parses the JSON result written by out-of-process runtimes.
func decodeResult(out []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return Result{}, fmt.Errorf("decode plugin output: %w", err)
	}
	return res, nil
}

// Factory constructs a native plugin for a manifest.
type Factory func(Manifest) (Plugin, error)

// NativeRegistry maps entrypoint names to compiled-in plugin factories.
type NativeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewNativeRegistry returns an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{factories: map[string]Factory{}}
}

// Register installs a factory. Returns an error if the entrypoint already exists.
func (r *NativeRegistry) Register(entrypoint string, factory Factory) error {
	if entrypoint == "" {
		return fmt.Errorf("plugin: native entrypoint is required")
	}
	if factory == nil {
		return fmt.Errorf("plugin: factory is required for %s", entrypoint)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[entrypoint]; exists {
		return fmt.Errorf("plugin: native entrypoint %s already registered", entrypoint)
	}
	r.factories[entrypoint] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *NativeRegistry) MustRegister(entrypoint string, factory Factory) {
	if err := r.Register(entrypoint, factory); err != nil {
		panic(err)
	}
}

// RegisterFunc registers a stateless function plugin.
func (r *NativeRegistry) RegisterFunc(entrypoint string, fn PluginFunc) error {
	return r.Register(entrypoint, func(Manifest) (Plugin, error) { return fn, nil })
}

func (r *NativeRegistry) Load(_ context.Context, m Manifest) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[m.Runtime.Entrypoint]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: unknown native entrypoint %s", m.Runtime.Entrypoint)
	}
	return factory(m)
}

// Entrypoints returns the registered names, sorted.
func (r *NativeRegistry) Entrypoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

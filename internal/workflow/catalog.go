package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kingrea/lattice-orchestrator/internal/trigger"
)

const defaultReloadDebounce = 250 * time.Millisecond

// ErrUnknownWorkflow is returned when a workflow is not in the catalog.
var ErrUnknownWorkflow = errors.New("workflow: unknown workflow")

// Catalog holds the definitions found in a directory and can reload them when
// files change. Readers always get a Clone, so a run keeps the snapshot it
// started with even if the file is edited mid-run.
type Catalog struct {
	dir      string
	exprs    *trigger.Expressions
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	defs     map[string]WorkflowDefinition
	onReload []func(names []string, err error)
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithCatalogLogger sets the logger used for reload diagnostics.
func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithExpressions compiles trigger and branch expressions on every load.
func WithExpressions(exprs *trigger.Expressions) CatalogOption {
	return func(c *Catalog) { c.exprs = exprs }
}

// WithReloadDebounce sets how long Watch waits for writes to settle.
func WithReloadDebounce(d time.Duration) CatalogOption {
	return func(c *Catalog) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// OnReload registers fn to be called after every reload attempt.
func OnReload(fn func(names []string, err error)) CatalogOption {
	return func(c *Catalog) { c.onReload = append(c.onReload, fn) }
}

// NewCatalog loads every definition in dir.
func NewCatalog(dir string, opts ...CatalogOption) (*Catalog, error) {
	if dir == "" {
		dir = DefaultWorkflowDir
	}
	c := &Catalog{
		dir:      dir,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		debounce: defaultReloadDebounce,
		defs:     map[string]WorkflowDefinition{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Reload(); err != nil {
		return c, err
	}
	return c, nil
}

// NewStaticCatalog wraps already-built definitions. Reload keeps them.
func NewStaticCatalog(defs ...WorkflowDefinition) (*Catalog, error) {
	c := &Catalog{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		defs:   make(map[string]WorkflowDefinition, len(defs)),
	}
	for _, def := range defs {
		normalized, err := def.Normalized()
		if err != nil {
			return nil, err
		}
		c.defs[normalized.Name] = normalized
	}
	return c, nil
}

// Dir reports the watched directory.
func (c *Catalog) Dir() string { return c.dir }

// Reload re-reads the directory. When any file fails to load the previous
// definitions stay available; the returned error lists the failures.
func (c *Catalog) Reload() error {
	if c.dir == "" {
		return nil
	}
	loaded, err := LoadDefinitionDir(c.dir)
	if loaded == nil {
		c.notify(nil, err)
		return err
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for name, def := range loaded {
		if c.exprs == nil {
			continue
		}
		if verr := def.ValidateExpressions(c.exprs); verr != nil {
			errs = append(errs, verr)
			delete(loaded, name)
		}
	}

	c.mu.Lock()
	next := make(map[string]WorkflowDefinition, len(loaded))
	for name, def := range loaded {
		next[name] = def
	}
	if len(errs) > 0 {
		// A broken file hides its name, so keep every previous definition
		// that did not reload. Removals only apply on a clean reload.
		for name, def := range c.defs {
			if _, ok := next[name]; !ok {
				next[name] = def
			}
		}
	}
	c.defs = next
	names := sortedNames(next)
	c.mu.Unlock()

	joined := errors.Join(errs...)
	c.notify(names, joined)
	return joined
}

func (c *Catalog) notify(names []string, err error) {
	for _, fn := range c.onReload {
		fn(names, err)
	}
}

// Get returns a snapshot of the named workflow.
func (c *Catalog) Get(name string) (WorkflowDefinition, error) {
	c.mu.RLock()
	def, ok := c.defs[name]
	c.mu.RUnlock()
	if !ok {
		return WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return def.Clone(), nil
}

// Names lists the loaded workflows, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedNames(c.defs)
}

// Put adds or replaces a definition in memory.
func (c *Catalog) Put(def WorkflowDefinition) error {
	normalized, err := def.Normalized()
	if err != nil {
		return err
	}
	if c.exprs != nil {
		if err := normalized.ValidateExpressions(c.exprs); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.defs[normalized.Name] = normalized
	c.mu.Unlock()
	return nil
}

// Watch reloads the catalog whenever a YAML file in the directory changes,
// until ctx is done. Bursts of writes are coalesced by the debounce window.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return fmt.Errorf("workflow: catalog has no directory to watch")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("workflow: create %s: %w", c.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workflow: watch %s: %w", c.dir, err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("workflow: watch %s: %w", c.dir, err)
	}
	c.logger.Info("watching workflow definitions", "dir", c.dir)

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isYAMLFile(event.Name) {
					continue
				}
				if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
					continue
				}
				c.logger.Debug("workflow definition changed", "path", event.Name, "op", event.Op.String())
				if timer == nil {
					timer = time.NewTimer(c.debounce)
				} else {
					timer.Reset(c.debounce)
				}
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Error("workflow watcher error", "error", err)
			case <-fire:
				fire = nil
				if err := c.Reload(); err != nil {
					c.logger.Warn("workflow reload failed", "error", err)
					continue
				}
				c.logger.Info("workflow definitions reloaded", "workflows", c.Names())
			}
		}
	}()
	return nil
}

func sortedNames(defs map[string]WorkflowDefinition) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

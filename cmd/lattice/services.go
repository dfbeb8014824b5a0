package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/lattice-orchestrator/internal/config"
	"github.com/kingrea/lattice-orchestrator/internal/eventbridge"
	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/eventlog/natssink"
	"github.com/kingrea/lattice-orchestrator/internal/logging"
	"github.com/kingrea/lattice-orchestrator/internal/metrics"
	"github.com/kingrea/lattice-orchestrator/internal/plugin"
	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
	"github.com/kingrea/lattice-orchestrator/internal/tracing"
	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"github.com/kingrea/lattice-orchestrator/internal/workflow"
	"github.com/kingrea/lattice-orchestrator/internal/workflow/engine"
)

// serviceOptions tunes openServices per command.
type serviceOptions struct {
	// passGates registers an always-passing gate for every step gate no
	// installed plugin provides.
	passGates bool
	// watch hot-reloads the workflow catalog when the config allows it.
	watch bool
	// console receives log output; defaults to stderr.
	console io.Writer
}

// services is everything a command needs, wired from the project config.
type services struct {
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	log       *eventlog.Log
	router    *eventbridge.Router
	bridge    eventbridge.Settings
	plugins   *plugin.Manager
	approvals *plugin.FileApprovals
	catalog   *workflow.Catalog
	engine    *engine.Engine

	closers []func(context.Context) error
}

func openServices(ctx context.Context, g *globalFlags, opts serviceOptions) (*services, error) {
	cfg, err := config.NewConfig(g.project)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Project.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Project.Logging.Format = g.logFormat
	}
	console := opts.console
	if console == nil {
		console = os.Stderr
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Project.Logging.Level,
		File:    cfg.LogFile(),
		Format:  cfg.Project.Logging.Format,
		Console: console,
	})
	if err != nil {
		return nil, err
	}
	rt := &services{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func(context.Context) error { return logger.Close() })

	if err := rt.wire(ctx, opts, console); err != nil {
		_ = rt.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return rt, nil
}

func (rt *services) wire(ctx context.Context, opts serviceOptions, console io.Writer) error {
	cfg, logger := rt.cfg, rt.logger.Logger

	shutdown, err := tracing.Setup(tracing.Options{
		Enabled:     cfg.Project.Tracing.Enabled,
		Exporter:    cfg.Project.Tracing.Exporter,
		Writer:      console,
		ServiceName: appName,
		Version:     Version,
	})
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, shutdown)

	rt.metrics, err = metrics.New()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	rt.bridge = eventbridge.SettingsFromConfig(cfg)
	rt.router = eventbridge.NewRouter(append(rt.bridge.RouterOptions(), eventbridge.RouterWithLogger(logger))...)
	rt.closers = append(rt.closers, func(context.Context) error {
		rt.router.Close()
		return nil
	})
	rt.log, err = eventlog.New(store,
		eventlog.WithSink(rt.metrics),
		eventlog.WithSink(rt.router),
		eventlog.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.log.Close() })

	if url := strings.TrimSpace(cfg.Project.NATS.URL); url != "" {
		sink, closeNATS, err := natssink.Connect(url, cfg.Project.NATS.Prefix, logger)
		if err != nil {
			return err
		}
		rt.log.AddSink(sink)
		rt.closers = append(rt.closers, func(context.Context) error {
			closeNATS()
			return nil
		})
		logger.Info("publishing events to nats", "url", url, "prefix", cfg.Project.NATS.Prefix)
	}

	rt.approvals = plugin.NewFileApprovals(cfg.ApprovalsPath())
	host := sandbox.Host{
		Events:      rt.log,
		Secrets:     sandbox.EnvSecrets{Prefix: cfg.Project.Sandbox.SecretsPrefix},
		ScratchRoot: cfg.ScratchDir(),
		Egress:      cfg.Egress(),
		Exec:        cfg.ExecLimits(),
		Logger:      logger,
	}
	rt.plugins = plugin.NewManager(rt.log, host,
		plugin.WithApprovals(rt.approvals),
		plugin.WithDefaultTimeout(cfg.PluginTimeout()),
		plugin.WithRetryPolicy(cfg.RetryPolicy()),
		plugin.WithLogger(logger),
		plugin.WithObserver(rt.metrics),
	)
	rt.closers = append(rt.closers, rt.plugins.Close)
	if _, err := rt.plugins.InstallDir(ctx, cfg.PluginsDir()); err != nil {
		if errors.Is(err, eventlog.ErrStorageUnavailable) {
			return err
		}
		logger.Warn("some plugins were not installed", "dir", cfg.PluginsDir(), "error", err)
	}

	exprs, err := trigger.NewExpressions()
	if err != nil {
		return err
	}
	rt.catalog, err = workflow.NewCatalog(cfg.WorkflowsDir(),
		workflow.WithCatalogLogger(logger),
		workflow.WithExpressions(exprs),
	)
	if err != nil {
		if rt.catalog == nil {
			return err
		}
		logger.Warn("some workflow definitions failed to load", "dir", cfg.WorkflowsDir(), "error", err)
	}
	if opts.watch && cfg.Project.Workflows.Watch {
		if err := rt.catalog.Watch(ctx); err != nil {
			logger.Warn("workflow hot reload disabled", "error", err)
		}
	}

	gates := engine.PluginGates(rt.plugins.Registry().Latest(), rt.plugins)
	if opts.passGates {
		for _, name := range rt.catalog.Names() {
			def, err := rt.catalog.Get(name)
			if err != nil {
				continue
			}
			addPassGates(gates, def)
		}
	}

	rt.engine, err = engine.New(rt.log,
		engine.WithCatalog(rt.catalog),
		engine.WithPlugins(rt.plugins),
		engine.WithGates(gates),
		engine.WithBranchPolicy(engine.BranchPolicy(cfg.Project.Workflows.BranchPolicy)),
		engine.WithRetryPolicy(cfg.RetryPolicy()),
		engine.WithStepTimeout(cfg.StepTimeout()),
		engine.WithExpressions(exprs),
		engine.WithLogger(logger),
		engine.WithObserver(rt.metrics),
	)
	return err
}

// addPassGates fills every gate def needs that is not provided yet.
func addPassGates(gates engine.Gates, def workflow.WorkflowDefinition) {
	steps := append([]workflow.Step(nil), def.Steps...)
	for _, custom := range def.CustomSteps {
		steps = append(steps, custom.Step)
	}
	for _, step := range steps {
		if step.Plugin != "" {
			continue
		}
		if _, ok := gates[step.GateName()]; !ok {
			gates[step.GateName()] = engine.Pass
		}
	}
}

// openStore opens the configured event store.
func openStore(ctx context.Context, cfg *config.Config) (eventlog.Store, error) {
	dsn := cfg.Project.EventLog.DSN
	switch cfg.Project.EventLog.Driver {
	case config.DriverMemory:
		return eventlog.NewMemoryStore(), nil
	case config.DriverPostgres:
		return eventlog.OpenSQL(ctx, eventlog.DialectPostgres, dsn)
	case config.DriverSQLite:
		if !strings.HasPrefix(dsn, "file:") && !strings.HasPrefix(dsn, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create event store dir: %w", err)
			}
		}
		return eventlog.OpenSQL(ctx, eventlog.DialectSQLite, dsn)
	default:
		return nil, fmt.Errorf("unsupported event log driver %q", cfg.Project.EventLog.Driver)
	}
}

// Close releases everything in reverse order of acquisition.
func (rt *services) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// exitCode maps run outcomes onto process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrStepFailed):
		return 3
	case errors.Is(err, engine.ErrRunCancelled):
		return 4
	case errors.Is(err, eventlog.ErrStorageUnavailable):
		return 5
	default:
		return 1
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-orchestrator/internal/eventbridge"
	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/tui"
	"github.com/kingrea/lattice-orchestrator/internal/workflow/engine"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP event bridge",
		Long: `Serve exposes the event log over HTTP until interrupted:

  POST /events          ingest an external event
  GET  /events          query events (tag=key:value, type, after, since, until, limit)
  GET  /events/stream   websocket replay followed by live events
  GET  /runs[/{id}]     run projections
  GET  /projection      the full read model
  GET  /metrics         Prometheus metrics
  GET  /health          liveness and log head`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := openServices(ctx, g, serviceOptions{watch: true})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			settings := svc.bridge
			if cmd.Flags().Changed("host") {
				settings.Host = host
			}
			if cmd.Flags().Changed("port") {
				settings.Port = port
			}
			if !settings.Enabled {
				return fmt.Errorf("event bridge is disabled (event_bridge.enabled)")
			}
			server := eventbridge.NewServer(settings, svc.log,
				eventbridge.WithRouter(svc.router),
				eventbridge.WithMetrics(svc.metrics.Handler()),
				eventbridge.WithLogger(svc.logger.Logger),
			)
			if err := server.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event bridge listening on %s\n", server.BaseURL())

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&host, "host", eventbridge.DefaultHost, "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", eventbridge.DefaultPort, "Listen port (overrides config)")
	return cmd
}

func watchCmd(g *globalFlags) *cobra.Command {
	var (
		issue     string
		passGates bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Monitor runs in a terminal UI and launch new ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			var runs sync.WaitGroup

			// The alternate screen owns the terminal; logs go to the log file only.
			svc, err := openServices(ctx, g, serviceOptions{watch: true, passGates: passGates, console: io.Discard})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			var filter eventlog.Filter
			if issue != "" {
				filter = eventlog.ByTag(eventlog.TagIssue, issue)
			}
			sub := svc.router.Subscribe(filter, false)
			defer sub.Close()

			app, err := tui.NewApp(svc.log,
				tui.WithFilter(filter),
				tui.WithLiveEvents(sub.Events),
				tui.WithWorkflows(svc.catalog.Names(), svc.cfg.DefaultWorkflow()),
				tui.WithLauncher(backgroundLauncher(ctx, &runs, svc.engine, issue)),
			)
			if err != nil {
				return err
			}
			_, err = tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			// Runs still in flight stop at their next step boundary.
			cancel()
			runs.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&issue, "issue", "", "Only show and launch runs for this issue")
	cmd.Flags().BoolVar(&passGates, "pass-gates", false, "Pass every step gate no installed plugin provides")
	return cmd
}

// backgroundLauncher starts runs on their own goroutine and returns the run
// id at once; progress reaches the monitor through the event log.
func backgroundLauncher(parent context.Context, runs *sync.WaitGroup, eng *engine.Engine, issue string) tui.Launcher {
	return func(_ context.Context, workflow string) (string, error) {
		req := engine.RunRequest{Workflow: workflow, RunID: uuid.NewString(), IssueID: issue}
		if _, err := eng.Plan(req); err != nil {
			return "", err
		}
		runs.Add(1)
		go func() {
			defer runs.Done()
			_, _ = eng.Run(parent, req)
		}()
		return req.RunID, nil
	}
}

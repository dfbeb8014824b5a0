package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-orchestrator/internal/config"
	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"github.com/kingrea/lattice-orchestrator/internal/workflow/engine"
)

func initCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .lattice directory with default config, workflow and approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.InitLatticeDir(g.project); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			cfg, err := config.NewConfig(g.project)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", cfg.LatticeProjectDir)
			return nil
		},
	}
}

// runFlags collect the condition context for a run.
type runFlags struct {
	issue     string
	mode      string
	runID     string
	labels    []string
	files     []string
	flags     []string
	fields    []string
	additions int
	deletions int
	passGates bool
}

func runCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Run a workflow to completion",
		Long: `Run plans the workflow against the given labels, files, diff size, flags
and fields, executes every step and records each transition in the event log.
The configured default workflow runs when none is named.

Exit status is 3 when a step fails and 4 when the run is interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req, err := f.request(args)
			if err != nil {
				return err
			}
			svc, err := openServices(ctx, g, serviceOptions{passGates: f.passGates})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			if req.Workflow == "" {
				req.Workflow = svc.cfg.DefaultWorkflow()
			}
			res, runErr := svc.engine.Run(ctx, req)
			if res.RunID != "" {
				printRunResult(cmd.OutOrStdout(), res)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&f.issue, "issue", "", "Issue id the run serves")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Run mode, visible to conditions")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run id (generated when empty)")
	cmd.Flags().StringArrayVar(&f.labels, "label", nil, "Issue label (repeatable)")
	cmd.Flags().StringArrayVar(&f.files, "file", nil, "Changed file path (repeatable)")
	cmd.Flags().StringArrayVar(&f.flags, "flag", nil, "Boolean flag name or name=bool (repeatable)")
	cmd.Flags().StringArrayVar(&f.fields, "field", nil, "Field key=value (repeatable)")
	cmd.Flags().IntVar(&f.additions, "additions", -1, "Lines added by the change")
	cmd.Flags().IntVar(&f.deletions, "deletions", -1, "Lines deleted by the change")
	cmd.Flags().BoolVar(&f.passGates, "pass-gates", false, "Pass every step gate no installed plugin provides")

	return cmd
}

func (f *runFlags) request(args []string) (engine.RunRequest, error) {
	req := engine.RunRequest{
		RunID:   strings.TrimSpace(f.runID),
		IssueID: strings.TrimSpace(f.issue),
		Mode:    strings.TrimSpace(f.mode),
	}
	if len(args) == 1 {
		req.Workflow = strings.TrimSpace(args[0])
	}
	c := trigger.Context{
		Labels: append([]string(nil), f.labels...),
		Files:  append([]string(nil), f.files...),
	}
	if f.additions >= 0 || f.deletions >= 0 {
		c.Diff = &trigger.DiffStats{
			Additions:    max(f.additions, 0),
			Deletions:    max(f.deletions, 0),
			FilesChanged: len(f.files),
		}
	}
	flags, err := parseFlags(f.flags)
	if err != nil {
		return engine.RunRequest{}, err
	}
	c.Flags = flags
	fields, err := parseFields(f.fields)
	if err != nil {
		return engine.RunRequest{}, err
	}
	c.Fields = fields
	req.Context = c
	return req, nil
}

// parseFlags accepts "name" (true) or "name=<bool>".
func parseFlags(values []string) (map[string]bool, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(values))
	for _, raw := range values {
		name, value, hasValue := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("flag %q has no name", raw)
		}
		if !hasValue {
			out[name] = true
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}

// parseFields reads key=value pairs. Integers, floats and booleans are
// typed; anything else stays a string.
func parseFields(values []string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q must be key=value", raw)
		}
		out[key] = fieldValue(strings.TrimSpace(value))
	}
	return out, nil
}

func fieldValue(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if x, err := strconv.ParseFloat(v, 64); err == nil {
		return x
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func printRunResult(w io.Writer, res engine.RunResult) {
	state := res.State
	fmt.Fprintf(w, "run %s  workflow %s v%s  %s\n", res.RunID, state.Workflow, state.Version, res.Status)
	if state.Branch != "" {
		fmt.Fprintf(w, "  branch %s\n", state.Branch)
	}
	for _, o := range state.Outcomes {
		mark := "ok"
		if !o.Success {
			mark = "FAILED"
		}
		line := fmt.Sprintf("  %-16s %-6s %s", o.Step, mark, o.Duration.Round(time.Millisecond))
		if o.Error != "" {
			line += "  " + o.Error
		}
		fmt.Fprintln(w, line)
	}
	if state.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", state.Error)
	}
}

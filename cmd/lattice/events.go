package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-orchestrator/internal/eventbridge"
	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/projection"
)

// filterFlags mirror the bridge's query parameters.
type filterFlags struct {
	tags  []string
	types []string
	since string
	until string
	after int64
	limit int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.tags, "tag", nil, "Tag constraint key:value (repeatable, all must match)")
	cmd.Flags().StringArrayVar(&f.types, "type", nil, "Event type (repeatable, any may match)")
	cmd.Flags().StringVar(&f.since, "since", "", "Earliest timestamp, RFC3339")
	cmd.Flags().StringVar(&f.until, "until", "", "Latest timestamp, RFC3339")
	cmd.Flags().Int64Var(&f.after, "after", 0, "Only events after this position")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Maximum number of events (0 for all)")
}

func (f *filterFlags) filter() (eventlog.Filter, error) {
	q := url.Values{"tag": f.tags, "type": f.types}
	q.Set("since", f.since)
	q.Set("until", f.until)
	if f.after > 0 {
		q.Set("after", strconv.FormatInt(f.after, 10))
	}
	if f.limit > 0 {
		q.Set("limit", strconv.Itoa(f.limit))
	}
	return eventbridge.ParseFilter(q)
}

func eventsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query and replay the event log",
	}
	cmd.AddCommand(eventsQueryCmd(g), eventsReplayCmd(g))
	return cmd
}

func eventsQueryCmd(g *globalFlags) *cobra.Command {
	f := &filterFlags{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print matching events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, err := openServices(ctx, g, serviceOptions{})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			events, err := svc.log.Query(ctx, filter)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, ev := range events {
				if err := enc.Encode(eventbridge.EventView{Event: ev, Position: ev.Position}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func eventsReplayCmd(g *globalFlags) *cobra.Command {
	f := &filterFlags{}
	var (
		fromPosition int64
		fromTime     string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Stream events from a position or time up to the current head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}
			from := eventlog.FromPosition(fromPosition)
			if fromTime != "" {
				at, err := time.Parse(time.RFC3339, fromTime)
				if err != nil {
					return fmt.Errorf("from-time: %w", err)
				}
				from = eventlog.FromTime(at)
			}
			ctx := cmd.Context()
			svc, err := openServices(ctx, g, serviceOptions{})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev, err := range svc.log.Replay(ctx, from, filter) {
				if err != nil {
					return err
				}
				if err := enc.Encode(eventbridge.EventView{Event: ev, Position: ev.Position}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().Int64Var(&fromPosition, "from-position", 0, "First position to replay (inclusive)")
	cmd.Flags().StringVar(&fromTime, "from-time", "", "Replay events at or after this RFC3339 time")
	return cmd
}

func statusCmd(g *globalFlags) *cobra.Command {
	var (
		issue   string
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show runs rebuilt from the event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openServices(ctx, g, serviceOptions{})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			var filter eventlog.Filter
			switch {
			case len(args) == 1:
				filter = eventlog.ByTag(eventlog.TagRun, args[0])
			case issue != "":
				filter = eventlog.ByTag(eventlog.TagIssue, issue)
			}
			builder, err := projection.NewBuilder(svc.log)
			if err != nil {
				return err
			}
			model, err := builder.Build(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, ok := model.Run(args[0])
				if !ok {
					return fmt.Errorf("run %s not found", args[0])
				}
				if asJSON {
					return writeJSON(out, run)
				}
				printRunView(out, run)
				return nil
			}
			if asJSON {
				return writeJSON(out, model)
			}
			printRuns(out, model.Runs)
			if verbose {
				printPlugins(out, model)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&issue, "issue", "", "Only runs for this issue")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the projection as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Include plugin statistics")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuns(w io.Writer, runs []projection.RunView) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tISSUE\tSTATUS\tSTEP\tSTARTED")
	for _, run := range runs {
		step := run.CurrentStep
		if run.FailedStep != "" {
			step = run.FailedStep
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.RunID, run.Workflow, dash(run.IssueID), run.Status, dash(step),
			run.StartedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func printRunView(w io.Writer, run projection.RunView) {
	fmt.Fprintf(w, "run %s  workflow %s v%s  %s\n", run.RunID, run.Workflow, run.Version, run.Status)
	if run.IssueID != "" {
		fmt.Fprintf(w, "  issue   %s\n", run.IssueID)
	}
	if run.Branch != "" {
		fmt.Fprintf(w, "  branch  %s\n", run.Branch)
	}
	fmt.Fprintf(w, "  planned %s\n", strings.Join(run.Planned, ", "))
	for _, step := range run.Steps {
		mark := "ok"
		if !step.Success {
			mark = "FAILED"
		}
		line := fmt.Sprintf("  %-16s %-6s %s", step.ID, mark, time.Duration(step.DurationMs)*time.Millisecond)
		if step.Error != "" {
			line += "  " + step.Error
		}
		fmt.Fprintln(w, line)
	}
	if len(run.Triggers) > 0 {
		fmt.Fprintf(w, "  triggers %s\n", strings.Join(run.Triggers, ", "))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}

func printPlugins(w io.Writer, model projection.ReadModel) {
	if len(model.Plugins) == 0 && len(model.Installed) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tINSTALLED\tEXECUTIONS\tFAILURES\tTIMEOUTS")
	for _, name := range sortedKeys(model.Installed, model.Plugins) {
		stats := model.Plugins[name]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", name, dash(model.Installed[name]), stats.Executions, stats.Failures, stats.Timeouts)
	}
	_ = tw.Flush()
}

func sortedKeys(installed map[string]string, stats map[string]projection.PluginStats) []string {
	seen := map[string]struct{}{}
	var names []string
	for name := range installed {
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for name := range stats {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func dash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

// cmd/lattice/main.go
//
// Entry point for the lattice CLI. Every subcommand opens the project's
// .lattice directory, wires the event log, plugin manager, workflow catalog
// and engine (see services.go), does its work and closes them again.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "lattice"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	project   string
	logLevel  string
	logFormat string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Event-sourced workflow orchestrator",
		Long: `Lattice runs code-change workflows as a sequence of steps and records every
transition in an append-only event log.

Steps are implemented by plugins running behind a capability sandbox.
Triggers fire plugins around steps when their conditions hold, and the
read model of every run is rebuilt from the log on demand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.project, "project", "C", ".", "Project directory containing .lattice/")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Console log format (text, json); overrides config")

	cmd.AddCommand(
		initCmd(g),
		runCmd(g),
		statusCmd(g),
		eventsCmd(g),
		watchCmd(g),
		pluginCmd(g),
		serveCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

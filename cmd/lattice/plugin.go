package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-orchestrator/internal/plugin"
)

func pluginCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Install, list and execute plugins",
	}
	cmd.AddCommand(pluginInstallCmd(g), pluginListCmd(g), pluginExecCmd(g))
	return cmd
}

func pluginInstallCmd(g *globalFlags) *cobra.Command {
	var approve bool
	cmd := &cobra.Command{
		Use:   "install <manifest.yaml|plugin-dir>",
		Short: "Validate a plugin and copy it into the plugins directory",
		Long: `Install validates the manifest, checks capability approvals and
dependencies, records PLUGIN.INSTALLED and copies the plugin into
.lattice/plugins so every later command loads it.

With --approve the requested capabilities are first approved for exactly
this version in the approvals file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			file, err := loadManifestArg(args[0])
			if err != nil {
				return err
			}
			svc, err := openServices(ctx, g, serviceOptions{})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			m := file.Manifest
			if approve {
				if err := svc.approvals.Approve(m.Name, m.Version, m.Capabilities()...); err != nil {
					return err
				}
			}
			if _, err := svc.plugins.Install(ctx, m); err != nil {
				if errors.Is(err, plugin.ErrAlreadyInstalled) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already installed\n", m.Ref())
					return nil
				}
				return err
			}
			dest, err := copyPlugin(file, svc.cfg.PluginsDir())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s into %s\n", m.Ref(), dest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "Approve the requested capabilities for this version")
	return cmd
}

// loadManifestArg accepts a manifest file or a directory holding plugin.yaml.
func loadManifestArg(path string) (plugin.ManifestFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return plugin.ManifestFile{}, err
	}
	if info.IsDir() {
		for _, name := range []string{"plugin.yaml", "plugin.yml"} {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				return plugin.LoadManifestFile(candidate)
			}
		}
		return plugin.ManifestFile{}, fmt.Errorf("no plugin.yaml in %s", path)
	}
	return plugin.LoadManifestFile(path)
}

// copyPlugin places the manifest and a relative entrypoint under
// pluginsDir/<name>-<version>/.
func copyPlugin(file plugin.ManifestFile, pluginsDir string) (string, error) {
	m := file.Manifest
	dest := filepath.Join(pluginsDir, m.Name+"-"+m.Version)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	if err := copyFile(file.Path, filepath.Join(dest, "plugin.yaml")); err != nil {
		return "", err
	}
	entry := m.Runtime.Entrypoint
	if m.Runtime.Type == plugin.RuntimeNative || entry == "" || filepath.IsAbs(entry) {
		return dest, nil
	}
	src := m.EntrypointPath()
	if _, err := os.Stat(src); err != nil {
		// Commands resolved through PATH have no file next to the manifest.
		return dest, nil
	}
	target := filepath.Join(dest, filepath.Clean(entry))
	if !strings.HasPrefix(target, dest+string(filepath.Separator)) {
		return "", fmt.Errorf("entrypoint %s escapes the plugin directory", entry)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	return dest, copyFile(src, target)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func pluginListCmd(g *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openServices(ctx, g, serviceOptions{})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			reg := svc.plugins.Registry()
			entries := reg.Latest()
			if all {
				var every []plugin.Installed
				for _, latest := range entries {
					every = append(every, reg.Versions(latest.Manifest.Name)...)
				}
				entries = every
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "no plugins installed in %s\n", svc.cfg.PluginsDir())
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tKIND\tRUNTIME\tCAPABILITIES\tPROVIDES")
			for _, entry := range entries {
				m := entry.Manifest
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.Name, m.Version, m.Kind, m.Runtime.Type,
					dash(strings.Join(m.Requires.Capabilities, ",")), dash(provides(m.Provides)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List every installed version")
	return cmd
}

func provides(p plugin.Provides) string {
	var parts []string
	add := func(kind string, names []string) {
		if len(names) > 0 {
			parts = append(parts, kind+":"+strings.Join(names, ","))
		}
	}
	add("steps", p.Steps)
	add("gates", p.Gates)
	add("workflows", p.Workflows)
	add("providers", p.Providers)
	add("hooks", p.Hooks)
	return strings.Join(parts, " ")
}

func pluginExecCmd(g *globalFlags) *cobra.Command {
	var (
		constraint string
		runID      string
		issue      string
		step       string
		input      []string
	)
	cmd := &cobra.Command{
		Use:   "exec <name>",
		Short: "Execute a plugin once in its sandbox and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fields, err := parseFields(input)
			if err != nil {
				return err
			}
			svc, err := openServices(ctx, g, serviceOptions{})
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			res, err := svc.plugins.Execute(ctx, args[0], plugin.Request{
				Constraint: constraint,
				RunID:      runID,
				IssueID:    issue,
				Step:       step,
				Input:      fields,
			})
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("plugin %s failed: %s", args[0], res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&constraint, "version", "", "Semver constraint (latest when empty)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id recorded on PLUGIN.EXECUTED")
	cmd.Flags().StringVar(&issue, "issue", "", "Issue id recorded on PLUGIN.EXECUTED")
	cmd.Flags().StringVar(&step, "step", "", "Step name passed to the plugin")
	cmd.Flags().StringArrayVar(&input, "input", nil, "Input key=value (repeatable)")
	return cmd
}

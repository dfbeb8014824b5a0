// Package config handles configuration and the .lattice directory structure.
// Every project that uses Lattice gets a .lattice/ folder created in its root.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
	"gopkg.in/yaml.v3"
)

const (
	// LatticeDir is the name of the directory we create in each project
	LatticeDir = ".lattice"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "LATTICE_"

	defaultWorkflowID    = "review"
	defaultStepTimeout   = "30m"
	defaultPluginTimeout = "2m"
	defaultExecTimeout   = "1m"
)

// Event log drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultProjectConfigYAML = `# lattice project configuration
version: 1

# Where events are stored. driver: sqlite | postgres | memory
event_log:
  driver: sqlite
  dsn: events.db

workflows:
  dir: workflows
  default: review
  step_timeout: 30m
  # first-match applies the first branch that holds; strict rejects overlaps.
  branch_policy: first-match
  watch: true

plugins:
  dir: plugins
  approvals: approvals.yaml
  timeout: 2m

sandbox:
  scratch_dir: scratch
  allow_hosts: []
  allow_cidrs: []
  requests_per_second: 10
  burst: 10
  exec_timeout: 1m
  max_output_bytes: 1048576
  allowed_commands: []
  secrets_prefix: LATTICE_SECRET_

retry:
  initial_interval: 100ms
  max_interval: 2s
  multiplier: 2
  max_attempts: 5

event_bridge:
  enabled: true
  host: 127.0.0.1
  port: 8765

# Publish every appended event to NATS when url is set.
nats:
  url: ""
  prefix: lattice.events

logging:
  level: info
  file: logs/lattice.log

tracing:
  enabled: false
  exporter: stdout
`

const defaultWorkflowYAML = `# Steps without a plugin run the gate of the same name. Gates are provided
# by installed plugins (provides.gates).
name: review
version: "1"
description: Build, test and review a change.
steps:
  - id: build
  - id: test
  - id: review
branches:
  - name: docs-only
    condition:
      files:
        patterns: ["docs/**", "**/*.md"]
        match: all
    skipSteps: [build, test]
`

const defaultApprovalsYAML = `# Capability approvals. Example:
# approvals:
#   - plugin: notify-slack
#     version: ">= 1.0.0, < 2.0.0"
#     capabilities: [network, secrets]
approvals: []
`

// EventLogConfig selects the event store.
type EventLogConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// WorkflowConfig captures workflow preferences.
type WorkflowConfig struct {
	Dir          string `yaml:"dir"`
	Default      string `yaml:"default"`
	StepTimeout  string `yaml:"step_timeout"`
	BranchPolicy string `yaml:"branch_policy"`
	Watch        bool   `yaml:"watch"`
}

// PluginConfig locates plugin manifests and capability approvals.
type PluginConfig struct {
	Dir       string `yaml:"dir"`
	Approvals string `yaml:"approvals"`
	Timeout   string `yaml:"timeout"`
}

// SandboxConfig bounds what granted capabilities may reach.
type SandboxConfig struct {
	ScratchDir        string   `yaml:"scratch_dir"`
	AllowHosts        []string `yaml:"allow_hosts"`
	AllowCIDRs        []string `yaml:"allow_cidrs"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	ExecTimeout       string   `yaml:"exec_timeout"`
	MaxOutputBytes    int      `yaml:"max_output_bytes"`
	AllowedCommands   []string `yaml:"allowed_commands"`
	SecretsPrefix     string   `yaml:"secrets_prefix"`
}

// RetryConfig mirrors eventlog.RetryPolicy with string durations.
type RetryConfig struct {
	InitialInterval string  `yaml:"initial_interval"`
	MaxInterval     string  `yaml:"max_interval"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxAttempts     int     `yaml:"max_attempts"`
}

// EventBridgeConfig toggles the HTTP bridge. Enabled is a pointer so an
// omitted key keeps the default.
type EventBridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format,omitempty"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// ProjectConfig models .lattice/config.yaml.
type ProjectConfig struct {
	Version     int               `yaml:"version"`
	EventLog    EventLogConfig    `yaml:"event_log"`
	Workflows   WorkflowConfig    `yaml:"workflows"`
	Plugins     PluginConfig      `yaml:"plugins"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Retry       RetryConfig       `yaml:"retry"`
	EventBridge EventBridgeConfig `yaml:"event_bridge"`
	NATS        NATSConfig        `yaml:"nats"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// Config holds the runtime configuration for Lattice.
type Config struct {
	// ProjectDir is the directory where the user ran `lattice` from
	ProjectDir string

	// LatticeProjectDir is ProjectDir/.lattice
	LatticeProjectDir string

	Project ProjectConfig
}

// InitLatticeDir creates the .lattice directory structure in the given
// project directory. Existing files are left untouched.
//
// Structure created:
// .lattice/
// ├── config.yaml
// ├── approvals.yaml
// ├── events.db     <- created by the sqlite store on first open
// ├── workflows/    <- workflow definitions (hot reloaded), review.yaml seeded
// ├── plugins/      <- plugin manifests
// ├── logs/
// └── scratch/      <- per-invocation plugin scratch space
func InitLatticeDir(projectDir string) error {
	latticeDir := filepath.Join(projectDir, LatticeDir)

	dirs := []string{
		filepath.Join(latticeDir, "workflows"),
		filepath.Join(latticeDir, "plugins"),
		filepath.Join(latticeDir, "logs"),
		filepath.Join(latticeDir, "scratch"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if err := ensureFile(filepath.Join(latticeDir, "config.yaml"), defaultProjectConfigYAML); err != nil {
		return err
	}
	if err := ensureFile(filepath.Join(latticeDir, "workflows", defaultWorkflowID+".yaml"), defaultWorkflowYAML); err != nil {
		return err
	}
	return ensureFile(filepath.Join(latticeDir, "approvals.yaml"), defaultApprovalsYAML)
}

// NewConfig loads .lattice/config.yaml from projectDir, applies LATTICE_*
// environment overrides and validates the result. A missing config file
// yields the defaults.
func NewConfig(projectDir string) (*Config, error) {
	return load(projectDir, os.LookupEnv)
}

func load(projectDir string, lookup func(string) (string, bool)) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir:        abs,
		LatticeProjectDir: filepath.Join(abs, LatticeDir),
		Project:           defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.Project.applyEnv(lookup); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Project.applyDefaults()
	cfg.Project.normalize(cfg.LatticeProjectDir)
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.LatticeProjectDir, "logs")
}

// WorkflowsDir returns the directory holding workflow definitions.
func (c *Config) WorkflowsDir() string {
	return c.Project.Workflows.Dir
}

// PluginsDir returns the directory holding plugin manifests.
func (c *Config) PluginsDir() string {
	return c.Project.Plugins.Dir
}

// ApprovalsPath returns the capability approvals file.
func (c *Config) ApprovalsPath() string {
	return c.Project.Plugins.Approvals
}

// ScratchDir returns the root for per-invocation scratch directories.
func (c *Config) ScratchDir() string {
	return c.Project.Sandbox.ScratchDir
}

// LogFile returns the JSON log file path, or "" when file logging is off.
func (c *Config) LogFile() string {
	return c.Project.Logging.File
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.LatticeProjectDir, "config.yaml")
}

// DefaultWorkflow returns the configured default workflow identifier.
func (c *Config) DefaultWorkflow() string {
	return c.Project.Workflows.Default
}

// SetDefaultWorkflow updates the default workflow and persists the value back
// to .lattice/config.yaml.
func (c *Config) SetDefaultWorkflow(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("config: workflow id is required")
	}
	c.Project.Workflows.Default = id
	return c.saveProjectConfig()
}

// StepTimeout is the default step body timeout.
func (c *Config) StepTimeout() time.Duration {
	return mustDuration(c.Project.Workflows.StepTimeout)
}

// PluginTimeout is the default plugin invocation timeout.
func (c *Config) PluginTimeout() time.Duration {
	return mustDuration(c.Project.Plugins.Timeout)
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() eventlog.RetryPolicy {
	r := c.Project.Retry
	return eventlog.RetryPolicy{
		InitialInterval: mustDuration(r.InitialInterval),
		MaxInterval:     mustDuration(r.MaxInterval),
		Multiplier:      r.Multiplier,
		MaxAttempts:     r.MaxAttempts,
	}.Normalized()
}

// Egress converts the sandbox network settings.
func (c *Config) Egress() sandbox.EgressPolicy {
	s := c.Project.Sandbox
	return sandbox.EgressPolicy{
		AllowHosts:        append([]string(nil), s.AllowHosts...),
		AllowCIDRs:        append([]string(nil), s.AllowCIDRs...),
		RequestsPerSecond: s.RequestsPerSecond,
		Burst:             s.Burst,
	}
}

// ExecLimits converts the sandbox exec settings.
func (c *Config) ExecLimits() sandbox.ExecLimits {
	s := c.Project.Sandbox
	return sandbox.ExecLimits{
		Timeout:         mustDuration(s.ExecTimeout),
		MaxOutputBytes:  s.MaxOutputBytes,
		AllowedCommands: append([]string(nil), s.AllowedCommands...),
	}
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	enabled := true
	return ProjectConfig{
		Version:  1,
		EventLog: EventLogConfig{Driver: DriverSQLite, DSN: "events.db"},
		Workflows: WorkflowConfig{
			Dir:          "workflows",
			Default:      defaultWorkflowID,
			StepTimeout:  defaultStepTimeout,
			BranchPolicy: "first-match",
			Watch:        true,
		},
		Plugins: PluginConfig{Dir: "plugins", Approvals: "approvals.yaml", Timeout: defaultPluginTimeout},
		Sandbox: SandboxConfig{
			ScratchDir:        "scratch",
			RequestsPerSecond: 10,
			Burst:             10,
			ExecTimeout:       defaultExecTimeout,
			MaxOutputBytes:    1 << 20,
			SecretsPrefix:     "LATTICE_SECRET_",
		},
		Retry: RetryConfig{
			InitialInterval: "100ms",
			MaxInterval:     "2s",
			Multiplier:      2,
			MaxAttempts:     5,
		},
		EventBridge: EventBridgeConfig{Enabled: &enabled},
		NATS:        NATSConfig{Prefix: "lattice.events"},
		Logging:     LoggingConfig{Level: "info", File: "logs/lattice.log"},
		Tracing:     TracingConfig{Exporter: "stdout"},
	}
}

// envBinding maps one LATTICE_* variable onto a config field.
type envBinding struct {
	key string
	set func(pc *ProjectConfig, value string) error
}

var envBindings = []envBinding{
	{"EVENT_LOG_DRIVER", func(pc *ProjectConfig, v string) error { pc.EventLog.Driver = v; return nil }},
	{"EVENT_LOG_DSN", func(pc *ProjectConfig, v string) error { pc.EventLog.DSN = v; return nil }},
	{"WORKFLOWS_DIR", func(pc *ProjectConfig, v string) error { pc.Workflows.Dir = v; return nil }},
	{"DEFAULT_WORKFLOW", func(pc *ProjectConfig, v string) error { pc.Workflows.Default = v; return nil }},
	{"STEP_TIMEOUT", func(pc *ProjectConfig, v string) error { pc.Workflows.StepTimeout = v; return nil }},
	{"BRANCH_POLICY", func(pc *ProjectConfig, v string) error { pc.Workflows.BranchPolicy = v; return nil }},
	{"PLUGINS_DIR", func(pc *ProjectConfig, v string) error { pc.Plugins.Dir = v; return nil }},
	{"APPROVALS", func(pc *ProjectConfig, v string) error { pc.Plugins.Approvals = v; return nil }},
	{"PLUGIN_TIMEOUT", func(pc *ProjectConfig, v string) error { pc.Plugins.Timeout = v; return nil }},
	{"SCRATCH_DIR", func(pc *ProjectConfig, v string) error { pc.Sandbox.ScratchDir = v; return nil }},
	{"EGRESS_ALLOW_HOSTS", func(pc *ProjectConfig, v string) error { pc.Sandbox.AllowHosts = splitList(v); return nil }},
	{"RETRY_MAX_ATTEMPTS", func(pc *ProjectConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		pc.Retry.MaxAttempts = n
		return nil
	}},
	{"NATS_URL", func(pc *ProjectConfig, v string) error { pc.NATS.URL = v; return nil }},
	{"NATS_PREFIX", func(pc *ProjectConfig, v string) error { pc.NATS.Prefix = v; return nil }},
	{"LOG_LEVEL", func(pc *ProjectConfig, v string) error { pc.Logging.Level = v; return nil }},
	{"LOG_FILE", func(pc *ProjectConfig, v string) error { pc.Logging.File = v; return nil }},
	{"LOG_FORMAT", func(pc *ProjectConfig, v string) error { pc.Logging.Format = v; return nil }},
	{"TRACING", func(pc *ProjectConfig, v string) error {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		pc.Tracing.Enabled = enabled
		return nil
	}},
}

func (pc *ProjectConfig) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	for _, b := range envBindings {
		value, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(pc, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

func (pc *ProjectConfig) applyDefaults() {
	def := defaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.EventLog.Driver) == "" {
		pc.EventLog.Driver = def.EventLog.Driver
	}
	if pc.EventLog.DSN == "" && pc.EventLog.Driver == DriverSQLite {
		pc.EventLog.DSN = def.EventLog.DSN
	}
	if pc.Workflows.StepTimeout == "" {
		pc.Workflows.StepTimeout = def.Workflows.StepTimeout
	}
	if pc.Workflows.BranchPolicy == "" {
		pc.Workflows.BranchPolicy = def.Workflows.BranchPolicy
	}
	if pc.Plugins.Timeout == "" {
		pc.Plugins.Timeout = def.Plugins.Timeout
	}
	if pc.Sandbox.ExecTimeout == "" {
		pc.Sandbox.ExecTimeout = def.Sandbox.ExecTimeout
	}
	if pc.Retry.InitialInterval == "" {
		pc.Retry.InitialInterval = def.Retry.InitialInterval
	}
	if pc.Retry.MaxInterval == "" {
		pc.Retry.MaxInterval = def.Retry.MaxInterval
	}
	if pc.NATS.Prefix == "" {
		pc.NATS.Prefix = def.NATS.Prefix
	}
	if pc.Logging.Level == "" {
		pc.Logging.Level = def.Logging.Level
	}
	if pc.Tracing.Exporter == "" {
		pc.Tracing.Exporter = def.Tracing.Exporter
	}
}

// normalize trims values and resolves relative paths against base (the
// .lattice directory).
func (pc *ProjectConfig) normalize(base string) {
	pc.EventLog.Driver = strings.ToLower(strings.TrimSpace(pc.EventLog.Driver))
	if pc.EventLog.Driver == DriverSQLite {
		pc.EventLog.DSN = resolveSQLitePath(base, pc.EventLog.DSN)
	}
	pc.Workflows.Dir = resolvePath(base, pc.Workflows.Dir)
	pc.Workflows.Default = strings.TrimSpace(pc.Workflows.Default)
	if pc.Workflows.Default == "" {
		pc.Workflows.Default = defaultWorkflowID
	}
	pc.Workflows.BranchPolicy = strings.ToLower(strings.TrimSpace(pc.Workflows.BranchPolicy))
	pc.Plugins.Dir = resolvePath(base, pc.Plugins.Dir)
	pc.Plugins.Approvals = resolvePath(base, pc.Plugins.Approvals)
	pc.Sandbox.ScratchDir = resolvePath(base, pc.Sandbox.ScratchDir)
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	pc.Logging.File = resolvePath(base, pc.Logging.File)
	pc.Tracing.Exporter = strings.ToLower(strings.TrimSpace(pc.Tracing.Exporter))
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.EventLog.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if pc.EventLog.DSN == "" {
			return fmt.Errorf("event_log.dsn is required for %s", pc.EventLog.Driver)
		}
	default:
		return fmt.Errorf("event_log.driver must be one of memory, sqlite, postgres")
	}
	switch pc.Workflows.BranchPolicy {
	case "first-match", "strict":
	default:
		return fmt.Errorf("workflows.branch_policy must be 'first-match' or 'strict'")
	}
	durations := map[string]string{
		"workflows.step_timeout": pc.Workflows.StepTimeout,
		"plugins.timeout":        pc.Plugins.Timeout,
		"sandbox.exec_timeout":   pc.Sandbox.ExecTimeout,
		"retry.initial_interval": pc.Retry.InitialInterval,
		"retry.max_interval":     pc.Retry.MaxInterval,
	}
	for field, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", field)
		}
	}
	if pc.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	for _, cidr := range pc.Sandbox.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("sandbox.allow_cidrs: %w", err)
		}
	}
	switch pc.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if pc.Tracing.Enabled && pc.Tracing.Exporter != "stdout" && pc.Tracing.Exporter != "none" {
		return fmt.Errorf("tracing.exporter must be 'stdout' or 'none'")
	}
	return nil
}

func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

// resolveSQLitePath resolves plain file DSNs; URIs and in-memory DSNs pass
// through.
func resolveSQLitePath(base, dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return dsn
	}
	return resolvePath(base, dsn)
}

func ensureFile(path, contents string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.LatticeProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure lattice dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

package plugin

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-orchestrator/internal/sandbox"
)

// Kind tags what a plugin contributes to a workflow.
type Kind string

const (
	KindStep     Kind = "step"
	KindGate     Kind = "gate"
	KindWorkflow Kind = "workflow"
	KindProvider Kind = "provider"
	KindHook     Kind = "hook"
)

// RuntimeType selects how a plugin's code is loaded and run.
type RuntimeType string

const (
	RuntimeNative  RuntimeType = "native"
	RuntimeScript  RuntimeType = "script"
	RuntimeWasm    RuntimeType = "wasm"
	RuntimeCommand RuntimeType = "command"
)

// Runtime locates the plugin's code.
type Runtime struct {
	Type        RuntimeType `json:"type" yaml:"type"`
	Entrypoint  string      `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Args        []string    `json:"args,omitempty" yaml:"args,omitempty"`
	MemoryPages uint32      `json:"memoryPages,omitempty" yaml:"memoryPages,omitempty"`
}

// Provides lists the names a plugin contributes.
type Provides struct {
	Steps     []string `json:"steps,omitempty" yaml:"steps,omitempty"`
	Gates     []string `json:"gates,omitempty" yaml:"gates,omitempty"`
	Workflows []string `json:"workflows,omitempty" yaml:"workflows,omitempty"`
	Providers []string `json:"providers,omitempty" yaml:"providers,omitempty"`
	Hooks     []string `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// Requires lists capabilities and plugin dependencies (name -> semver constraint).
type Requires struct {
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Manifest is the on-disk description of a plugin version. The capability
// set is fixed for an installed version.
type Manifest struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version" yaml:"version"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        Kind           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Runtime     Runtime        `json:"runtime" yaml:"runtime"`
	Provides    Provides       `json:"provides,omitempty" yaml:"provides,omitempty"`
	Requires    Requires       `json:"requires,omitempty" yaml:"requires,omitempty"`
	Timeout     string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Dir is the directory the manifest was loaded from. Relative entrypoints
	// resolve against it.
	Dir string `json:"-" yaml:"-"`
}

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

const manifestSchemaURL = "https://lattice.local/schemas/plugin-manifest.json"

var (
	schemaOnce     sync.Once
	manifestSchema *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, bytes.NewReader(manifestSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("plugin: load manifest schema: %w", err)
			return
		}
		manifestSchema, schemaErr = c.Compile(manifestSchemaURL)
	})
	return manifestSchema, schemaErr
}

// ParseManifestYAML validates raw YAML against the manifest schema, decodes
// it and checks versions, capabilities and runtime settings.
func ParseManifestYAML(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, &InvalidPluginError{Problems: []string{"manifest is empty"}}
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, &InvalidPluginError{Problems: []string{"decode: " + err.Error()}}
	}
	if err := validateShape(raw); err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, &InvalidPluginError{Plugin: m.Name, Problems: []string{"decode: " + err.Error()}}
	}
	m = m.Normalized()
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func validateShape(raw any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return &InvalidPluginError{Problems: []string{"manifest is not a mapping: " + err.Error()}}
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &InvalidPluginError{Problems: []string{err.Error()}}
	}
	if err := schema.Validate(doc); err != nil {
		name := ""
		if m, ok := raw.(map[string]any); ok {
			name, _ = m["name"].(string)
		}
		return &InvalidPluginError{Plugin: name, Problems: schemaProblems(err)}
	}
	return nil
}

func schemaProblems(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+v.Message)
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(verr)
	if len(out) == 0 {
		out = []string{verr.Error()}
	}
	return out
}

// Normalized trims fields and derives Kind from Provides when it is unset.
func (m Manifest) Normalized() Manifest {
	out := m.Clone()
	out.Name = strings.TrimSpace(out.Name)
	out.Version = strings.TrimSpace(out.Version)
	out.Description = strings.TrimSpace(out.Description)
	out.Timeout = strings.TrimSpace(out.Timeout)
	out.Runtime.Entrypoint = strings.TrimSpace(out.Runtime.Entrypoint)
	for i, c := range out.Requires.Capabilities {
		out.Requires.Capabilities[i] = strings.ToLower(strings.TrimSpace(c))
	}
	if out.Kind == "" {
		out.Kind = out.Provides.kind()
	}
	return out
}

func (p Provides) kind() Kind {
	switch {
	case len(p.Steps) > 0:
		return KindStep
	case len(p.Gates) > 0:
		return KindGate
	case len(p.Workflows) > 0:
		return KindWorkflow
	case len(p.Providers) > 0:
		return KindProvider
	case len(p.Hooks) > 0:
		return KindHook
	}
	return KindStep
}

// Validate checks the semantic rules the schema cannot express.
func (m Manifest) Validate() error {
	var problems []string
	if m.Name == "" {
		problems = append(problems, "name is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		problems = append(problems, fmt.Sprintf("version %q is not semver: %v", m.Version, err))
	}
	switch m.Kind {
	case KindStep, KindGate, KindWorkflow, KindProvider, KindHook:
	default:
		problems = append(problems, fmt.Sprintf("unknown kind %q", m.Kind))
	}
	switch m.Runtime.Type {
	case RuntimeNative, RuntimeScript, RuntimeWasm, RuntimeCommand:
		if m.Runtime.Entrypoint == "" {
			problems = append(problems, "runtime.entrypoint is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown runtime %q", m.Runtime.Type))
	}
	caps, capErrs := m.parseCapabilities()
	problems = append(problems, capErrs...)
	if m.Runtime.Type == RuntimeCommand && !sandbox.NewSet(caps...).Has(sandbox.CapExec) {
		problems = append(problems, "command runtime requires the exec capability")
	}
	for _, dep := range sortedKeys(m.Requires.Dependencies) {
		if dep == m.Name {
			problems = append(problems, "plugin cannot depend on itself")
			continue
		}
		if _, err := semver.NewConstraint(m.Requires.Dependencies[dep]); err != nil {
			problems = append(problems, fmt.Sprintf("dependency %s: %v", dep, err))
		}
	}
	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("timeout %q must be a positive duration", m.Timeout))
		}
	}
	if len(problems) > 0 {
		return &InvalidPluginError{Plugin: m.Name, Problems: problems}
	}
	return nil
}

func (m Manifest) parseCapabilities() ([]sandbox.Capability, []string) {
	var (
		caps     []sandbox.Capability
		problems []string
	)
	for _, raw := range m.Requires.Capabilities {
		c, err := sandbox.ParseCapability(raw)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		caps = append(caps, c)
	}
	return caps, problems
}

// Capabilities returns the requested capabilities, sorted. Unknown names are
// dropped; Validate reports them.
func (m Manifest) Capabilities() []sandbox.Capability {
	caps, _ := m.parseCapabilities()
	return sandbox.NewSet(caps...).Slice()
}

// SemVersion parses Version. It is only valid on validated manifests.
func (m Manifest) SemVersion() *semver.Version {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return semver.MustParse("0.0.0")
	}
	return v
}

// TimeoutDuration returns the manifest timeout or zero when unset.
func (m Manifest) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(m.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// EntrypointPath resolves the entrypoint against the manifest directory.
func (m Manifest) EntrypointPath() string {
	entry := m.Runtime.Entrypoint
	if entry == "" || filepath.IsAbs(entry) || m.Dir == "" {
		return entry
	}
	return filepath.Join(m.Dir, entry)
}

// Ref renders name@version.
func (m Manifest) Ref() string { return m.Name + "@" + m.Version }

// Clone deep-copies slices and maps.
func (m Manifest) Clone() Manifest {
	out := m
	out.Runtime.Args = cloneStrings(m.Runtime.Args)
	out.Provides = Provides{
		Steps:     cloneStrings(m.Provides.Steps),
		Gates:     cloneStrings(m.Provides.Gates),
		Workflows: cloneStrings(m.Provides.Workflows),
		Providers: cloneStrings(m.Provides.Providers),
		Hooks:     cloneStrings(m.Provides.Hooks),
	}
	out.Requires.Capabilities = cloneStrings(m.Requires.Capabilities)
	if m.Requires.Dependencies != nil {
		out.Requires.Dependencies = make(map[string]string, len(m.Requires.Dependencies))
		for k, v := range m.Requires.Dependencies {
			out.Requires.Dependencies[k] = v
		}
	}
	if m.Config != nil {
		out.Config = make(map[string]any, len(m.Config))
		for k, v := range m.Config {
			out.Config[k] = v
		}
	}
	return out
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

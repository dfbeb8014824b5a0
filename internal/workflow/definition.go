package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"gopkg.in/yaml.v3"
)

// StepConfig carries step-specific settings, opaque to the engine. Overrides
// are merged into it key by key.
type StepConfig map[string]any

// Clone returns a shallow copy of the config map.
func (cfg StepConfig) Clone() StepConfig {
	if len(cfg) == 0 {
		return nil
	}
	clone := make(StepConfig, len(cfg))
	for key, value := range cfg {
		clone[key] = value
	}
	return clone
}

// Merge returns cfg with every key of over applied on top.
func (cfg StepConfig) Merge(over StepConfig) StepConfig {
	if len(over) == 0 {
		return cfg.Clone()
	}
	out := make(StepConfig, len(cfg)+len(over))
	for key, value := range cfg {
		out[key] = value
	}
	for key, value := range over {
		out[key] = value
	}
	return out
}

// Overrides maps step ids to config merged over the step's own config.
type Overrides map[string]StepConfig

// Clone returns a deep copy of the overrides.
func (o Overrides) Clone() Overrides {
	if len(o) == 0 {
		return nil
	}
	out := make(Overrides, len(o))
	for step, cfg := range o {
		out[step] = cfg.Clone()
	}
	return out
}

// Merge layers over on top of o. Keys in over win per step.
func (o Overrides) Merge(over Overrides) Overrides {
	out := o.Clone()
	if out == nil {
		out = Overrides{}
	}
	for step, cfg := range over {
		out[step] = out[step].Merge(cfg)
	}
	return out
}

// Step is one unit of the pipeline. The body is either a gate (resolved by
// Gate, defaulting to the step id) or, when Plugin is set, a plugin call.
type Step struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name,omitempty" yaml:"name,omitempty"`
	Gate          string     `json:"gate,omitempty" yaml:"gate,omitempty"`
	Plugin        string     `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	PluginVersion string     `json:"pluginVersion,omitempty" yaml:"pluginVersion,omitempty"`
	Timeout       string     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Config        StepConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	s.Config = s.Config.Clone()
	return s
}

// TimeoutDuration returns the step timeout, or zero when unset or invalid.
func (s Step) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// GateName returns the gate that implements the step.
func (s Step) GateName() string {
	if s.Gate != "" {
		return s.Gate
	}
	return s.ID
}

// CustomStep is a step spliced into the base sequence next to an anchor.
type CustomStep struct {
	Step   `yaml:",inline"`
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
	After  string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Anchor returns the step id the custom step attaches to and whether it goes
// after it.
func (c CustomStep) Anchor() (string, bool) {
	if c.Before != "" {
		return c.Before, false
	}
	return c.After, true
}

// Branch is a conditional variation of the step list.
type Branch struct {
	Name      string             `json:"name" yaml:"name"`
	Condition *trigger.Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	SkipSteps []string           `json:"skipSteps,omitempty" yaml:"skipSteps,omitempty"`
	Overrides Overrides          `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// Clone returns a deep copy of the branch.
func (b Branch) Clone() Branch {
	out := Branch{Name: b.Name, SkipSteps: cloneStringSlice(b.SkipSteps), Overrides: b.Overrides.Clone()}
	if b.Condition != nil {
		cond := b.Condition.Clone()
		out.Condition = &cond
	}
	return out
}

// Branches keeps declaration order, which is evaluation order. In YAML it is
// either a sequence of branches or a mapping keyed by branch name.
type Branches []Branch

// UnmarshalYAML accepts both the sequence and the ordered mapping form.
func (b *Branches) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []Branch
		if err := node.Decode(&list); err != nil {
			return err
		}
		*b = list
		return nil
	case yaml.MappingNode:
		out := make(Branches, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var branch Branch
			if err := node.Content[i+1].Decode(&branch); err != nil {
				return fmt.Errorf("branch %s: %w", node.Content[i].Value, err)
			}
			branch.Name = node.Content[i].Value
			out = append(out, branch)
		}
		*b = out
		return nil
	}
	return fmt.Errorf("line %d: branches must be a list or a mapping", node.Line)
}

// WorkflowDefinition declares the base step sequence and everything that
// varies it at run time.
type WorkflowDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	CustomSteps []CustomStep      `json:"customSteps,omitempty" yaml:"customSteps,omitempty"`
	Triggers    []trigger.Trigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Overrides   Overrides         `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Branches    Branches          `json:"branches,omitempty" yaml:"branches,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DefaultVersion is stamped on definitions that omit a version.
const DefaultVersion = "1"

// Clone returns a deep copy of the workflow definition.
func (def WorkflowDefinition) Clone() WorkflowDefinition {
	clone := WorkflowDefinition{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Overrides:   def.Overrides.Clone(),
		Metadata:    cloneStringMap(def.Metadata),
	}
	if len(def.Steps) > 0 {
		clone.Steps = make([]Step, len(def.Steps))
		for i, step := range def.Steps {
			clone.Steps[i] = step.Clone()
		}
	}
	if len(def.CustomSteps) > 0 {
		clone.CustomSteps = make([]CustomStep, len(def.CustomSteps))
		for i, custom := range def.CustomSteps {
			custom.Step = custom.Step.Clone()
			clone.CustomSteps[i] = custom
		}
	}
	if len(def.Triggers) > 0 {
		clone.Triggers = make([]trigger.Trigger, len(def.Triggers))
		for i, t := range def.Triggers {
			clone.Triggers[i] = t.Clone()
		}
	}
	if len(def.Branches) > 0 {
		clone.Branches = make(Branches, len(def.Branches))
		for i, b := range def.Branches {
			clone.Branches[i] = b.Clone()
		}
	}
	return clone
}

// StepIDs returns every declared step id, base steps first, then custom
// steps in declaration order.
func (def WorkflowDefinition) StepIDs() []string {
	ids := make([]string, 0, len(def.Steps)+len(def.CustomSteps))
	for _, step := range def.Steps {
		ids = append(ids, step.ID)
	}
	for _, custom := range def.CustomSteps {
		ids = append(ids, custom.ID)
	}
	return ids
}

// Validate ensures the workflow definition is self-consistent.
func (def WorkflowDefinition) Validate() error {
	return def.validate(nil)
}

// ValidateExpressions is Validate plus compiling every trigger and branch
// expression with exprs.
func (def WorkflowDefinition) ValidateExpressions(exprs *trigger.Expressions) error {
	return def.validate(exprs)
}

func (def WorkflowDefinition) validate(exprs *trigger.Expressions) error {
	if def.Name == "" {
		return fmt.Errorf("workflow: name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", def.Name)
	}
	seen := map[string]struct{}{}
	for idx, step := range def.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow %s step[%d]: id is required", def.Name, idx)
		}
		if _, exists := seen[step.ID]; exists {
			return fmt.Errorf("workflow %s: duplicate step id %s", def.Name, step.ID)
		}
		if err := validTimeout(step); err != nil {
			return fmt.Errorf("workflow %s step %s: %w", def.Name, step.ID, err)
		}
		seen[step.ID] = struct{}{}
	}
	for idx, custom := range def.CustomSteps {
		if custom.ID == "" {
			return fmt.Errorf("workflow %s customSteps[%d]: id is required", def.Name, idx)
		}
		if _, exists := seen[custom.ID]; exists {
			return fmt.Errorf("workflow %s: duplicate step id %s", def.Name, custom.ID)
		}
		if (custom.Before == "") == (custom.After == "") {
			return fmt.Errorf("workflow %s custom step %s: exactly one of before or after is required", def.Name, custom.ID)
		}
		anchor, _ := custom.Anchor()
		if _, ok := seen[anchor]; !ok {
			return fmt.Errorf("workflow %s custom step %s: anchor %s references unknown step", def.Name, custom.ID, anchor)
		}
		if err := validTimeout(custom.Step); err != nil {
			return fmt.Errorf("workflow %s step %s: %w", def.Name, custom.ID, err)
		}
		seen[custom.ID] = struct{}{}
	}
	triggers := map[string]struct{}{}
	for _, t := range def.Triggers {
		if err := t.Validate(exprs); err != nil {
			return fmt.Errorf("workflow %s: %w", def.Name, err)
		}
		if _, exists := triggers[t.Name]; exists {
			return fmt.Errorf("workflow %s: duplicate trigger %s", def.Name, t.Name)
		}
		triggers[t.Name] = struct{}{}
		if t.Workflow != "" && t.Workflow != def.Name {
			continue
		}
		if _, anchor := t.Anchor(); !known(seen, anchor) {
			return fmt.Errorf("workflow %s trigger %s: anchor %s references unknown step", def.Name, t.Name, anchor)
		}
	}
	for step := range def.Overrides {
		if !known(seen, step) {
			return fmt.Errorf("workflow %s: override references unknown step %s", def.Name, step)
		}
	}
	branches := map[string]struct{}{}
	for idx, b := range def.Branches {
		if b.Name == "" {
			return fmt.Errorf("workflow %s branches[%d]: name is required", def.Name, idx)
		}
		if _, exists := branches[b.Name]; exists {
			return fmt.Errorf("workflow %s: duplicate branch %s", def.Name, b.Name)
		}
		branches[b.Name] = struct{}{}
		if b.Condition != nil {
			if err := b.Condition.Validate(); err != nil {
				return fmt.Errorf("workflow %s branch %s: %w", def.Name, b.Name, err)
			}
			if exprs != nil {
				for _, expr := range b.Condition.Expressions() {
					if err := exprs.Check(expr); err != nil {
						return fmt.Errorf("workflow %s branch %s: %w", def.Name, b.Name,
							&trigger.ConditionError{Expression: expr, Err: err})
					}
				}
			}
		}
		for _, skip := range b.SkipSteps {
			if !known(seen, skip) {
				return fmt.Errorf("workflow %s branch %s: skipSteps references unknown step %s", def.Name, b.Name, skip)
			}
		}
		for step := range b.Overrides {
			if !known(seen, step) {
				return fmt.Errorf("workflow %s branch %s: override references unknown step %s", def.Name, b.Name, step)
			}
		}
	}
	return nil
}

// Normalized clones the definition, trims identifiers, fills defaults and
// validates the result.
func (def WorkflowDefinition) Normalized() (WorkflowDefinition, error) {
	clone := def.Clone()
	clone.Name = strings.TrimSpace(clone.Name)
	clone.Version = strings.TrimSpace(clone.Version)
	if clone.Version == "" {
		clone.Version = DefaultVersion
	}
	for i := range clone.Steps {
		clone.Steps[i] = normalizeStep(clone.Steps[i])
	}
	for i := range clone.CustomSteps {
		clone.CustomSteps[i].Step = normalizeStep(clone.CustomSteps[i].Step)
		clone.CustomSteps[i].Before = strings.TrimSpace(clone.CustomSteps[i].Before)
		clone.CustomSteps[i].After = strings.TrimSpace(clone.CustomSteps[i].After)
	}
	for i := range clone.Triggers {
		clone.Triggers[i].Name = strings.TrimSpace(clone.Triggers[i].Name)
		clone.Triggers[i].Plugin = strings.TrimSpace(clone.Triggers[i].Plugin)
	}
	for i := range clone.Branches {
		clone.Branches[i].Name = strings.TrimSpace(clone.Branches[i].Name)
	}
	if err := clone.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return clone, nil
}

func normalizeStep(s Step) Step {
	s.ID = strings.TrimSpace(s.ID)
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		s.Name = s.ID
	}
	s.Gate = strings.TrimSpace(s.Gate)
	s.Plugin = strings.TrimSpace(s.Plugin)
	return s
}

func validTimeout(s Step) error {
	if s.Timeout == "" {
		return nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return fmt.Errorf("timeout: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func known(ids map[string]struct{}, id string) bool {
	_, ok := ids[id]
	return ok
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}

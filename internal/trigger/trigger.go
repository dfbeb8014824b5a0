// Package trigger decides which plugins fire around a workflow step and
// records each activation in the event log.
package trigger

import (
	"fmt"
	"strings"
)

// Slot is the side of a step a trigger is bound to.
type Slot string

const (
	SlotBefore Slot = "before"
	SlotAfter  Slot = "after"
)

// Position anchors a trigger before or after a step id. Exactly one side is set.
type Position struct {
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
	After  string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Trigger is a conditional rule that runs a plugin at a step boundary.
type Trigger struct {
	Name string `json:"name" yaml:"name"`

	// Plugin names the plugin; PluginVersion optionally constrains it.
	Plugin        string `json:"plugin" yaml:"plugin"`
	PluginVersion string `json:"pluginVersion,omitempty" yaml:"pluginVersion,omitempty"`

	// Workflow restricts the trigger to one workflow when set.
	Workflow string `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	// Step is shorthand for position.after when Position is empty.
	Step      string         `json:"step,omitempty" yaml:"step,omitempty"`
	Position  Position       `json:"position,omitempty" yaml:"position,omitempty"`
	Condition *Condition     `json:"condition,omitempty" yaml:"condition,omitempty"`
	Required  bool           `json:"required,omitempty" yaml:"required,omitempty"`
	RunOnce   bool           `json:"runOnce,omitempty" yaml:"runOnce,omitempty"`
	Input     map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// Anchor returns the slot and step id the trigger is bound to.
func (t Trigger) Anchor() (Slot, string) {
	switch {
	case t.Position.Before != "":
		return SlotBefore, t.Position.Before
	case t.Position.After != "":
		return SlotAfter, t.Position.After
	}
	return SlotAfter, t.Step
}

// AppliesTo reports whether the trigger is bound to slot of step in workflow.
func (t Trigger) AppliesTo(workflow, step string, slot Slot) bool {
	if t.Workflow != "" && t.Workflow != workflow {
		return false
	}
	s, anchor := t.Anchor()
	return s == slot && anchor == step
}

// Validate checks the trigger shape and, when exprs is non-nil, compiles its
// expressions.
func (t Trigger) Validate(exprs *Expressions) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("trigger: name is required")
	}
	if strings.TrimSpace(t.Plugin) == "" {
		return fmt.Errorf("trigger %s: plugin is required", name)
	}
	if t.Position.Before != "" && t.Position.After != "" {
		return fmt.Errorf("trigger %s: position must set before or after, not both", name)
	}
	if _, anchor := t.Anchor(); anchor == "" {
		return fmt.Errorf("trigger %s: position is required", name)
	}
	if t.Condition != nil {
		if err := t.Condition.Validate(); err != nil {
			return fmt.Errorf("trigger %s: %w", name, err)
		}
		if exprs != nil {
			for _, expr := range t.Condition.Expressions() {
				if err := exprs.Check(expr); err != nil {
					return &ConditionError{Trigger: name, Expression: expr, Err: err}
				}
			}
		}
	}
	return nil
}

// Clone deep-copies the trigger.
func (t Trigger) Clone() Trigger {
	out := t
	if t.Condition != nil {
		cond := t.Condition.Clone()
		out.Condition = &cond
	}
	if t.Input != nil {
		out.Input = make(map[string]any, len(t.Input))
		for k, v := range t.Input {
			out.Input[k] = v
		}
	}
	return out
}

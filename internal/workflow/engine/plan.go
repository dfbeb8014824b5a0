package engine

import (
	"errors"
	"fmt"

	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"github.com/kingrea/lattice-orchestrator/internal/workflow"
)

// BranchPolicy decides what happens when more than one branch condition
// holds.
type BranchPolicy string

const (
	// BranchFirstMatch applies the first-declared branch that holds.
	BranchFirstMatch BranchPolicy = "first-match"
	// BranchStrict rejects the run when two branches hold at once.
	BranchStrict BranchPolicy = "strict"
)

// ErrAmbiguousBranch is returned under BranchStrict when several branches match.
var ErrAmbiguousBranch = errors.New("engine: more than one branch matched")

// PlannedStep is a step of the effective list with its merged config.
type PlannedStep struct {
	workflow.Step
	Custom bool
}

// Plan is the effective step list for one run.
type Plan struct {
	Workflow  string
	Version   string
	Branch    string
	Steps     []PlannedStep
	Skipped   []string
	Overrides workflow.Overrides
}

// StepIDs lists the planned step ids in order.
func (p Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// BuildPlan computes the effective step list: base steps, custom steps
// spliced at their anchors in declaration order, then the first branch whose
// condition holds removes its skipSteps and layers its overrides over the
// definition's. A branch without a condition always holds. Condition errors
// abort planning.
func BuildPlan(def workflow.WorkflowDefinition, c trigger.Context, exprs *trigger.Expressions, policy BranchPolicy) (Plan, error) {
	if exprs == nil {
		var err error
		if exprs, err = trigger.NewExpressions(); err != nil {
			return Plan{}, err
		}
	}
	steps := splice(def)

	overrides := def.Overrides.Clone()
	plan := Plan{Workflow: def.Name, Version: def.Version}
	var chosen *workflow.Branch
	for i := range def.Branches {
		b := def.Branches[i]
		ok, err := exprs.Evaluate(b.Condition, c)
		if err != nil {
			return Plan{}, fmt.Errorf("engine: branch %s: %w", b.Name, err)
		}
		if !ok {
			continue
		}
		if chosen == nil {
			chosen = &b
			if policy != BranchStrict {
				break
			}
			continue
		}
		return Plan{}, fmt.Errorf("%w: %s and %s", ErrAmbiguousBranch, chosen.Name, b.Name)
	}
	if chosen != nil {
		plan.Branch = chosen.Name
		skip := make(map[string]struct{}, len(chosen.SkipSteps))
		for _, id := range chosen.SkipSteps {
			skip[id] = struct{}{}
		}
		kept := steps[:0]
		for _, s := range steps {
			if _, drop := skip[s.ID]; drop {
				plan.Skipped = append(plan.Skipped, s.ID)
				continue
			}
			kept = append(kept, s)
		}
		steps = kept
		overrides = overrides.Merge(chosen.Overrides)
	}
	for i := range steps {
		steps[i].Config = steps[i].Config.Merge(overrides[steps[i].ID])
	}
	plan.Steps = steps
	plan.Overrides = overrides
	return plan, nil
}

// splice inserts custom steps next to their anchors. Several custom steps on
// the same side of one anchor keep declaration order.
func splice(def workflow.WorkflowDefinition) []PlannedStep {
	steps := make([]PlannedStep, 0, len(def.Steps)+len(def.CustomSteps))
	for _, s := range def.Steps {
		steps = append(steps, PlannedStep{Step: s.Clone()})
	}
	// lastAfter tracks the most recent custom step placed after an anchor so
	// the next one for the same anchor lands behind it.
	lastAfter := map[string]string{}
	for _, custom := range def.CustomSteps {
		anchor, after := custom.Anchor()
		idx := indexOf(steps, anchor)
		if idx < 0 {
			continue
		}
		insertAt := idx
		if after {
			target := anchor
			if prev, ok := lastAfter[anchor]; ok {
				target = prev
			}
			insertAt = indexOf(steps, target) + 1
			lastAfter[anchor] = custom.ID
		}
		entry := PlannedStep{Step: custom.Step.Clone(), Custom: true}
		steps = append(steps, PlannedStep{})
		copy(steps[insertAt+1:], steps[insertAt:])
		steps[insertAt] = entry
	}
	return steps
}

func indexOf(steps []PlannedStep, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

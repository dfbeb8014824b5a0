package engine

import (
	"context"
	"sort"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/plugin"
	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"github.com/kingrea/lattice-orchestrator/internal/workflow"
)

// GateRequest is what a step body receives.
type GateRequest struct {
	RunID    string
	IssueID  string
	Workflow string
	Version  string
	Step     workflow.Step
	Config   workflow.StepConfig
	Context  trigger.Context
}

// GateResult is the pass/fail outcome of a step body.
type GateResult struct {
	Success bool
	Payload map[string]any
	Error   string
}

// Gate implements a step body, typically a call to an external build, test
// or review service. The engine only invokes it and awaits the result; an
// error is treated as a failed step.
//
// Implementations must return once ctx is done. ctx expires with the step
// timeout; the engine records the step as timed out and moves on, and a gate
// that ignores ctx keeps its goroutine and any external work alive.
type Gate interface {
	Run(ctx context.Context, req GateRequest) (GateResult, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, req GateRequest) (GateResult, error)

func (f GateFunc) Run(ctx context.Context, req GateRequest) (GateResult, error) {
	return f(ctx, req)
}

// Gates resolves gates by name.
type Gates map[string]Gate

// Pass is a gate that always succeeds.
var Pass Gate = GateFunc(func(context.Context, GateRequest) (GateResult, error) {
	return GateResult{Success: true}, nil
})

// PluginGates maps every gate name listed under provides.gates by an
// installed plugin to a gate that executes that plugin. When two plugins
// provide the same gate, the later install wins.
func PluginGates(installed []plugin.Installed, runner PluginRunner) Gates {
	entries := append([]plugin.Installed(nil), installed...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	gates := Gates{}
	for _, entry := range entries {
		for _, name := range entry.Manifest.Provides.Gates {
			gates[name] = pluginGate(runner, entry.Manifest.Name)
		}
	}
	return gates
}

func pluginGate(runner PluginRunner, name string) Gate {
	return GateFunc(func(ctx context.Context, req GateRequest) (GateResult, error) {
		pr := plugin.Request{
			RunID:           req.RunID,
			IssueID:         req.IssueID,
			Step:            req.Step.ID,
			WorkflowVersion: req.Version,
			Input:           req.Config,
		}
		if deadline, ok := ctx.Deadline(); ok {
			pr.Timeout = time.Until(deadline)
		}
		res, err := runner.Execute(ctx, name, pr)
		if err != nil {
			return GateResult{}, err
		}
		return GateResult{Success: res.Success, Payload: res.Payload, Error: res.Error}, nil
	})
}

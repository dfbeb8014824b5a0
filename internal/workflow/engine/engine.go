package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/plugin"
	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"github.com/kingrea/lattice-orchestrator/internal/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultStepTimeout bounds a step body when neither the step nor the engine
// sets one.
const DefaultStepTimeout = 30 * time.Minute

const cancelledReason = "run cancelled"

// PluginRunner executes plugins by name. *plugin.Manager satisfies it.
type PluginRunner interface {
	Execute(ctx context.Context, name string, req plugin.Request) (plugin.Result, error)
}

// Observer receives run and step outcomes, typically for metrics. An
// Observer that also implements trigger.Observer receives trigger outcomes.
type Observer interface {
	RunStarted(workflow string)
	RunFinished(workflow string, status RunStatus, d time.Duration)
	StepFinished(workflow, step string, success bool, d time.Duration)
	AppendRetried(eventType string)
}

// Engine runs workflows. It holds no per-run state, so one engine serves any
// number of concurrent runs.
type Engine struct {
	log         eventlog.ReadWriter
	catalog     *workflow.Catalog
	plugins     PluginRunner
	triggers    *trigger.Evaluator
	exprs       *trigger.Expressions
	gates       Gates
	policy      BranchPolicy
	retry       eventlog.RetryPolicy
	stepTimeout time.Duration
	logger      *slog.Logger
	observer    Observer
	tracer      trace.Tracer
	clock       func() time.Time
	newRunID    func() string
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithCatalog resolves RunRequest.Workflow names.
func WithCatalog(c *workflow.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithPlugins sets the runner used for trigger plugins and plugin steps.
func WithPlugins(p PluginRunner) Option {
	return func(e *Engine) { e.plugins = p }
}

// WithGates registers step bodies by name.
func WithGates(gates Gates) Option {
	return func(e *Engine) {
		for name, g := range gates {
			e.gates[name] = g
		}
	}
}

// WithGate registers a single gate.
func WithGate(name string, g Gate) Option {
	return func(e *Engine) { e.gates[name] = g }
}

// WithBranchPolicy selects how simultaneous branch matches are resolved.
func WithBranchPolicy(p BranchPolicy) Option {
	return func(e *Engine) {
		if p != "" {
			e.policy = p
		}
	}
}

// WithRetryPolicy sets the append retry policy.
func WithRetryPolicy(p eventlog.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p.Normalized() }
}

// WithStepTimeout sets the default step body timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithExpressions shares an expression engine with other components.
func WithExpressions(exprs *trigger.Expressions) Option {
	return func(e *Engine) { e.exprs = exprs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithRunIDs replaces the UUID run id generator.
func WithRunIDs(next func() string) Option {
	return func(e *Engine) {
		if next != nil {
			e.newRunID = next
		}
	}
}

// New wires a workflow engine to the event log.
func New(log eventlog.ReadWriter, opts ...Option) (*Engine, error) {
	if log == nil {
		return nil, fmt.Errorf("workflow engine: event log is required")
	}
	e := &Engine{
		log:         log,
		gates:       Gates{},
		policy:      BranchFirstMatch,
		retry:       eventlog.DefaultRetryPolicy(),
		stepTimeout: DefaultStepTimeout,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:      otel.Tracer("lattice/engine"),
		clock:       time.Now,
		newRunID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exprs == nil {
		exprs, err := trigger.NewExpressions()
		if err != nil {
			return nil, err
		}
		e.exprs = exprs
	}
	triggerOpts := []trigger.Option{
		trigger.WithExpressions(e.exprs),
		trigger.WithRetryPolicy(e.retry),
		trigger.WithLogger(e.logger),
	}
	if o, ok := e.observer.(trigger.Observer); ok {
		triggerOpts = append(triggerOpts, trigger.WithObserver(o))
	}
	evaluator, err := trigger.NewEvaluator(log, triggerOpts...)
	if err != nil {
		return nil, err
	}
	e.triggers = evaluator
	return e, nil
}

// RunRequest starts a run. Definition wins over Workflow when both are set.
type RunRequest struct {
	Workflow   string
	Definition *workflow.WorkflowDefinition
	// RunID is generated when empty.
	RunID   string
	IssueID string
	Mode    string
	// Context supplies labels, files, diff stats, flags and fields for
	// trigger and branch conditions. Run identifiers are filled in.
	Context trigger.Context
}

// RunResult is the final state of a run.
type RunResult struct {
	RunID  string
	Status RunStatus
	State  RunState
	Plan   Plan
}

// Plan resolves the definition for req and returns its effective step list
// without running anything.
func (e *Engine) Plan(req RunRequest) (Plan, error) {
	def, err := e.definition(req)
	if err != nil {
		return Plan{}, err
	}
	return BuildPlan(def, e.conditionContext(req, def, req.RunID), e.exprs, e.policy)
}

func (e *Engine) definition(req RunRequest) (workflow.WorkflowDefinition, error) {
	if req.Definition != nil {
		def, err := req.Definition.Normalized()
		if err != nil {
			return workflow.WorkflowDefinition{}, err
		}
		if err := def.ValidateExpressions(e.exprs); err != nil {
			return workflow.WorkflowDefinition{}, err
		}
		return def, nil
	}
	if req.Workflow == "" {
		return workflow.WorkflowDefinition{}, fmt.Errorf("workflow engine: workflow name or definition is required")
	}
	if e.catalog == nil {
		return workflow.WorkflowDefinition{}, fmt.Errorf("%w: %s (no catalog configured)", workflow.ErrUnknownWorkflow, req.Workflow)
	}
	return e.catalog.Get(req.Workflow)
}

func (e *Engine) conditionContext(req RunRequest, def workflow.WorkflowDefinition, runID string) trigger.Context {
	c := req.Context
	c.RunID = runID
	c.IssueID = req.IssueID
	c.Workflow = def.Name
	c.Mode = req.Mode
	return c
}

// Run executes one workflow run to completion. The returned error is nil only
// when the run COMPLETED; a failed run yields a *RunError wrapping
// ErrStepFailed, ErrRunCancelled or eventlog.ErrStorageUnavailable. Errors
// raised before WORKFLOW.STARTED (unknown workflow, invalid definition,
// branch condition errors) are returned without appending anything.
func (e *Engine) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	def, err := e.definition(req)
	if err != nil {
		return RunResult{}, err
	}
	runID := req.RunID
	if runID == "" {
		runID = e.newRunID()
	}
	c := e.conditionContext(req, def, runID)
	plan, err := BuildPlan(def, c, e.exprs, e.policy)
	if err != nil {
		return RunResult{RunID: runID, Status: RunPending}, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("lattice.run", runID),
		attribute.String("lattice.workflow", def.Name),
		attribute.String("lattice.branch", plan.Branch),
	))
	defer span.End()

	r := &run{
		engine: e,
		def:    def,
		plan:   plan,
		cond:   c,
		state:  NewRunState(runID, req.IssueID, plan),
		logger: e.logger.With("run", runID, "workflow", def.Name),
	}
	result, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("lattice.status", string(result.Status)))
	return result, err
}

// run carries the state of one execution. Only its goroutine touches it.
type run struct {
	engine *Engine
	def    workflow.WorkflowDefinition
	plan   Plan
	cond   trigger.Context
	state  RunState
	logger *slog.Logger
}

func (r *run) execute(ctx context.Context) (RunResult, error) {
	e := r.engine
	// Work inside a step is never interrupted by run cancellation; only the
	// boundaries below observe ctx.
	work := context.WithoutCancel(ctx)
	started := e.clock()
	if e.observer != nil {
		e.observer.RunStarted(r.def.Name)
	}

	err := r.append(work, eventlog.TypeWorkflowStarted, "", eventlog.WorkflowStarted{
		RunID:    r.state.RunID,
		IssueID:  r.state.IssueID,
		Workflow: r.def.Name,
		Version:  r.def.Version,
		Mode:     r.cond.Mode,
		Branch:   r.plan.Branch,
		Steps:    r.state.Steps,
	})
	if err != nil {
		r.state = r.state.Fail(Failure{Reason: err.Error()}, e.clock())
		return r.finish(started, &RunError{RunID: r.state.RunID, Err: err})
	}
	r.state = r.state.Start(started)
	r.logger.Info("run started", "steps", r.state.Steps, "branch", r.plan.Branch)

	for r.state.Cursor < len(r.plan.Steps) {
		step := r.plan.Steps[r.state.Cursor]
		if ctx.Err() != nil {
			return r.cancel(work, started, step.ID)
		}
		outcome, failedTrigger, err := r.runStep(work, step)
		if err != nil {
			return r.abort(work, started, step.ID, err)
		}
		if !outcome.Success {
			return r.fail(work, started, outcome, failedTrigger)
		}
		r.state = r.state.Advance(outcome)
	}

	if err := r.append(work, eventlog.TypeWorkflowCompleted, "", eventlog.WorkflowFinished{RunID: r.state.RunID}); err != nil {
		return r.abort(work, started, "", err)
	}
	r.state = r.state.Complete(e.clock())
	r.logger.Info("run completed", "duration", r.state.FinishedAt.Sub(started))
	return r.finish(started, nil)
}

func (r *run) finish(started time.Time, err error) (RunResult, error) {
	if o := r.engine.observer; o != nil {
		o.RunFinished(r.def.Name, r.state.Status, r.engine.clock().Sub(started))
	}
	return RunResult{RunID: r.state.RunID, Status: r.state.Status, State: r.state, Plan: r.plan}, err
}

func (r *run) fail(ctx context.Context, started time.Time, outcome StepOutcome, failedTrigger string) (RunResult, error) {
	err := r.append(ctx, eventlog.TypeWorkflowFailed, "", eventlog.WorkflowFinished{
		RunID:   r.state.RunID,
		Step:    outcome.Step,
		Trigger: failedTrigger,
		Error:   outcome.Error,
	})
	if err != nil {
		return r.abort(ctx, started, outcome.Step, err)
	}
	r.state = r.state.Fail(Failure{
		Step:    outcome.Step,
		Trigger: failedTrigger,
		Reason:  outcome.Error,
		Outcome: &outcome,
	}, r.engine.clock())
	r.logger.Warn("run failed", "step", outcome.Step, "trigger", failedTrigger, "error", outcome.Error)
	return r.finish(started, &RunError{
		RunID:   r.state.RunID,
		Step:    outcome.Step,
		Trigger: failedTrigger,
		Err:     fmt.Errorf("%w: %s", ErrStepFailed, outcome.Error),
	})
}

func (r *run) cancel(ctx context.Context, started time.Time, next string) (RunResult, error) {
	err := r.append(ctx, eventlog.TypeWorkflowFailed, "", eventlog.WorkflowFinished{
		RunID:     r.state.RunID,
		Step:      next,
		Error:     cancelledReason,
		Cancelled: true,
	})
	if err != nil {
		return r.abort(ctx, started, next, err)
	}
	r.state = r.state.Fail(Failure{Step: next, Reason: cancelledReason, Cancelled: true}, r.engine.clock())
	r.logger.Info("run cancelled", "next_step", next)
	return r.finish(started, &RunError{RunID: r.state.RunID, Step: next, Err: ErrRunCancelled})
}

// abort ends a run whose appends are failing. It makes one last attempt to
// record the terminal event without retries.
func (r *run) abort(ctx context.Context, started time.Time, step string, cause error) (RunResult, error) {
	ev, err := r.event(eventlog.TypeWorkflowFailed, "", eventlog.WorkflowFinished{
		RunID: r.state.RunID,
		Step:  step,
		Error: cause.Error(),
	})
	if err == nil {
		if _, appendErr := r.engine.log.Append(ctx, ev); appendErr != nil {
			r.logger.Error("terminal event lost", "error", appendErr)
		}
	}
	r.state = r.state.Fail(Failure{Step: step, Reason: cause.Error()}, r.engine.clock())
	r.logger.Error("run aborted", "step", step, "error", cause)
	return r.finish(started, &RunError{RunID: r.state.RunID, Step: step, Err: cause})
}

// runStep runs before triggers, the body and after triggers, then appends
// STEP_COMPLETED. A non-nil error means the log is unavailable.
func (r *run) runStep(ctx context.Context, step PlannedStep) (StepOutcome, string, error) {
	e := r.engine
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("lattice.step", step.ID),
		attribute.Bool("lattice.step.custom", step.Custom),
	))
	defer span.End()

	started := e.clock()
	c := r.cond.WithStep(step.ID)
	c.Previous = r.state.Previous()

	outcome := StepOutcome{Step: step.ID}
	failedTrigger, reason, err := r.runTriggers(ctx, step, trigger.SlotBefore, c)
	if err != nil {
		return StepOutcome{}, "", err
	}
	if failedTrigger == "" {
		outcome, err = r.runBody(ctx, step, c)
		if err != nil {
			return StepOutcome{}, "", err
		}
		if outcome.Success {
			failedTrigger, reason, err = r.runTriggers(ctx, step, trigger.SlotAfter, c.WithPrevious(step.ID, true))
			if err != nil {
				return StepOutcome{}, "", err
			}
		}
	}
	if failedTrigger != "" {
		outcome.Success = false
		outcome.Error = reason
	}
	outcome.Step = step.ID
	outcome.Duration = e.clock().Sub(started)

	err = r.append(ctx, eventlog.TypeStepCompleted, step.ID, eventlog.StepCompleted{
		RunID:      r.state.RunID,
		Step:       step.ID,
		Success:    outcome.Success,
		Error:      outcome.Error,
		Timeout:    outcome.Timeout,
		DurationMs: outcome.Duration.Milliseconds(),
		Payload:    outcome.Payload,
	})
	if err != nil {
		return StepOutcome{}, "", err
	}
	if !outcome.Success {
		span.SetStatus(codes.Error, outcome.Error)
	}
	if e.observer != nil {
		e.observer.StepFinished(r.def.Name, step.ID, outcome.Success, outcome.Duration)
	}
	r.logger.Debug("step completed", "step", step.ID, "success", outcome.Success, "duration", outcome.Duration)
	return outcome, failedTrigger, nil
}

// runTriggers evaluates and fires the triggers bound to slot of step. It
// returns the name of the first failing required trigger with its reason;
// optional failures are recorded and skipped.
func (r *run) runTriggers(ctx context.Context, step PlannedStep, slot trigger.Slot, c trigger.Context) (string, string, error) {
	e := r.engine
	matches, err := e.triggers.EvaluateTriggers(ctx, r.def.Triggers, step.ID, slot, c)
	if err != nil {
		return "", "", err
	}
	for _, m := range matches {
		if m.Err != nil {
			if err := e.triggers.RecordFailure(ctx, m, c, m.Err); err != nil {
				return "", "", err
			}
			if m.Trigger.Required {
				return m.Trigger.Name, m.Err.Error(), nil
			}
			r.logger.Warn("optional trigger condition failed", "trigger", m.Trigger.Name, "error", m.Err)
			continue
		}
		fired, err := e.triggers.Activate(ctx, m, c)
		if err != nil {
			return "", "", err
		}
		if !fired {
			continue
		}
		cause, err := r.firePlugin(ctx, m, step)
		if err != nil {
			return "", "", err
		}
		if cause == "" {
			continue
		}
		if err := e.triggers.RecordFailure(ctx, m, c, errors.New(cause)); err != nil {
			return "", "", err
		}
		if m.Trigger.Required {
			return m.Trigger.Name, fmt.Sprintf("trigger %s: %s", m.Trigger.Name, cause), nil
		}
		r.logger.Warn("optional trigger failed", "trigger", m.Trigger.Name, "error", cause)
	}
	return "", "", nil
}

// firePlugin runs a trigger's plugin and returns a failure reason, or "" on
// success. Only storage failures are returned as errors.
func (r *run) firePlugin(ctx context.Context, m trigger.Match, step PlannedStep) (string, error) {
	if r.engine.plugins == nil {
		return "no plugin runner configured", nil
	}
	res, err := r.engine.plugins.Execute(ctx, m.Trigger.Plugin, plugin.Request{
		Constraint:      m.Trigger.PluginVersion,
		RunID:           r.state.RunID,
		IssueID:         r.state.IssueID,
		Step:            step.ID,
		WorkflowVersion: r.def.Version,
		Input:           m.Trigger.Input,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrStorageUnavailable) {
			return "", err
		}
		return err.Error(), nil
	}
	if !res.Success {
		if res.Error == "" {
			return "plugin reported failure", nil
		}
		return res.Error, nil
	}
	return "", nil
}

// runBody executes the step's gate or plugin under the step timeout.
func (r *run) runBody(ctx context.Context, step PlannedStep, c trigger.Context) (StepOutcome, error) {
	e := r.engine
	timeout := step.TimeoutDuration()
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	if step.Plugin != "" {
		return r.runPluginStep(ctx, step, timeout)
	}

	gate, ok := e.gates[step.GateName()]
	if !ok || gate == nil {
		return StepOutcome{Step: step.ID, Error: fmt.Sprintf("%v: %s", ErrUnknownGate, step.GateName())}, nil
	}
	req := GateRequest{
		RunID:    r.state.RunID,
		IssueID:  r.state.IssueID,
		Workflow: r.def.Name,
		Version:  r.def.Version,
		Step:     step.Step.Clone(),
		Config:   step.Config.Clone(),
		Context:  c,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type gateOutcome struct {
		res GateResult
		err error
	}
	done := make(chan gateOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- gateOutcome{err: fmt.Errorf("gate %s panicked: %v", step.GateName(), rec)}
			}
		}()
		res, err := gate.Run(runCtx, req)
		done <- gateOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return StepOutcome{
					Step:    step.ID,
					Timeout: true,
					Error:   fmt.Sprintf("step %s timed out after %s", step.ID, timeout),
				}, nil
			}
			return StepOutcome{Step: step.ID, Error: out.err.Error()}, nil
		}
		outcome := StepOutcome{Step: step.ID, Success: out.res.Success, Error: out.res.Error, Payload: out.res.Payload}
		if !outcome.Success && outcome.Error == "" {
			outcome.Error = "gate " + step.GateName() + " failed"
		}
		return outcome, nil
	case <-runCtx.Done():
		return StepOutcome{
			Step:    step.ID,
			Timeout: true,
			Error:   fmt.Sprintf("step %s timed out after %s", step.ID, timeout),
		}, nil
	}
}

func (r *run) runPluginStep(ctx context.Context, step PlannedStep, timeout time.Duration) (StepOutcome, error) {
	if r.engine.plugins == nil {
		return StepOutcome{Step: step.ID, Error: "no plugin runner configured"}, nil
	}
	res, err := r.engine.plugins.Execute(ctx, step.Plugin, plugin.Request{
		Constraint:      step.PluginVersion,
		RunID:           r.state.RunID,
		IssueID:         r.state.IssueID,
		Step:            step.ID,
		WorkflowVersion: r.def.Version,
		Input:           step.Config,
		Timeout:         timeout,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrStorageUnavailable) {
			return StepOutcome{}, err
		}
		return StepOutcome{Step: step.ID, Error: err.Error()}, nil
	}
	outcome := StepOutcome{Step: step.ID, Success: res.Success, Error: res.Error, Timeout: res.Timeout, Payload: res.Payload}
	if !outcome.Success && outcome.Error == "" {
		outcome.Error = "plugin " + step.Plugin + " failed"
	}
	return outcome, nil
}

func (r *run) event(eventType, step string, data any) (eventlog.Event, error) {
	tags := eventlog.Tags{
		eventlog.TagRun:      r.state.RunID,
		eventlog.TagWorkflow: r.def.Name,
	}
	if r.state.IssueID != "" {
		tags[eventlog.TagIssue] = r.state.IssueID
	}
	if step != "" {
		tags[eventlog.TagStep] = step
	}
	ev, err := eventlog.NewEvent(eventType, tags, data)
	if err != nil {
		return eventlog.Event{}, err
	}
	ev.Metadata.WorkflowVersion = r.def.Version
	return ev, nil
}

// append writes one engine event, retrying transient storage failures.
func (r *run) append(ctx context.Context, eventType, step string, data any) error {
	ev, err := r.event(eventType, step, data)
	if err != nil {
		return err
	}
	e := r.engine
	return e.retry.Do(ctx, func() error {
		_, err := e.log.Append(ctx, ev)
		return err
	}, func(err error, wait time.Duration) {
		r.logger.Warn("event append failed, retrying", "type", eventType, "error", err, "wait", wait)
		if e.observer != nil {
			e.observer.AppendRetried(eventType)
		}
	})
}

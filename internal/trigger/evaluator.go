package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

// Match is a trigger that passed the position, workflow and run-once
// filters. Err is a *ConditionError when the condition could not be
// evaluated; otherwise the condition held and the trigger should activate.
type Match struct {
	Trigger Trigger
	Slot    Slot
	Step    string
	Err     error
}

// Observer receives activation outcomes, typically for metrics.
type Observer interface {
	TriggerActivated(trigger string, slot Slot)
	TriggerFailed(trigger string, required bool)
}

// Evaluator filters triggers for a step boundary and records activations.
// Run-once state lives only in the event log so it survives restarts.
type Evaluator struct {
	log      eventlog.ReadWriter
	exprs    *Expressions
	retry    eventlog.RetryPolicy
	logger   *slog.Logger
	observer Observer
}

// Option configures an Evaluator.
type Option func(*Evaluator)

func WithExpressions(exprs *Expressions) Option {
	return func(e *Evaluator) {
		if exprs != nil {
			e.exprs = exprs
		}
	}
}

func WithRetryPolicy(p eventlog.RetryPolicy) Option {
	return func(e *Evaluator) { e.retry = p.Normalized() }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Evaluator) { e.observer = o }
}

// NewEvaluator builds an evaluator over log.
func NewEvaluator(log eventlog.ReadWriter, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		log:    log,
		retry:  eventlog.DefaultRetryPolicy(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exprs == nil {
		exprs, err := NewExpressions()
		if err != nil {
			return nil, err
		}
		e.exprs = exprs
	}
	return e, nil
}

// Expressions exposes the engine, for validating definitions up front.
func (e *Evaluator) Expressions() *Expressions { return e.exprs }

// Evaluate evaluates cond with this evaluator's expression engine.
func (e *Evaluator) Evaluate(cond *Condition, c Context) (bool, error) {
	return e.exprs.Evaluate(cond, c)
}

// EvaluateTriggers returns the triggers that apply at slot of step, in
// declaration order. Triggers whose condition is false are omitted; those
// whose condition failed are returned with Err set. The only error returned
// directly is a failed run-once lookup.
func (e *Evaluator) EvaluateTriggers(ctx context.Context, triggers []Trigger, step string, slot Slot, c Context) ([]Match, error) {
	c = c.WithStep(step)
	var matches []Match
	for _, t := range triggers {
		if !t.AppliesTo(c.Workflow, step, slot) {
			continue
		}
		if t.RunOnce {
			fired, err := e.alreadyActivated(ctx, c.RunID, t.Name)
			if err != nil {
				return nil, err
			}
			if fired {
				e.logger.Debug("run-once trigger already fired", "trigger", t.Name, "run", c.RunID)
				continue
			}
		}
		ok, err := e.exprs.Evaluate(t.Condition, c)
		if err != nil {
			var condErr *ConditionError
			if errors.As(err, &condErr) {
				condErr.Trigger = t.Name
			}
			matches = append(matches, Match{Trigger: t, Slot: slot, Step: step, Err: err})
			continue
		}
		if ok {
			matches = append(matches, Match{Trigger: t, Slot: slot, Step: step})
		}
	}
	return matches, nil
}

func (e *Evaluator) alreadyActivated(ctx context.Context, runID, trigger string) (bool, error) {
	if runID == "" {
		return false, nil
	}
	events, err := e.log.Query(ctx, eventlog.Filter{
		Tags:  map[string]string{eventlog.TagRun: runID, eventlog.TagTrigger: trigger},
		Types: []string{eventlog.TypeTriggerActivated},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

func runOnceKey(runID, trigger string) string {
	return "trigger-once/" + runID + "/" + trigger
}

// Activate appends TRIGGER.ACTIVATED for m before its plugin runs. For
// run-once triggers the append is keyed so a second activation in the same
// run appends nothing and returns false.
func (e *Evaluator) Activate(ctx context.Context, m Match, c Context) (bool, error) {
	ev, err := eventlog.NewEvent(eventlog.TypeTriggerActivated, e.tags(m, c), eventlog.TriggerActivated{
		RunID:    c.RunID,
		Trigger:  m.Trigger.Name,
		Plugin:   m.Trigger.Plugin,
		Step:     m.Step,
		Position: string(m.Slot),
		RunOnce:  m.Trigger.RunOnce,
	})
	if err != nil {
		return false, err
	}
	fired := true
	err = e.retry.Do(ctx, func() error {
		if m.Trigger.RunOnce && c.RunID != "" {
			_, ok, err := e.log.AppendUnique(ctx, ev, runOnceKey(c.RunID, m.Trigger.Name))
			fired = ok
			return err
		}
		_, err := e.log.Append(ctx, ev)
		return err
	}, e.notifyRetry(eventlog.TypeTriggerActivated))
	if err != nil {
		return false, err
	}
	if fired && e.observer != nil {
		e.observer.TriggerActivated(m.Trigger.Name, m.Slot)
	}
	return fired, nil
}

// RecordFailure appends TRIGGER.FAILED for a trigger whose condition or
// plugin failed.
func (e *Evaluator) RecordFailure(ctx context.Context, m Match, c Context, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ev, err := eventlog.NewEvent(eventlog.TypeTriggerFailed, e.tags(m, c), eventlog.TriggerFailed{
		RunID:    c.RunID,
		Trigger:  m.Trigger.Name,
		Plugin:   m.Trigger.Plugin,
		Step:     m.Step,
		Required: m.Trigger.Required,
		Error:    msg,
	})
	if err != nil {
		return err
	}
	if e.observer != nil {
		e.observer.TriggerFailed(m.Trigger.Name, m.Trigger.Required)
	}
	return e.retry.Do(ctx, func() error {
		_, err := e.log.Append(ctx, ev)
		return err
	}, e.notifyRetry(eventlog.TypeTriggerFailed))
}

func (e *Evaluator) tags(m Match, c Context) eventlog.Tags {
	tags := eventlog.Tags{
		eventlog.TagTrigger: m.Trigger.Name,
		eventlog.TagPlugin:  m.Trigger.Plugin,
	}
	if c.RunID != "" {
		tags[eventlog.TagRun] = c.RunID
	}
	if c.IssueID != "" {
		tags[eventlog.TagIssue] = c.IssueID
	}
	if c.Workflow != "" {
		tags[eventlog.TagWorkflow] = c.Workflow
	}
	if m.Step != "" {
		tags[eventlog.TagStep] = m.Step
	}
	return tags
}

func (e *Evaluator) notifyRetry(eventType string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		e.logger.Warn("event append failed, retrying", "type", eventType, "error", err, "wait", wait)
	}
}

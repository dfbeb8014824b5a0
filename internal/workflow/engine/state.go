package engine

import (
	"time"
)

// RunStatus enumerates the coarse phases of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StepOutcome is the recorded result of one step.
type StepOutcome struct {
	Step     string         `json:"step"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Timeout  bool           `json:"timeout,omitempty"`
	Duration time.Duration  `json:"duration"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// RunState is an immutable snapshot of a run. Every transition returns a new
// value; slices are never shared between snapshots.
type RunState struct {
	RunID    string    `json:"runId"`
	IssueID  string    `json:"issueId,omitempty"`
	Workflow string    `json:"workflow"`
	Version  string    `json:"version,omitempty"`
	Branch   string    `json:"branch,omitempty"`
	Status   RunStatus `json:"status"`
	Steps    []string  `json:"steps"`
	// Cursor indexes Steps; it equals len(Steps) once every step ran.
	Cursor     int           `json:"cursor"`
	Outcomes   []StepOutcome `json:"outcomes,omitempty"`
	FailedStep string        `json:"failedStep,omitempty"`
	Trigger    string        `json:"trigger,omitempty"`
	Error      string        `json:"error,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt,omitempty"`
}

// NewRunState returns the pending state for a planned run.
func NewRunState(runID, issueID string, plan Plan) RunState {
	return RunState{
		RunID:    runID,
		IssueID:  issueID,
		Workflow: plan.Workflow,
		Version:  plan.Version,
		Branch:   plan.Branch,
		Status:   RunPending,
		Steps:    plan.StepIDs(),
	}
}

// Current returns the step the cursor points at, or "" when done.
func (s RunState) Current() string {
	if s.Cursor < 0 || s.Cursor >= len(s.Steps) {
		return ""
	}
	return s.Steps[s.Cursor]
}

// Start moves a pending run to running.
func (s RunState) Start(at time.Time) RunState {
	next := s.clone()
	next.Status = RunRunning
	next.StartedAt = at
	return next
}

// Advance records a successful step and moves the cursor.
func (s RunState) Advance(outcome StepOutcome) RunState {
	next := s.clone()
	next.Outcomes = append(next.Outcomes, cloneOutcome(outcome))
	next.Cursor++
	return next
}

// Failure describes how a run ended in FAILED.
type Failure struct {
	Step      string
	Trigger   string
	Reason    string
	Cancelled bool
	// Outcome is the failing step's result, when the step ran.
	Outcome *StepOutcome
}

// Fail records the failure and ends the run.
func (s RunState) Fail(f Failure, at time.Time) RunState {
	next := s.clone()
	if f.Outcome != nil {
		next.Outcomes = append(next.Outcomes, cloneOutcome(*f.Outcome))
	}
	next.Status = RunFailed
	next.FailedStep = f.Step
	next.Trigger = f.Trigger
	next.Error = f.Reason
	next.Cancelled = f.Cancelled
	next.FinishedAt = at
	return next
}

// Complete ends a run whose steps all succeeded.
func (s RunState) Complete(at time.Time) RunState {
	next := s.clone()
	next.Status = RunCompleted
	next.FinishedAt = at
	return next
}

// Previous maps completed step ids to their success flag.
func (s RunState) Previous() map[string]bool {
	out := make(map[string]bool, len(s.Outcomes))
	for _, o := range s.Outcomes {
		out[o.Step] = o.Success
	}
	return out
}

func (s RunState) clone() RunState {
	next := s
	next.Steps = cloneStrings(s.Steps)
	if len(s.Outcomes) > 0 {
		next.Outcomes = make([]StepOutcome, len(s.Outcomes), len(s.Outcomes)+1)
		copy(next.Outcomes, s.Outcomes)
	}
	return next
}

func cloneOutcome(o StepOutcome) StepOutcome {
	if o.Payload != nil {
		payload := make(map[string]any, len(o.Payload))
		for k, v := range o.Payload {
			payload[k] = v
		}
		o.Payload = payload
	}
	return o
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

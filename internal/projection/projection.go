// Package projection folds event slices into read models. Nothing here is
// persisted; every model is rebuilt from the log on demand.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

// RunStatus is the derived lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepView summarizes one completed step.
type StepView struct {
	ID         string    `json:"id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

// RunView is the current state of one run.
type RunView struct {
	RunID       string     `json:"runId"`
	IssueID     string     `json:"issueId,omitempty"`
	Workflow    string     `json:"workflow"`
	Version     string     `json:"version,omitempty"`
	Mode        string     `json:"mode,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	Status      RunStatus  `json:"status"`
	Planned     []string   `json:"planned,omitempty"`
	CurrentStep string     `json:"currentStep,omitempty"`
	FailedStep  string     `json:"failedStep,omitempty"`
	Error       string     `json:"error,omitempty"`
	Cancelled   bool       `json:"cancelled,omitempty"`
	Steps       []StepView `json:"steps,omitempty"`
	Triggers    []string   `json:"triggers,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  time.Time  `json:"finishedAt,omitempty"`
}

// PluginStats aggregates PLUGIN.EXECUTED events for one plugin.
type PluginStats struct {
	Executions      int    `json:"executions"`
	Failures        int    `json:"failures"`
	Timeouts        int    `json:"timeouts"`
	TotalDurationMs int64  `json:"totalDurationMs"`
	LastVersion     string `json:"lastVersion,omitempty"`
}

// ReadModel is the folded view over an event slice.
type ReadModel struct {
	Runs          []RunView              `json:"runs"`
	Plugins       map[string]PluginStats `json:"plugins"`
	Installed     map[string]string      `json:"installed"`
	Triggers      map[string]int         `json:"triggers"`
	TypeCounts    map[string]int         `json:"typeCounts"`
	EventCount    int                    `json:"eventCount"`
	UnknownEvents int                    `json:"unknownEvents"`
	DecodeErrors  int                    `json:"decodeErrors"`
	LastEventID   string                 `json:"lastEventId,omitempty"`
	LastPosition  int64                  `json:"lastPosition"`
}

// Run returns the view for runID.
func (m ReadModel) Run(runID string) (RunView, bool) {
	for _, run := range m.Runs {
		if run.RunID == runID {
			return run, true
		}
	}
	return RunView{}, false
}

// Latest returns the most recently started run.
func (m ReadModel) Latest() (RunView, bool) {
	if len(m.Runs) == 0 {
		return RunView{}, false
	}
	return m.Runs[len(m.Runs)-1], true
}

// Builder answers "what is the state of X" by querying the log and folding.
type Builder struct {
	log eventlog.Reader
}

// NewBuilder wires a builder to the log.
func NewBuilder(log eventlog.Reader) (*Builder, error) {
	if log == nil {
		return nil, fmt.Errorf("projection: event log is required")
	}
	return &Builder{log: log}, nil
}

// Build queries events matching f and folds them.
func (b *Builder) Build(ctx context.Context, f eventlog.Filter) (ReadModel, error) {
	events, err := b.log.Query(ctx, f)
	if err != nil {
		return ReadModel{}, fmt.Errorf("projection: query: %w", err)
	}
	return Fold(events), nil
}

// Fold is the pure reduction from an ordered event slice to a read model.
// Unknown event types are counted and otherwise ignored.
func Fold(events []eventlog.Event) ReadModel {
	f := newFolder()
	for _, ev := range events {
		f.apply(ev)
	}
	return f.model()
}

type folder struct {
	m     ReadModel
	index map[string]int
}

func newFolder() *folder {
	return &folder{
		m: ReadModel{
			Runs:       []RunView{},
			Plugins:    map[string]PluginStats{},
			Installed:  map[string]string{},
			Triggers:   map[string]int{},
			TypeCounts: map[string]int{},
		},
		index: map[string]int{},
	}
}

func (f *folder) model() ReadModel {
	return f.m
}

func (f *folder) apply(ev eventlog.Event) {
	f.m.EventCount++
	f.m.TypeCounts[ev.Type]++
	f.m.LastEventID = ev.ID
	f.m.LastPosition = ev.Position

	var err error
	switch ev.Type {
	case eventlog.TypeWorkflowStarted:
		var p eventlog.WorkflowStarted
		if err = ev.Decode(&p); err == nil {
			f.started(ev, p)
		}
	case eventlog.TypeStepCompleted:
		var p eventlog.StepCompleted
		if err = ev.Decode(&p); err == nil {
			f.stepCompleted(ev, p)
		}
	case eventlog.TypeWorkflowCompleted, eventlog.TypeWorkflowFailed:
		var p eventlog.WorkflowFinished
		if err = ev.Decode(&p); err == nil {
			f.finished(ev, p)
		}
	case eventlog.TypeTriggerActivated:
		var p eventlog.TriggerActivated
		if err = ev.Decode(&p); err == nil {
			f.m.Triggers[p.Trigger]++
			if run := f.run(p.RunID, ev); run != nil {
				run.Triggers = append(run.Triggers, p.Trigger)
			}
		}
	case eventlog.TypeTriggerFailed:
		// Recorded for audit; the run outcome arrives through WORKFLOW.* events.
	case eventlog.TypePluginExecuted:
		var p eventlog.PluginExecuted
		if err = ev.Decode(&p); err == nil {
			stats := f.m.Plugins[p.Plugin]
			stats.Executions++
			if !p.Success {
				stats.Failures++
			}
			if p.Timeout {
				stats.Timeouts++
			}
			stats.TotalDurationMs += p.DurationMs
			stats.LastVersion = p.Version
			f.m.Plugins[p.Plugin] = stats
		}
	case eventlog.TypePluginInstalled:
		var p eventlog.PluginInstalled
		if err = ev.Decode(&p); err == nil {
			f.m.Installed[p.Plugin] = p.Version
		}
	default:
		f.m.UnknownEvents++
	}
	if err != nil {
		f.m.DecodeErrors++
	}
}

// run returns the view for runID, creating a placeholder when the STARTED
// event is outside the folded slice.
func (f *folder) run(runID string, ev eventlog.Event) *RunView {
	if runID == "" {
		runID = ev.Tags[eventlog.TagRun]
	}
	if runID == "" {
		return nil
	}
	if idx, ok := f.index[runID]; ok {
		return &f.m.Runs[idx]
	}
	f.m.Runs = append(f.m.Runs, RunView{
		RunID:     runID,
		IssueID:   ev.Tags[eventlog.TagIssue],
		Workflow:  ev.Tags[eventlog.TagWorkflow],
		Status:    RunRunning,
		StartedAt: ev.Timestamp,
	})
	f.index[runID] = len(f.m.Runs) - 1
	return &f.m.Runs[len(f.m.Runs)-1]
}

func (f *folder) started(ev eventlog.Event, p eventlog.WorkflowStarted) {
	run := f.run(p.RunID, ev)
	if run == nil {
		return
	}
	run.IssueID = p.IssueID
	run.Workflow = p.Workflow
	run.Version = p.Version
	run.Mode = p.Mode
	run.Branch = p.Branch
	run.Planned = append([]string(nil), p.Steps...)
	run.Status = RunRunning
	run.StartedAt = ev.Timestamp
	if len(p.Steps) > 0 {
		run.CurrentStep = p.Steps[0]
	}
}

func (f *folder) stepCompleted(ev eventlog.Event, p eventlog.StepCompleted) {
	run := f.run(p.RunID, ev)
	if run == nil {
		return
	}
	run.Steps = append(run.Steps, StepView{
		ID:         p.Step,
		Success:    p.Success,
		Error:      p.Error,
		DurationMs: p.DurationMs,
		At:         ev.Timestamp,
	})
	run.CurrentStep = nextStep(run.Planned, p.Step)
	if !p.Success {
		run.CurrentStep = p.Step
	}
}

func (f *folder) finished(ev eventlog.Event, p eventlog.WorkflowFinished) {
	run := f.run(p.RunID, ev)
	if run == nil {
		return
	}
	run.FinishedAt = ev.Timestamp
	if ev.Type == eventlog.TypeWorkflowCompleted {
		run.Status = RunCompleted
		run.CurrentStep = ""
		return
	}
	run.Status = RunFailed
	run.FailedStep = p.Step
	run.Error = p.Error
	run.Cancelled = p.Cancelled
	if p.Step != "" {
		run.CurrentStep = p.Step
	}
}

func nextStep(planned []string, done string) string {
	for i, id := range planned {
		if id == done && i+1 < len(planned) {
			return planned[i+1]
		}
	}
	return ""
}

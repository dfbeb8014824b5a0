package projection

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
)

func appendAll(t *testing.T, log *eventlog.Log, specs ...func() eventlog.Event) {
	t.Helper()
	for _, spec := range specs {
		_, err := log.Append(context.Background(), spec())
		require.NoError(t, err)
	}
}

func ev(t *testing.T, eventType string, runID string, data any) func() eventlog.Event {
	return func() eventlog.Event {
		e, err := eventlog.NewEvent(eventType, eventlog.Tags{eventlog.TagRun: runID, eventlog.TagIssue: "42"}, data)
		require.NoError(t, err)
		return e
	}
}

func seededLog(t *testing.T) *eventlog.Log {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	log, err := eventlog.New(eventlog.NewMemoryStore(), eventlog.WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}))
	require.NoError(t, err)
	appendAll(t, log,
		ev(t, eventlog.TypeWorkflowStarted, "r1", eventlog.WorkflowStarted{RunID: "r1", IssueID: "42", Workflow: "ship", Steps: []string{"A", "X", "B", "C"}}),
		ev(t, eventlog.TypeStepCompleted, "r1", eventlog.StepCompleted{RunID: "r1", Step: "A", Success: true, DurationMs: 5}),
		ev(t, eventlog.TypePluginExecuted, "r1", eventlog.PluginExecuted{Plugin: "scan", Version: "1.0.0", Success: false, Timeout: true, DurationMs: 30000}),
		ev(t, eventlog.TypeStepCompleted, "r1", eventlog.StepCompleted{RunID: "r1", Step: "X", Success: true}),
		ev(t, "SECURITY.SCAN.FINDING", "r1", map[string]any{"severity": "high"}),
		ev(t, eventlog.TypeStepCompleted, "r1", eventlog.StepCompleted{RunID: "r1", Step: "B", Success: false, Error: "tests failed"}),
		ev(t, eventlog.TypeWorkflowFailed, "r1", eventlog.WorkflowFinished{RunID: "r1", Step: "B", Error: "tests failed"}),
	)
	return log
}

func TestBuildFoldsRunLifecycle(t *testing.T) {
	log := seededLog(t)
	builder, err := NewBuilder(log)
	require.NoError(t, err)

	model, err := builder.Build(context.Background(), eventlog.ByTag(eventlog.TagIssue, "42"))
	require.NoError(t, err)

	run, ok := model.Run("r1")
	require.True(t, ok)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "B", run.FailedStep)
	assert.Equal(t, "tests failed", run.Error)
	require.Len(t, run.Steps, 3)
	assert.Equal(t, []string{"A", "X", "B"}, []string{run.Steps[0].ID, run.Steps[1].ID, run.Steps[2].ID})
	assert.False(t, run.FinishedAt.IsZero())

	stats := model.Plugins["scan"]
	assert.Equal(t, 1, stats.Executions)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Timeouts)
	assert.Equal(t, 7, model.EventCount)
	assert.Equal(t, 1, model.UnknownEvents)
	assert.Equal(t, 1, model.TypeCounts["SECURITY.SCAN.FINDING"])
}

func TestFoldIsIdempotent(t *testing.T) {
	log := seededLog(t)
	events, err := log.Query(context.Background(), eventlog.Filter{})
	require.NoError(t, err)

	first := Fold(events)
	second := Fold(events)
	assert.True(t, reflect.DeepEqual(first, second))
}

func TestCurrentStepTracksProgress(t *testing.T) {
	log, err := eventlog.New(eventlog.NewMemoryStore())
	require.NoError(t, err)
	appendAll(t, log,
		ev(t, eventlog.TypeWorkflowStarted, "r2", eventlog.WorkflowStarted{RunID: "r2", Workflow: "ship", Steps: []string{"A", "B"}}),
		ev(t, eventlog.TypeStepCompleted, "r2", eventlog.StepCompleted{RunID: "r2", Step: "A", Success: true}),
	)
	events, err := log.Query(context.Background(), eventlog.ByTag(eventlog.TagRun, "r2"))
	require.NoError(t, err)

	model := Fold(events)
	run, ok := model.Latest()
	require.True(t, ok)
	assert.Equal(t, RunRunning, run.Status)
	assert.Equal(t, "B", run.CurrentStep)

	appendAll(t, log, ev(t, eventlog.TypeStepCompleted, "r2", eventlog.StepCompleted{RunID: "r2", Step: "B", Success: true}),
		ev(t, eventlog.TypeWorkflowCompleted, "r2", eventlog.WorkflowFinished{RunID: "r2"}))
	events, err = log.Query(context.Background(), eventlog.ByTag(eventlog.TagRun, "r2"))
	require.NoError(t, err)
	run, _ = Fold(events).Run("r2")
	assert.Equal(t, RunCompleted, run.Status)
	assert.Empty(t, run.CurrentStep)
}

func TestFoldCountsUndecodablePayloads(t *testing.T) {
	broken := eventlog.Event{Type: eventlog.TypeStepCompleted, Data: []byte(`{"success":"yes"}`), Tags: eventlog.Tags{}}
	model := Fold([]eventlog.Event{broken})
	assert.Equal(t, 1, model.DecodeErrors)
	assert.Empty(t, model.Runs)
}

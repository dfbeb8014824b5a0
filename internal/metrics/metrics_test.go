package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"github.com/kingrea/lattice-orchestrator/internal/workflow"
	"github.com/kingrea/lattice-orchestrator/internal/workflow/engine"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserversUpdateCollectors(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.RunStarted("review")
	m.RunStarted("review")
	m.RunFinished("review", engine.RunCompleted, 3*time.Second)
	m.StepFinished("review", "build", true, time.Second)
	m.StepFinished("review", "build", false, time.Second)
	m.PluginExecuted("lint", true, false, 10*time.Millisecond)
	m.PluginExecuted("lint", false, true, time.Second)
	m.TriggerActivated("pre-build", trigger.SlotBefore)
	m.TriggerFailed("pre-build", true)
	m.AppendRetried(eventlog.TypeStepCompleted)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("review")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsActive.WithLabelValues("review")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("review", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("review", "build", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.plugins.WithLabelValues("lint", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.plugins.WithLabelValues("lint", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggerActivated.WithLabelValues("pre-build", "before")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggerFailed.WithLabelValues("pre-build", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.appendRetries.WithLabelValues(eventlog.TypeStepCompleted)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepDuration, "lattice_step_duration_seconds"))
}

func TestEngineRunFeedsMetrics(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	log, err := eventlog.New(eventlog.NewMemoryStore(), eventlog.WithSink(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	eng, err := engine.New(log,
		engine.WithObserver(m),
		engine.WithGates(engine.Gates{"a": engine.Pass, "b": engine.Pass}),
	)
	require.NoError(t, err)
	def := workflow.WorkflowDefinition{Name: "metered", Steps: []workflow.Step{{ID: "a"}, {ID: "b"}}}
	_, err = eng.Run(context.Background(), engine.RunRequest{Definition: &def})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("metered", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runsActive.WithLabelValues("metered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues(eventlog.TypeStepCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues(eventlog.TypeWorkflowCompleted)))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	m.RunStarted("review")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `lattice_runs_started_total{workflow="review"} 1`)
	assert.True(t, strings.Contains(string(body), "go_goroutines"), "go collector should be registered")
}

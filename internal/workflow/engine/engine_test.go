package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/plugin"
	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"github.com/kingrea/lattice-orchestrator/internal/workflow"
)

type stubPlugins struct {
	mu      sync.Mutex
	calls   []string
	results map[string]plugin.Result
	err     error
}

func (s *stubPlugins) Execute(_ context.Context, name string, req plugin.Request) (plugin.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name+"@"+req.Step)
	if s.err != nil {
		return plugin.Result{}, s.err
	}
	if res, ok := s.results[name]; ok {
		return res, nil
	}
	return plugin.Result{Success: true}, nil
}

func (s *stubPlugins) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type engineHarness struct {
	t       *testing.T
	log     *eventlog.Log
	plugins *stubPlugins
	engine  *Engine
}

func newEngineHarness(t *testing.T, opts ...Option) *engineHarness {
	t.Helper()
	log, err := eventlog.New(eventlog.NewMemoryStore())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	plugins := &stubPlugins{results: map[string]plugin.Result{}}
	ids := 0
	base := []Option{
		WithPlugins(plugins),
		WithRetryPolicy(eventlog.RetryPolicy{MaxAttempts: 1}),
		WithRunIDs(func() string {
			ids++
			return fmt.Sprintf("run-%d", ids)
		}),
	}
	eng, err := New(log, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &engineHarness{t: t, log: log, plugins: plugins, engine: eng}
}

// timeline renders a run's events as TYPE or TYPE:step:ok|fail.
func (h *engineHarness) timeline(runID string) []string {
	h.t.Helper()
	events, err := h.log.Query(context.Background(), eventlog.Filter{
		Tags: map[string]string{eventlog.TagRun: runID},
		Types: []string{
			eventlog.TypeWorkflowStarted,
			eventlog.TypeStepCompleted,
			eventlog.TypeWorkflowCompleted,
			eventlog.TypeWorkflowFailed,
		},
	})
	if err != nil {
		h.t.Fatalf("query: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Type != eventlog.TypeStepCompleted {
			out = append(out, ev.Type)
			continue
		}
		var data eventlog.StepCompleted
		if err := ev.Decode(&data); err != nil {
			h.t.Fatalf("decode: %v", err)
		}
		status := "ok"
		if !data.Success {
			status = "fail"
		}
		out = append(out, data.Step+":"+status)
	}
	return out
}

func (h *engineHarness) count(eventType string) int {
	h.t.Helper()
	events, err := h.log.Query(context.Background(), eventlog.Filter{Types: []string{eventType}})
	if err != nil {
		h.t.Fatalf("query: %v", err)
	}
	return len(events)
}

func failing(step string) Gate {
	return GateFunc(func(context.Context, GateRequest) (GateResult, error) {
		return GateResult{Success: false, Error: step + " rejected"}, nil
	})
}

func steps(ids ...string) []workflow.Step {
	out := make([]workflow.Step, len(ids))
	for i, id := range ids {
		out[i] = workflow.Step{ID: id}
	}
	return out
}

func TestRunCustomStepAndFailureHalts(t *testing.T) {
	h := newEngineHarness(t,
		WithGates(Gates{"A": Pass, "X": Pass, "C": Pass}),
		WithGate("B", failing("B")),
	)
	def := workflow.WorkflowDefinition{
		Name:        "pipeline",
		Steps:       steps("A", "B", "C"),
		CustomSteps: []workflow.CustomStep{{Step: workflow.Step{ID: "X"}, After: "A"}},
	}

	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def, IssueID: "ISS-1"})
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed, got %v", err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Step != "B" {
		t.Fatalf("expected RunError at step B, got %#v", err)
	}
	if got := res.Plan.StepIDs(); !slices.Equal(got, []string{"A", "X", "B", "C"}) {
		t.Fatalf("effective order = %v", got)
	}
	want := []string{
		eventlog.TypeWorkflowStarted,
		"A:ok",
		"X:ok",
		"B:fail",
		eventlog.TypeWorkflowFailed,
	}
	if got := h.timeline(res.RunID); !slices.Equal(got, want) {
		t.Fatalf("timeline mismatch\nwant %v\ngot  %v", want, got)
	}
	if res.Status != RunFailed || res.State.FailedStep != "B" {
		t.Fatalf("unexpected final state %+v", res.State)
	}

	failed, _ := h.log.Query(context.Background(), eventlog.ByTag(eventlog.TagRun, res.RunID).WithType(eventlog.TypeWorkflowFailed))
	var payload eventlog.WorkflowFinished
	if err := failed[0].Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Step != "B" || payload.Error != "B rejected" {
		t.Fatalf("unexpected FAILED payload %+v", payload)
	}
	if failed[0].Tags[eventlog.TagIssue] != "ISS-1" || failed[0].Metadata.WorkflowVersion != workflow.DefaultVersion {
		t.Fatalf("terminal event missing tags or metadata: %+v", failed[0])
	}
}

func TestRunCompletes(t *testing.T) {
	var seen []string
	record := GateFunc(func(_ context.Context, req GateRequest) (GateResult, error) {
		seen = append(seen, req.Step.ID)
		return GateResult{Success: true, Payload: map[string]any{"step": req.Step.ID}}, nil
	})
	h := newEngineHarness(t, WithGates(Gates{"code": record, "review": record}))
	def := workflow.WorkflowDefinition{Name: "simple", Steps: steps("code", "review")}

	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunCompleted || res.State.Cursor != 2 {
		t.Fatalf("unexpected result %+v", res.State)
	}
	want := []string{eventlog.TypeWorkflowStarted, "code:ok", "review:ok", eventlog.TypeWorkflowCompleted}
	if got := h.timeline(res.RunID); !slices.Equal(got, want) {
		t.Fatalf("timeline = %v", got)
	}
	if !slices.Equal(seen, []string{"code", "review"}) {
		t.Fatalf("gates ran out of order: %v", seen)
	}
}

func TestRunBranchFirstMatchSkipsAndOverrides(t *testing.T) {
	var reviewConfig workflow.StepConfig
	h := newEngineHarness(t, WithGates(Gates{
		"code": Pass,
		"test": Pass,
		"review": GateFunc(func(_ context.Context, req GateRequest) (GateResult, error) {
			reviewConfig = req.Config
			return GateResult{Success: true}, nil
		}),
	}))
	def := workflow.WorkflowDefinition{
		Name:      "branching",
		Steps:     steps("code", "test", "review"),
		Overrides: workflow.Overrides{"review": {"reviewers": 1, "strict": true}},
		Branches: workflow.Branches{
			{
				Name:      "hotfix",
				Condition: &trigger.Condition{Labels: &trigger.LabelsPredicate{Includes: []string{"hotfix"}}},
				SkipSteps: []string{"test"},
				Overrides: workflow.Overrides{"review": {"reviewers": 2}},
			},
			{
				Name:      "urgent",
				Condition: &trigger.Condition{Labels: &trigger.LabelsPredicate{Includes: []string{"urgent"}}},
				SkipSteps: []string{"review"},
			},
		},
	}
	req := RunRequest{Definition: &def, Context: trigger.Context{Labels: []string{"hotfix", "urgent"}}}

	res, err := h.engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Plan.Branch != "hotfix" {
		t.Fatalf("first declared branch should win, got %q", res.Plan.Branch)
	}
	if got := res.Plan.StepIDs(); !slices.Equal(got, []string{"code", "review"}) {
		t.Fatalf("effective steps = %v", got)
	}
	if reviewConfig["reviewers"] != 2 || reviewConfig["strict"] != true {
		t.Fatalf("branch override should merge over definition overrides, got %v", reviewConfig)
	}

	strict := newEngineHarness(t, WithBranchPolicy(BranchStrict), WithGates(Gates{"code": Pass, "test": Pass, "review": Pass}))
	if _, err := strict.engine.Run(context.Background(), req); !errors.Is(err, ErrAmbiguousBranch) {
		t.Fatalf("strict policy should reject two matching branches, got %v", err)
	}
	if head, _ := strict.log.Head(context.Background()); head != 0 {
		t.Fatalf("a rejected plan must not append events, head=%d", head)
	}
}

func TestRunTriggers(t *testing.T) {
	h := newEngineHarness(t, WithGates(Gates{"build": Pass, "ship": Pass}))
	h.plugins.results["flaky"] = plugin.Result{Success: false, Error: "boom"}
	def := workflow.WorkflowDefinition{
		Name:  "triggers",
		Steps: steps("build", "ship"),
		Triggers: []trigger.Trigger{
			{Name: "pre-build", Plugin: "lint", Position: trigger.Position{Before: "build"}},
			{Name: "optional-scan", Plugin: "flaky", Step: "build"},
			{Name: "notify", Plugin: "notify", Step: "build", RunOnce: true},
			{Name: "docs-only", Plugin: "docs", Step: "ship",
				Condition: &trigger.Condition{Labels: &trigger.LabelsPredicate{Includes: []string{"docs"}}}},
		},
	}

	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def, Context: trigger.Context{Labels: []string{"bug"}}})
	if err != nil {
		t.Fatalf("optional trigger failure must not fail the run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("expected completed run, got %s", res.Status)
	}
	want := []string{"lint@build", "flaky@build", "notify@build"}
	if got := h.plugins.Calls(); !slices.Equal(got, want) {
		t.Fatalf("plugin calls = %v, want %v", got, want)
	}
	if n := h.count(eventlog.TypeTriggerActivated); n != 3 {
		t.Fatalf("expected 3 activations, got %d", n)
	}
	if n := h.count(eventlog.TypeTriggerFailed); n != 1 {
		t.Fatalf("expected 1 trigger failure, got %d", n)
	}
}

func TestRunRequiredTriggerFailureAborts(t *testing.T) {
	h := newEngineHarness(t, WithGates(Gates{"build": Pass, "ship": Pass}))
	h.plugins.results["security"] = plugin.Result{Success: false, Error: "vulnerable dependency"}
	def := workflow.WorkflowDefinition{
		Name:  "guarded",
		Steps: steps("build", "ship"),
		Triggers: []trigger.Trigger{
			{Name: "security-scan", Plugin: "security", Position: trigger.Position{Before: "ship"}, Required: true},
		},
	}

	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed, got %v", err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Trigger != "security-scan" {
		t.Fatalf("expected failure attributed to security-scan, got %v", err)
	}
	want := []string{eventlog.TypeWorkflowStarted, "build:ok", "ship:fail", eventlog.TypeWorkflowFailed}
	if got := h.timeline(res.RunID); !slices.Equal(got, want) {
		t.Fatalf("timeline = %v", got)
	}
	if !strings.Contains(res.State.Error, "vulnerable dependency") {
		t.Fatalf("run error should carry the trigger error, got %q", res.State.Error)
	}
}

func TestRunRequiredTriggerConditionError(t *testing.T) {
	h := newEngineHarness(t, WithGates(Gates{"build": Pass}))
	def := workflow.WorkflowDefinition{
		Name:  "cond",
		Steps: steps("build"),
		Triggers: []trigger.Trigger{{
			Name:      "strict",
			Plugin:    "p",
			Step:      "build",
			Required:  true,
			Condition: &trigger.Condition{Expression: `fields.missing == "x"`},
		}},
	}
	_, err := h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed, got %v", err)
	}
	if n := h.count(eventlog.TypeTriggerFailed); n != 1 {
		t.Fatalf("condition error should append TRIGGER.FAILED, got %d", n)
	}
	if len(h.plugins.Calls()) != 0 {
		t.Fatalf("plugin must not run when its condition errors")
	}
}

func TestRunCancellationAtStepBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var finished bool
	h := newEngineHarness(t, WithGates(Gates{
		"first": GateFunc(func(gctx context.Context, _ GateRequest) (GateResult, error) {
			cancel()
			// The step keeps its own context; run cancellation waits for it.
			select {
			case <-gctx.Done():
				return GateResult{}, gctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			finished = true
			return GateResult{Success: true}, nil
		}),
		"second": Pass,
	}))
	def := workflow.WorkflowDefinition{Name: "cancel", Steps: steps("first", "second")}

	res, err := h.engine.Run(ctx, RunRequest{Definition: &def})
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	if !finished {
		t.Fatalf("in-flight step should finish before cancellation is observed")
	}
	want := []string{eventlog.TypeWorkflowStarted, "first:ok", eventlog.TypeWorkflowFailed}
	if got := h.timeline(res.RunID); !slices.Equal(got, want) {
		t.Fatalf("timeline = %v", got)
	}
	if !res.State.Cancelled || res.State.Error != "run cancelled" {
		t.Fatalf("unexpected state %+v", res.State)
	}
}

func TestRunStepTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := newEngineHarness(t,
		WithStepTimeout(30*time.Millisecond),
		WithGate("slow", GateFunc(func(context.Context, GateRequest) (GateResult, error) {
			<-block
			return GateResult{Success: true}, nil
		})),
	)
	def := workflow.WorkflowDefinition{Name: "timeout", Steps: steps("slow")}

	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed, got %v", err)
	}
	if len(res.State.Outcomes) != 1 || !res.State.Outcomes[0].Timeout {
		t.Fatalf("expected a timed-out outcome, got %+v", res.State.Outcomes)
	}
}

func TestStepTimeoutCancelsGateContext(t *testing.T) {
	stopped := make(chan error, 1)
	h := newEngineHarness(t,
		WithStepTimeout(30*time.Millisecond),
		WithGate("slow", GateFunc(func(ctx context.Context, _ GateRequest) (GateResult, error) {
			<-ctx.Done()
			stopped <- ctx.Err()
			return GateResult{}, ctx.Err()
		})),
	)
	def := workflow.WorkflowDefinition{Name: "timeout", Steps: steps("slow")}

	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed, got %v", err)
	}
	if len(res.State.Outcomes) != 1 || !res.State.Outcomes[0].Timeout {
		t.Fatalf("expected a timed-out outcome, got %+v", res.State.Outcomes)
	}
	select {
	case cause := <-stopped:
		if !errors.Is(cause, context.DeadlineExceeded) {
			t.Fatalf("gate context ended with %v", cause)
		}
	case <-time.After(time.Second):
		t.Fatalf("gate context was not cancelled after the step timed out")
	}
}

func TestRunUnknownGateAndPanics(t *testing.T) {
	h := newEngineHarness(t, WithGate("explode", GateFunc(func(context.Context, GateRequest) (GateResult, error) {
		panic("kaboom")
	})))
	def := workflow.WorkflowDefinition{Name: "broken", Steps: steps("missing")}
	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if !errors.Is(err, ErrStepFailed) || !strings.Contains(res.State.Error, "unknown gate") {
		t.Fatalf("expected unknown gate failure, got %v / %q", err, res.State.Error)
	}

	def = workflow.WorkflowDefinition{Name: "panics", Steps: steps("explode")}
	res, err = h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if !errors.Is(err, ErrStepFailed) || !strings.Contains(res.State.Error, "kaboom") {
		t.Fatalf("expected recovered panic, got %v / %q", err, res.State.Error)
	}
}

func TestRunPluginStep(t *testing.T) {
	h := newEngineHarness(t)
	h.plugins.results["deployer"] = plugin.Result{Success: true, Payload: map[string]any{"url": "https://example.test"}}
	def := workflow.WorkflowDefinition{
		Name:  "deploy",
		Steps: []workflow.Step{{ID: "deploy", Plugin: "deployer"}},
	}
	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State.Outcomes[0].Payload["url"] != "https://example.test" {
		t.Fatalf("plugin payload not recorded: %+v", res.State.Outcomes)
	}
	if got := h.plugins.Calls(); !slices.Equal(got, []string{"deployer@deploy"}) {
		t.Fatalf("plugin calls = %v", got)
	}
}

func TestRunStorageFailure(t *testing.T) {
	h := newEngineHarness(t, WithGate("a", Pass))
	if err := h.log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	def := workflow.WorkflowDefinition{Name: "offline", Steps: steps("a")}
	res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def})
	if !errors.Is(err, eventlog.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if res.Status != RunFailed {
		t.Fatalf("expected failed status, got %s", res.Status)
	}
}

func TestRunFromCatalog(t *testing.T) {
	catalog, err := workflow.NewStaticCatalog(workflow.WorkflowDefinition{Name: "named", Steps: steps("a")})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	h := newEngineHarness(t, WithCatalog(catalog), WithGate("a", Pass))
	res, err := h.engine.Run(context.Background(), RunRequest{Workflow: "named", RunID: "fixed"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RunID != "fixed" {
		t.Fatalf("explicit run id ignored: %s", res.RunID)
	}
	if _, err := h.engine.Run(context.Background(), RunRequest{Workflow: "nope"}); !errors.Is(err, workflow.ErrUnknownWorkflow) {
		t.Fatalf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestConcurrentRunsShareOnlyTheLog(t *testing.T) {
	h := newEngineHarness(t, WithRunIDs(nil), WithGates(Gates{"a": Pass, "b": Pass}))
	def := workflow.WorkflowDefinition{Name: "parallel", Steps: steps("a", "b")}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.Run(context.Background(), RunRequest{Definition: &def, RunID: fmt.Sprintf("par-%d", i)})
			if err != nil {
				t.Errorf("run %d: %v", i, err)
			}
			ids[i] = res.RunID
		}(i)
	}
	wg.Wait()
	want := []string{eventlog.TypeWorkflowStarted, "a:ok", "b:ok", eventlog.TypeWorkflowCompleted}
	for _, id := range ids {
		if got := h.timeline(id); !slices.Equal(got, want) {
			t.Fatalf("run %s timeline = %v", id, got)
		}
	}
}

func TestPluginGatesRunProvidingPlugin(t *testing.T) {
	installed := []plugin.Installed{
		{Seq: 2, Manifest: plugin.Manifest{Name: "ci-v2", Provides: plugin.Provides{Gates: []string{"test"}}}},
		{Seq: 1, Manifest: plugin.Manifest{Name: "ci", Provides: plugin.Provides{Gates: []string{"build", "test"}}}},
		{Seq: 3, Manifest: plugin.Manifest{Name: "notify"}},
	}
	h := newEngineHarness(t)
	gates := PluginGates(installed, h.plugins)
	if len(gates) != 2 {
		t.Fatalf("expected build and test gates, got %d", len(gates))
	}
	h.plugins.results["ci-v2"] = plugin.Result{Success: false, Error: "3 tests failed"}

	eng, err := New(h.log, WithPlugins(h.plugins), WithGates(gates), WithRetryPolicy(eventlog.RetryPolicy{MaxAttempts: 1}))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	def := workflow.WorkflowDefinition{Name: "ci", Steps: steps("build", "test")}
	res, err := eng.Run(context.Background(), RunRequest{Definition: &def, RunID: "gated"})
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected ErrStepFailed, got %v", err)
	}
	if got := h.plugins.Calls(); !slices.Equal(got, []string{"ci@build", "ci-v2@test"}) {
		t.Fatalf("unexpected plugin calls %v", got)
	}
	if res.State.FailedStep != "test" || !strings.Contains(res.State.Error, "3 tests failed") {
		t.Fatalf("gate error not carried into the run: %+v", res.State)
	}
}

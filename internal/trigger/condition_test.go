package trigger

import (
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func boolPtr(v bool) *bool { return &v }

func TestEvaluateLabels(t *testing.T) {
	cond := &Condition{Labels: &LabelsPredicate{Includes: []string{"bug"}}}

	ok, err := Evaluate(cond, Context{Labels: []string{"feature"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Fatalf("expected includes [bug] to be false for labels [feature]")
	}

	ok, _ = Evaluate(cond, Context{Labels: []string{"feature", "bug"}})
	if !ok {
		t.Fatalf("expected includes [bug] to hold for labels [feature bug]")
	}

	ok, _ = Evaluate(cond, Context{Labels: []string{"Bug"}})
	if ok {
		t.Fatalf("label comparison must be case-sensitive")
	}

	ok, _ = Evaluate(cond, Context{})
	if ok {
		t.Fatalf("absent labels must not match")
	}

	excl := &Condition{Labels: &LabelsPredicate{Excludes: []string{"wip"}}}
	if ok, _ := Evaluate(excl, Context{Labels: []string{"wip", "bug"}}); ok {
		t.Fatalf("excluded label should fail the predicate")
	}
	if ok, _ := Evaluate(excl, Context{Labels: []string{"bug"}}); !ok {
		t.Fatalf("labels without wip should pass excludes")
	}

	anyOf := &Condition{Labels: &LabelsPredicate{Any: []string{"docs", "chore"}}}
	if ok, _ := Evaluate(anyOf, Context{Labels: []string{"chore"}}); !ok {
		t.Fatalf("any should match one of the labels")
	}
}

func TestEvaluateNilConditionHolds(t *testing.T) {
	ok, err := Evaluate(nil, Context{})
	if err != nil || !ok {
		t.Fatalf("nil condition = %v, %v; want true, nil", ok, err)
	}
}

func TestEvaluateShortCircuit(t *testing.T) {
	broken := Condition{Expression: "fields.missing.deeper == 1"}

	and := &Condition{And: []Condition{
		{Flag: &FlagPredicate{Name: "enabled"}},
		broken,
	}}
	ok, err := Evaluate(and, Context{Flags: map[string]bool{"enabled": false}})
	if err != nil {
		t.Fatalf("and should stop at the first false operand, got %v", err)
	}
	if ok {
		t.Fatalf("and with a false operand must be false")
	}

	or := &Condition{Or: []Condition{
		{Flag: &FlagPredicate{Name: "enabled"}},
		broken,
	}}
	ok, err = Evaluate(or, Context{Flags: map[string]bool{"enabled": true}})
	if err != nil {
		t.Fatalf("or should stop at the first true operand, got %v", err)
	}
	if !ok {
		t.Fatalf("or with a true operand must be true")
	}

	_, err = Evaluate(and, Context{Flags: map[string]bool{"enabled": true}})
	if !errors.Is(err, ErrCondition) {
		t.Fatalf("expected ErrCondition once the broken operand runs, got %v", err)
	}
}

func TestEvaluateNot(t *testing.T) {
	cond := &Condition{Not: &Condition{Flag: &FlagPredicate{Name: "draft"}}}
	if ok, _ := Evaluate(cond, Context{Flags: map[string]bool{"draft": true}}); ok {
		t.Fatalf("not(draft) should be false for a draft")
	}
	if ok, _ := Evaluate(cond, Context{Flags: map[string]bool{"draft": false}}); !ok {
		t.Fatalf("not(draft) should be true when draft is false")
	}
}

func TestEvaluateFiles(t *testing.T) {
	files := []string{"internal/api/handler.go", "docs/readme.md"}

	anyGo := &Condition{Files: &FilesPredicate{Patterns: []string{"**/*.go"}}}
	if ok, _ := Evaluate(anyGo, Context{Files: files}); !ok {
		t.Fatalf("expected a go file to match **/*.go")
	}

	allGo := &Condition{Files: &FilesPredicate{Patterns: []string{"**/*.go"}, Match: "all"}}
	if ok, _ := Evaluate(allGo, Context{Files: files}); ok {
		t.Fatalf("match all should fail with a markdown file present")
	}

	if ok, _ := Evaluate(anyGo, Context{}); ok {
		t.Fatalf("no files must not match")
	}
}

func TestEvaluateSize(t *testing.T) {
	diff := &DiffStats{Additions: 120, Deletions: 30, FilesChanged: 4}
	cases := []struct {
		size SizePredicate
		want bool
	}{
		{SizePredicate{Metric: MetricLinesChanged, Op: ">", Value: 100}, true},
		{SizePredicate{Metric: MetricLinesChanged, Op: "gt", Value: 150}, false},
		{SizePredicate{Metric: MetricAdditions, Op: ">=", Value: 120}, true},
		{SizePredicate{Metric: MetricDeletions, Op: "<", Value: 30}, false},
		{SizePredicate{Metric: MetricFilesChanged, Op: "==", Value: 4}, true},
		{SizePredicate{Metric: MetricFilesChanged, Op: "ne", Value: 4}, false},
	}
	for _, tc := range cases {
		size := tc.size
		got, err := Evaluate(&Condition{Size: &size}, Context{Diff: diff})
		if err != nil {
			t.Fatalf("%+v: %v", tc.size, err)
		}
		if got != tc.want {
			t.Fatalf("%+v = %v, want %v", tc.size, got, tc.want)
		}
	}

	if ok, _ := Evaluate(&Condition{Size: &SizePredicate{Metric: MetricAdditions, Op: ">=", Value: 0}}, Context{}); ok {
		t.Fatalf("absent diff must not match")
	}
}

func TestEvaluateFlag(t *testing.T) {
	cond := &Condition{Flag: &FlagPredicate{Name: "hotfix", Equals: boolPtr(false)}}
	if ok, _ := Evaluate(cond, Context{Flags: map[string]bool{"hotfix": false}}); !ok {
		t.Fatalf("hotfix == false should hold")
	}
	if ok, _ := Evaluate(cond, Context{}); ok {
		t.Fatalf("missing flag must not match even when comparing with false")
	}
}

func TestEvaluateExpression(t *testing.T) {
	c := Context{
		RunID:    "run-1",
		Workflow: "review",
		Labels:   []string{"bug"},
		Files:    []string{"cmd/main.go"},
		Diff:     &DiffStats{Additions: 10, Deletions: 5},
		Fields:   map[string]any{"priority": "high"},
		Previous: map[string]bool{"lint": true},
	}
	cases := map[string]bool{
		`"bug" in labels && run.workflow == "review"`:   true,
		`diff.lines_changed > 20`:                       false,
		`files.exists(f, glob("cmd/**", f))`:            true,
		`fields.priority == "high" && previous["lint"]`: true,
	}
	for expr, want := range cases {
		got, err := Evaluate(&Condition{Expression: expr}, c)
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		if got != want {
			t.Fatalf("%s = %v, want %v", expr, got, want)
		}
	}
}

func TestEvaluateExpressionErrors(t *testing.T) {
	cases := []string{
		`labels +`,
		`"not a bool"`,
		`fields.count > 1`,
	}
	for _, expr := range cases {
		_, err := Evaluate(&Condition{Expression: expr}, Context{Fields: map[string]any{"count": "seven"}})
		if !errors.Is(err, ErrCondition) {
			t.Fatalf("%s: expected ErrCondition, got %v", expr, err)
		}
		var condErr *ConditionError
		if !errors.As(err, &condErr) || condErr.Expression != expr {
			t.Fatalf("%s: expected ConditionError carrying the expression, got %#v", expr, err)
		}
	}
}

func TestExpressionCostLimit(t *testing.T) {
	exprs, err := NewExpressions(WithCostLimit(10))
	if err != nil {
		t.Fatalf("new expressions: %v", err)
	}
	files := make([]string, 200)
	for i := range files {
		files[i] = "pkg/file.go"
	}
	_, err = exprs.Evaluate(&Condition{Expression: `files.all(f, f.endsWith(".go"))`}, Context{Files: files})
	if !errors.Is(err, ErrCondition) {
		t.Fatalf("expected cost limit to surface as ErrCondition, got %v", err)
	}
}

func TestConditionValidate(t *testing.T) {
	cases := map[string]Condition{
		"empty":        {},
		"two variants": {Flag: &FlagPredicate{Name: "x"}, Expression: "true"},
		"empty and":    {And: []Condition{}},
		"bad glob":     {Files: &FilesPredicate{Patterns: []string{"src/[.go"}}},
		"bad metric":   {Size: &SizePredicate{Metric: "bytes", Op: ">", Value: 1}},
		"bad op":       {Size: &SizePredicate{Metric: MetricAdditions, Op: "~", Value: 1}},
		"nested":       {Or: []Condition{{Flag: &FlagPredicate{}}}},
	}
	for name, cond := range cases {
		if err := cond.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	ok := Condition{And: []Condition{
		{Labels: &LabelsPredicate{Includes: []string{"bug"}}},
		{Not: &Condition{Size: &SizePredicate{Metric: MetricLinesChanged, Op: "<=", Value: 10}}},
	}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid condition rejected: %v", err)
	}
}

func TestConditionYAML(t *testing.T) {
	src := `
and:
  - labels:
      includes: [bug]
  - or:
      - files:
          patterns: ["**/*.go"]
      - expression: 'diff.additions > 100'
`
	var cond Condition
	if err := yaml.Unmarshal([]byte(src), &cond); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := cond.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	exprs := cond.Expressions()
	if len(exprs) != 1 || !strings.Contains(exprs[0], "diff.additions") {
		t.Fatalf("unexpected expressions %v", exprs)
	}
	ok, err := Evaluate(&cond, Context{Labels: []string{"bug"}, Files: []string{"main.go"}})
	if err != nil || !ok {
		t.Fatalf("evaluate = %v, %v; want true", ok, err)
	}
}

func TestConditionClone(t *testing.T) {
	orig := Condition{And: []Condition{{Labels: &LabelsPredicate{Includes: []string{"bug"}}}}}
	clone := orig.Clone()
	clone.And[0].Labels.Includes[0] = "feature"
	if orig.And[0].Labels.Includes[0] != "bug" {
		t.Fatalf("clone shares label slice with original")
	}
}

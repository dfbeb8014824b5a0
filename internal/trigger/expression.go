package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

const (
	defaultCostLimit     = 10000
	defaultExprBudget    = 100 * time.Millisecond
	interruptCheckEvery  = 100
	maxCachedExpressions = 1024
)

// Expressions compiles and runs CEL trigger expressions. Programs are cached
// by source; evaluation is bounded by a cost limit and a wall-clock budget.
type Expressions struct {
	env       *cel.Env
	costLimit uint64
	budget    time.Duration

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// ExpressionOption tunes an Expressions engine.
type ExpressionOption func(*Expressions)

// WithCostLimit caps the runtime cost of one evaluation.
func WithCostLimit(limit uint64) ExpressionOption {
	return func(e *Expressions) {
		if limit > 0 {
			e.costLimit = limit
		}
	}
}

// WithBudget caps the wall-clock time of one evaluation.
func WithBudget(d time.Duration) ExpressionOption {
	return func(e *Expressions) {
		if d > 0 {
			e.budget = d
		}
	}
}

// NewExpressions builds the CEL environment. Expressions see:
//
//	run      map: id, issue, workflow, mode, step
//	labels   list(string)
//	files    list(string)
//	diff     map: additions, deletions, lines_changed, files_changed
//	flags    map(string, bool)
//	fields   map(string, dyn)
//	previous map(string, bool) of completed step outcomes
//
// plus glob(pattern, path) for doublestar matching.
func NewExpressions(opts ...ExpressionOption) (*Expressions, error) {
	env, err := cel.NewEnv(
		cel.Variable("run", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("labels", cel.ListType(cel.StringType)),
		cel.Variable("files", cel.ListType(cel.StringType)),
		cel.Variable("diff", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("flags", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("previous", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Function("glob",
			cel.Overload("glob_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(globBinding),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trigger: create expression environment: %w", err)
	}
	e := &Expressions{
		env:       env,
		costLimit: defaultCostLimit,
		budget:    defaultExprBudget,
		cache:     make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func globBinding(lhs, rhs ref.Val) ref.Val {
	pattern, ok := lhs.(types.String)
	if !ok {
		return types.MaybeNoSuchOverloadErr(lhs)
	}
	path, ok := rhs.(types.String)
	if !ok {
		return types.MaybeNoSuchOverloadErr(rhs)
	}
	matched, err := doublestar.Match(string(pattern), string(path))
	if err != nil {
		return types.NewErr("glob: %v", err)
	}
	return types.Bool(matched)
}

// Check compiles expr and verifies it yields a bool.
func (e *Expressions) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Expressions) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile: expression yields %s, want bool", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(interruptCheckEvery),
		cel.CostLimit(e.costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	if len(e.cache) >= maxCachedExpressions {
		e.cache = make(map[string]cel.Program)
	}
	e.cache[expr] = prg
	return prg, nil
}

// Eval runs expr against c. Any failure, including a non-bool result or an
// exhausted budget, is returned as an error.
func (e *Expressions) Eval(expr string, c Context) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.budget)
	defer cancel()
	out, _, err := prg.ContextEval(ctx, c.activation())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("eval: exceeded %s budget: %w", e.budget, err)
		}
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: result %v is not a bool", out.Value())
	}
	return val, nil
}

var (
	defaultOnce  sync.Once
	defaultExprs *Expressions
	defaultErr   error
)

func defaultExpressions() (*Expressions, error) {
	defaultOnce.Do(func() {
		defaultExprs, defaultErr = NewExpressions()
	})
	return defaultExprs, defaultErr
}

package trigger

// Evaluate reports whether cond holds for c using the shared expression
// engine. A nil condition always holds. Evaluation is pure: and/or
// short-circuit left to right, comparisons are case-sensitive, and absent
// context fields make a predicate false. Only expression failures return an
// error, wrapped in *ConditionError.
func Evaluate(cond *Condition, c Context) (bool, error) {
	exprs, err := defaultExpressions()
	if err != nil {
		return false, &ConditionError{Err: err}
	}
	return exprs.Evaluate(cond, c)
}

// Evaluate is Evaluate bound to this engine.
func (e *Expressions) Evaluate(cond *Condition, c Context) (bool, error) {
	if cond == nil {
		return true, nil
	}
	return e.eval(*cond, c)
}

func (e *Expressions) eval(cond Condition, c Context) (bool, error) {
	switch {
	case cond.And != nil:
		for _, sub := range cond.And {
			ok, err := e.eval(sub, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case cond.Or != nil:
		for _, sub := range cond.Or {
			ok, err := e.eval(sub, c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case cond.Not != nil:
		ok, err := e.eval(*cond.Not, c)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case cond.Labels != nil:
		return cond.Labels.eval(c.Labels), nil
	case cond.Files != nil:
		return cond.Files.eval(c.Files), nil
	case cond.Size != nil:
		return cond.Size.eval(c.Diff), nil
	case cond.Flag != nil:
		return cond.Flag.eval(c.Flags), nil
	case cond.Expression != "":
		ok, err := e.Eval(cond.Expression, c)
		if err != nil {
			return false, &ConditionError{Expression: cond.Expression, Err: err}
		}
		return ok, nil
	}
	return false, nil
}

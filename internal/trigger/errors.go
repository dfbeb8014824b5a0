package trigger

import (
	"errors"
	"fmt"
)

// ErrCondition marks a trigger condition that could not be evaluated.
var ErrCondition = errors.New("trigger: condition error")

// ConditionError reports a failed expression. It is fatal to the trigger's
// activation only.
type ConditionError struct {
	Trigger    string
	Expression string
	Err        error
}

func (e *ConditionError) Error() string {
	switch {
	case e.Trigger != "" && e.Expression != "":
		return fmt.Sprintf("trigger %s: expression %q: %v", e.Trigger, e.Expression, e.Err)
	case e.Expression != "":
		return fmt.Sprintf("trigger: expression %q: %v", e.Expression, e.Err)
	default:
		return fmt.Sprintf("trigger %s: %v", e.Trigger, e.Err)
	}
}

func (e *ConditionError) Unwrap() []error { return []error{ErrCondition, e.Err} }

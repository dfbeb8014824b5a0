package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStepFailed marks a run that stopped at a failing step or a failing
	// required trigger.
	ErrStepFailed = errors.New("engine: step failed")
	// ErrRunCancelled marks a run stopped at a step boundary by cancellation.
	ErrRunCancelled = errors.New("engine: run cancelled")
	// ErrUnknownGate is reported when a step names a gate nobody registered.
	ErrUnknownGate = errors.New("engine: unknown gate")
)

// RunError describes why a run did not complete.
type RunError struct {
	RunID   string
	Step    string
	Trigger string
	Err     error
}

func (e *RunError) Error() string {
	switch {
	case e.Trigger != "":
		return fmt.Sprintf("run %s: step %s: trigger %s: %v", e.RunID, e.Step, e.Trigger, e.Err)
	case e.Step != "":
		return fmt.Sprintf("run %s: step %s: %v", e.RunID, e.Step, e.Err)
	}
	return fmt.Sprintf("run %s: %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

package pipeline

import (
	"errors"
	"fmt"
)

// StageError wraps the error that ended a run with the stage it ended in.
// The stage's own typed error stays reachable through errors.As.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage a run failed in, or "" when err did not
// come from a run.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

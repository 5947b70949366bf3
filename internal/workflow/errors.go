package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("workflow: not found")

	// ErrConcurrentModification means the caller updated from a stale
	// version; reload and retry.
	ErrConcurrentModification = errors.New("workflow: concurrent modification")

	// ErrNothingToStop is the soft result of stopping a workflow with no
	// running executions.
	ErrNothingToStop = errors.New("workflow: nothing to stop")

	// ErrInvalid wraps construction and update validation failures.
	ErrInvalid = errors.New("workflow: invalid")
)

// StepError marks which step aborted a run.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

package api

import (
	"errors"
	"fmt"
	"strings"
)

// Failure causes recorded on runs.
const (
	CauseNoTransition     = "no transition matched"
	CauseBudgetExceeded   = "step budget exceeded"
	CauseDeadlineExceeded = "deadline exceeded"
	CauseUnknownKind      = "unknown step kind"
	CauseInterrupted      = "interrupted"
)

var (
	// ErrUnknownWorkflow is returned when a definition id or version does not exist.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidTransition means a step outcome matched no transition.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrBudgetExceeded means a run hit its step-execution ceiling.
	ErrBudgetExceeded = errors.New("step budget exceeded")

	// ErrConflict is returned by run stores when an update carries a stale
	// revision. The scheduler re-reads and retries.
	ErrConflict = errors.New("run revision conflict")

	// ErrCapability marks step execution failures.
	ErrCapability = errors.New("capability error")

	// ErrDeadlineExceeded marks a step attempt that ran past its timeout.
	ErrDeadlineExceeded = errors.New(CauseDeadlineExceeded)

	// ErrRunTerminal is returned when an operation needs a non-terminal run.
	ErrRunTerminal = errors.New("run is terminal")
)

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	DefinitionID string
	Problems     []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid workflow definition %q: %s", e.DefinitionID, e.Problems[0])
	}
	return fmt.Sprintf("invalid workflow definition %q: %d problems: %s",
		e.DefinitionID, len(e.Problems), strings.Join(e.Problems, "; "))
}

// IsValidationError returns (err, true) if err is or wraps a *ValidationError.
func IsValidationError(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// IsNotFound reports whether err means a missing definition or run.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownWorkflow) || errors.Is(err, ErrRunNotFound)
}

// CapabilityError describes a failed or timed out step attempt.
type CapabilityError struct {
	Kind     string
	Step     string
	Cause    string
	TimedOut bool
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("step %q (kind %q): %s", e.Step, e.Kind, e.Cause)
}

func (e *CapabilityError) Unwrap() []error {
	if e.TimedOut {
		return []error{ErrCapability, ErrDeadlineExceeded}
	}
	return []error{ErrCapability}
}

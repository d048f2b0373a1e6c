package domain

import (
	"fmt"
	"strings"
)

// DefinitionError reports a malformed or inconsistent protocol definition.
// Definitions that fail validation are rejected before any execution starts.
type DefinitionError struct {
	Protocol string
	Field    string
	Reason   string
}

func (e DefinitionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("definition %s: %s", e.Protocol, e.Reason)
	}
	return fmt.Sprintf("definition %s: %s: %s", e.Protocol, e.Field, e.Reason)
}

// ValidationError reports a single measurement failing its spec. Recoverable:
// the caller may retry with a corrected value; execution state is unchanged.
type ValidationError struct {
	Measurement string
	Field       string
	Reason      string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("measurement %s: %s: %s", e.Measurement, e.Field, e.Reason)
}

// SequenceError reports an attempt to advance before the required data for
// the current step was collected, or an out-of-order lifecycle call.
type SequenceError struct {
	PhaseID string
	StepID  string
	Missing []string
	Reason  string
}

func (e SequenceError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("step %s/%s: missing required measurements: %s", e.PhaseID, e.StepID, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("step %s/%s: %s", e.PhaseID, e.StepID, e.Reason)
}

// PreconditionError reports an attempt to start an execution without its
// required setup parameters.
type PreconditionError struct {
	Missing []string
	Reason  string
}

func (e PreconditionError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required parameters: %s", strings.Join(e.Missing, ", "))
	}
	return e.Reason
}

// TransitionError reports a lifecycle operation invoked in a state that does
// not permit it.
type TransitionError struct {
	From Status
	Op   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.From)
}

// EvaluationError wraps an unexpected failure inside statistics or acceptance
// evaluation. The execution transitions to Failed with the original error
// preserved for audit; it is never converted into a Fail verdict.
type EvaluationError struct {
	Op  string
	Err error
}

func (e EvaluationError) Error() string {
	return fmt.Sprintf("evaluation %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e EvaluationError) Unwrap() error { return e.Err }

// ConflictError reports an attempt to register an entity under an id that is
// already taken. Distinct from DefinitionError: the definition may be valid,
// the registration itself collides.
type ConflictError struct {
	Kind string
	ID   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s already registered", e.Kind, e.ID)
}

// ErrNotFound reports a missing execution or definition.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

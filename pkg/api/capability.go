package api

import (
	"context"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// OutcomeStatus classifies the result of a capability invocation.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
)

// Outcome is what a capability reports for one step attempt.
type Outcome struct {
	Status OutcomeStatus
	// Fields are merged into the run context on success.
	Fields map[string]any
	// Cause describes a failure.
	Cause string
}

// Succeeded returns a successful outcome carrying fields.
func Succeeded(fields map[string]any) Outcome {
	return Outcome{Status: OutcomeSucceeded, Fields: fields}
}

// Failed returns a failed outcome with the given cause.
func Failed(cause string) Outcome {
	return Outcome{Status: OutcomeFailed, Cause: cause}
}

// TimedOut returns a timeout outcome.
func TimedOut() Outcome {
	return Outcome{Status: OutcomeTimedOut, Cause: CauseDeadlineExceeded}
}

// Invocation is the input handed to a capability for one step attempt.
// Config and Context are copies; capabilities may read them freely.
type Invocation struct {
	RunID   string
	StepID  string
	Kind    string
	Attempt int
	Config  map[string]any
	Context map[string]any
}

// Capability executes steps of one kind.
//
// Invoke must be safe for concurrent use across runs and steps. The ctx is
// cancelled when the run is cancelled or the step deadline passes;
// implementations should return promptly when that happens.
type Capability interface {
	Invoke(ctx context.Context, inv Invocation) Outcome
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, inv Invocation) Outcome

func (f CapabilityFunc) Invoke(ctx context.Context, inv Invocation) Outcome {
	return f(ctx, inv)
}

// CapabilityOptions configure a registered capability.
type CapabilityOptions struct {
	// Timeout bounds each invocation of this kind. Zero uses the engine
	// default; a step's own Timeout takes precedence.
	Timeout time.Duration

	// ConfigSchema, when set, validates every step config of this kind at
	// publish time.
	ConfigSchema *jsonschema.Schema
}

// CapabilityOption mutates CapabilityOptions.
type CapabilityOption func(*CapabilityOptions)

// WithTimeout sets the per-kind invocation timeout.
func WithTimeout(d time.Duration) CapabilityOption {
	return func(o *CapabilityOptions) { o.Timeout = d }
}

// WithConfigSchema sets the JSON Schema that step configs must satisfy.
func WithConfigSchema(s *jsonschema.Schema) CapabilityOption {
	return func(o *CapabilityOptions) { o.ConfigSchema = s }
}

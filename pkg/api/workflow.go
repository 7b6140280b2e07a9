package api

import (
	"fmt"
	"time"
)

// Terminal is the transition target that completes a run successfully.
const Terminal = "$end"

// LatestVersion selects the most recently published definition version
// when passed to Engine.StartRun.
const LatestVersion = 0

// WorkflowState represents the lifecycle state of a run.
type WorkflowState string

const (
	StateCreated   WorkflowState = "CREATED"
	StatePending   WorkflowState = "PENDING"
	StateRunning   WorkflowState = "RUNNING"
	StateCompleted WorkflowState = "COMPLETED"
	StateFailed    WorkflowState = "FAILED"
	StateCancelled WorkflowState = "CANCELLED"
)

// IsTerminal reports whether no further step may be dispatched in state s.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// StepState represents the state of one step inside a run.
type StepState string

const (
	StepIdle      StepState = "IDLE"
	StepQueued    StepState = "QUEUED"
	StepRunning   StepState = "RUNNING"
	StepSucceeded StepState = "SUCCEEDED"
	StepFailed    StepState = "FAILED"
	StepSkipped   StepState = "SKIPPED"
)

// CanTransition reports whether a step may move from s to next.
//
// A single attempt always moves forward along IDLE -> QUEUED -> RUNNING ->
// {SUCCEEDED | FAILED}. A FAILED step may be queued again for a retry and a
// SUCCEEDED step may be queued again when a loop revisits it; both start a
// new attempt. SKIPPED is final.
func (s StepState) CanTransition(next StepState) bool {
	switch s {
	case StepIdle:
		return next == StepQueued || next == StepSkipped
	case StepQueued:
		return next == StepRunning
	case StepRunning:
		return next == StepSucceeded || next == StepFailed
	case StepFailed, StepSucceeded:
		return next == StepQueued
	default:
		return false
	}
}

// Duration is a time.Duration that encodes as Go duration text ("1m30s")
// in JSON and YAML documents.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// RetryPolicy controls how a failed step is retried.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry. Each later retry
// multiplies the delay by BackoffMultiplier (2.0 when <= 0), capped at
// MaxBackoff when it is positive.
type RetryPolicy struct {
	MaxAttempts       int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" toml:"max_attempts"`
	InitialBackoff    Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty" toml:"initial_backoff"`
	MaxBackoff        Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty" toml:"max_backoff"`
	BackoffMultiplier float64  `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty" toml:"backoff_multiplier"`
}

// Attempts returns the effective number of attempts, at least 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff before retry number n (1-indexed: n=1 is the
// first retry after the initial failure).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n <= 0 || p.InitialBackoff <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.InitialBackoff)
	for i := 1; i < n; i++ {
		delay *= multiplier
		if p.MaxBackoff > 0 && delay >= float64(p.MaxBackoff) {
			return p.MaxBackoff.Std()
		}
	}
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff.Std()
	}
	return time.Duration(delay)
}

// Transition is a directed, optionally conditional edge out of a step.
// An empty Condition always matches and must be the last transition.
type Transition struct {
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// IsDefault reports whether the transition has no condition.
func (t Transition) IsDefault() bool { return t.Condition == "" }

// Step is a unit of work inside a definition.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        string         `json:"kind" yaml:"kind"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Transitions []Transition   `json:"transitions,omitempty" yaml:"transitions,omitempty"`

	// Retry overrides the definition and engine retry policy for this step.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Timeout overrides the per-kind timeout for this step.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WorkflowDefinition describes a workflow as a graph of steps.
type WorkflowDefinition struct {
	ID      string          `json:"id" yaml:"id"`
	Version int             `json:"version,omitempty" yaml:"version,omitempty"`
	Name    string          `json:"name" yaml:"name"`
	Steps   map[string]Step `json:"steps" yaml:"steps"`

	// MaxSteps overrides the engine's per-run dispatch ceiling.
	MaxSteps int `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`

	// Retry overrides the engine's default retry policy for every step.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// ContextSchema is an optional JSON Schema that the initial context of
	// every run must satisfy.
	ContextSchema map[string]any `json:"context_schema,omitempty" yaml:"context_schema,omitempty"`
}

// Ref returns the {id, version} pair identifying d.
func (d WorkflowDefinition) Ref() DefinitionRef {
	return DefinitionRef{ID: d.ID, Version: d.Version}
}

// DefinitionRef binds a run to one exact definition version.
type DefinitionRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (r DefinitionRef) String() string {
	return fmt.Sprintf("%s@v%d", r.ID, r.Version)
}

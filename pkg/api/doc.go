// Package api contains the public types of the StateRail workflow engine:
// workflow definitions, run state, capabilities, errors and observers.
//
// Most users interact with the higher-level staterail package, which
// re-exports selected types and provides engine constructors. The api
// package is intended for capability authors, custom integrations and
// contributors extending the engine itself.
//
// # Workflow Definitions
//
// A WorkflowDefinition is a directed graph of named steps. Each Step has an
// opaque Kind that selects a Capability, an opaque Config handed to that
// capability, and an ordered list of Transitions. A transition either
// targets another step or the Terminal marker; its optional Condition is an
// expression over the run's variables such as
//
//	x > 0 && status == "ok"
//
// Transitions are tried in order and the first matching one fires. A
// transition without a condition always matches and must come last.
//
// Definitions are validated when they are submitted and are immutable once
// published. Publishing the same id again creates a new version; runs stay
// bound to the version they were started with.
//
// # Runs
//
// A Run executes one definition version. It owns a variable context that
// step outcomes update, a WorkflowState and a StepRecord per step holding
// the StepState and every Attempt. RunSnapshot is the read-only view
// returned by queries.
//
// # Capabilities
//
// A Capability executes steps of one kind and reports an Outcome:
// Succeeded with fields, Failed with a cause, or TimedOut. Capabilities
// receive a context that is cancelled on run cancellation or when the step
// deadline passes.
//
// # Observability
//
// The Observer interface reports run and step lifecycle events.
// LoggingObserver writes them through log/slog, BasicMetrics keeps simple
// counters, and NewCompositeObserver combines several observers.
package api

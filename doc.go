// Package staterail provides an embeddable workflow orchestration engine for
// Go.
//
// A workflow is a directed graph of steps. Each step names a capability kind
// and carries an opaque configuration; transitions between steps may be
// guarded by boolean conditions over the run's variables. The engine
// persists every run, dispatches one step at a time per run, retries
// failed steps according to their policy and resumes interrupted runs after
// a restart.
//
// # Core Concepts
//
//  1. Engine
//  2. FlowBuilder
//  3. Capability
//  4. LocalRunner and Bundle
//
// # Engine
//
// The Engine stores versioned workflow definitions and run state, and
// provides APIs to:
//   - publish definitions (validated once, immutable afterwards)
//   - start, cancel and wait for runs
//   - read run state and history
//   - recover runs left unfinished by a previous process
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend includes a matching task queue, so Start can run a pool of
// workers over it. Several processes may share one durable backend:
// optimistic run revisions keep them from overwriting each other, and a
// lease on the run keeps a step that one engine is executing away from the
// others until the lease expires.
//
// # FlowBuilder
//
// FlowBuilder is the fluent API for defining workflow graphs:
//
//	flow := staterail.New("order").
//	    Step("reserve", "http", map[string]any{"url": reserveURL}).
//	        WithRetry(staterail.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy()).
//	        Then("route").
//	    Step("route", "noop", nil).
//	        Branch(`total > 100`, "review", "ship").
//	    Step("review", "approval", nil).
//	        Then("ship").
//	    Step("ship", "http", map[string]any{"url": shipURL}).
//	        Then(staterail.End)
//
// Transitions are tried in order and the first match wins. A step without
// transitions ends the run when nothing else is queued. Conditions use the
// expr language, for example `status == "ok" && attempts < 3`.
//
// # Capability
//
// A Capability executes every step of one kind and reports an Outcome.
// Func and TypedStep adapt plain Go functions; RegisterBuiltins adds the
// bundled noop, set, fail, sleep and flaky kinds. Fields returned by a
// successful step are merged into the run's variables and are visible to
// the conditions of that step's transitions.
//
// # LocalRunner and Bundle
//
// LocalRunner bundles an in-memory engine, the builtin capabilities and a
// metrics observer for development and tests. OpenBundle builds an engine
// from a TOML configuration file and STATERAIL_* environment variables,
// which is how the staterail command wires its backend.
//
// # Observability
//
// Observers receive run and step lifecycle callbacks. NewLoggingObserver
// logs through log/slog, BasicMetrics keeps counters, and
// NewCompositeObserver combines them. Every run also keeps an append-only
// event history, available through Engine.RunHistory.
package staterail

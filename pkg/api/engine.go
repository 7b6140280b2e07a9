package api

import (
	"context"
	"time"
)

// Engine is the boundary API of the orchestration engine.
//
// Every mutating call is synchronous with respect to durable state: when it
// returns without error, the change has been written to the run or
// definition store.
type Engine interface {
	// RegisterCapability binds a step kind to the capability that executes it.
	// Registering the same kind twice is an error.
	RegisterCapability(kind string, c Capability, opts ...CapabilityOption) error

	// SubmitDefinition validates def and publishes it as the next version
	// of def.ID. def.Version must be zero; the engine assigns it.
	SubmitDefinition(ctx context.Context, def WorkflowDefinition) (DefinitionRef, error)

	// GetDefinition returns one published definition version.
	GetDefinition(ctx context.Context, id string, version int) (WorkflowDefinition, error)

	// LatestDefinition returns the highest published version of id.
	LatestDefinition(ctx context.Context, id string) (WorkflowDefinition, error)

	// StartRun creates a run of the given definition version (LatestVersion
	// selects the newest) and schedules it. The run is durably PENDING
	// when StartRun returns.
	StartRun(ctx context.Context, definitionID string, version int, initialContext map[string]any) (string, error)

	// CancelRun requests cancellation. It returns immediately; in-flight
	// steps are asked to stop. Cancelling a terminal run is a no-op.
	CancelRun(ctx context.Context, runID string) error

	// GetRunState returns a snapshot of the run.
	GetRunState(ctx context.Context, runID string) (*RunSnapshot, error)

	// ListRuns returns snapshots of runs matching filter, oldest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSnapshot, error)

	// RunHistory returns the run's events in order.
	RunHistory(ctx context.Context, runID string) ([]RunEvent, error)

	// WaitRun blocks until the run is terminal or ctx is done.
	WaitRun(ctx context.Context, runID string) (*RunSnapshot, error)

	// PurgeRuns deletes terminal runs that finished before the cutoff and
	// returns how many were removed.
	PurgeRuns(ctx context.Context, finishedBefore time.Time) (int, error)

	// Recover re-schedules PENDING and RUNNING runs found in the store,
	// typically after a process restart. It returns the number of runs
	// scheduled. Call it before Start.
	Recover(ctx context.Context) (int, error)

	// Start launches the worker pool that drives runs. It returns an error
	// if the pool is already running.
	Start(ctx context.Context) error

	// Stop cancels the worker pool and waits for workers to exit.
	Stop()
}

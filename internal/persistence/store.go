package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stevebraown/StateRail/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a definition id or version is not found.
	ErrDefinitionNotFound = api.ErrUnknownWorkflow

	// ErrRunNotFound is returned when a run is not found.
	ErrRunNotFound = api.ErrRunNotFound

	// ErrConflict is returned by UpdateRun when the stored revision differs
	// from the one the caller read.
	ErrConflict = api.ErrConflict

	// ErrRunExists is returned by CreateRun for a duplicate run id.
	ErrRunExists = errors.New("run already exists")
)

// DefinitionStore holds published workflow definitions. Versions of one id
// start at 1 and increase by one per SaveDefinition.
type DefinitionStore interface {
	// SaveDefinition stores def as the next version of def.ID and returns it
	// with Version set. def.Version is ignored.
	SaveDefinition(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error)
	// GetDefinition returns one stored version.
	GetDefinition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error)
	// LatestDefinition returns the highest stored version of id.
	LatestDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error)
	// ListDefinitionVersions returns the stored versions of id in ascending order.
	ListDefinitionVersions(ctx context.Context, id string) ([]int, error)
}

// RunStore handles storage of runs.
//
// Run.Version is the optimistic revision. CreateRun stores revision 1.
// UpdateRun succeeds only if the stored revision equals run.Version; it then
// stores run with the next revision and updates run.Version in place.
// Events passed alongside a write are persisted atomically with it.
type RunStore interface {
	CreateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error
	UpdateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error
	GetRun(ctx context.Context, id string) (*api.Run, error)
	// ListRuns returns matching runs ordered by creation time, oldest first.
	ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error)
	// DeleteRuns removes terminal runs that finished before cutoff, together
	// with their events, and returns how many runs were removed.
	DeleteRuns(ctx context.Context, finishedBefore time.Time) (int, error)
}

// EventStore reads the append-only run history written by RunStore.
type EventStore interface {
	// ListEvents returns the events of a run in write order, with Seq
	// numbered from 1.
	ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error)
}

func definitionNotFound(id string, version int) error {
	if version <= 0 {
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return fmt.Errorf("%w: %s", ErrDefinitionNotFound, api.DefinitionRef{ID: id, Version: version})
}

func runNotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

func conflict(id string, expected int64) error {
	return fmt.Errorf("%w: run %s at revision %d", ErrConflict, id, expected)
}

// numberEvents stamps run ids and 1-based sequence numbers on events read
// back from a store.
func numberEvents(runID string, events []api.RunEvent) []api.RunEvent {
	for i := range events {
		events[i].RunID = runID
		events[i].Seq = int64(i + 1)
	}
	return events
}

func finishedAt(run *api.Run) *time.Time {
	if run.FinishedAt == nil {
		return nil
	}
	t := run.FinishedAt.UTC()
	return &t
}

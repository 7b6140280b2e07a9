package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stevebraown/StateRail/pkg/api"
)

// The checks below run against every Persistence implementation. Each one
// expects empty stores.

func sampleDefinition(id string) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:   id,
		Name: "Order flow",
		Steps: map[string]api.Step{
			"A": {ID: "A", Kind: "set", Config: map[string]any{"values": map[string]any{"x": 5.0}},
				Transitions: []api.Transition{{To: "B"}}},
			"B": {ID: "B", Kind: "noop", Transitions: []api.Transition{
				{To: "C", Condition: "x > 0"},
				{To: api.Terminal},
			}},
			"C": {ID: "C", Kind: "noop", Timeout: api.Duration(2 * time.Second)},
		},
		Retry: &api.RetryPolicy{MaxAttempts: 2, InitialBackoff: api.Duration(10 * time.Millisecond)},
	}
}

func newTestRun(id, defID string, createdAt time.Time) *api.Run {
	return &api.Run{
		ID:         id,
		Definition: api.DefinitionRef{ID: defID, Version: 1},
		State:      api.StatePending,
		Context:    map[string]any{"name": "alice", "n": int64(5), "ratio": 1.5},
		Steps: map[string]*api.StepRecord{
			"A": {State: api.StepQueued},
			"B": {State: api.StepIdle},
		},
		Queue:     []api.QueueEntry{{StepID: "A"}},
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
}

func checkDefinitionVersions(t *testing.T, p Persistence) {
	t.Helper()
	ctx := context.Background()

	_, err := p.Definitions.LatestDefinition(ctx, "orders")
	require.ErrorIs(t, err, ErrDefinitionNotFound)

	v1, err := p.Definitions.SaveDefinition(ctx, sampleDefinition("orders"))
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)

	second := sampleDefinition("orders")
	second.Name = "Order flow v2"
	v2, err := p.Definitions.SaveDefinition(ctx, second)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)

	latest, err := p.Definitions.LatestDefinition(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
	require.Equal(t, "Order flow v2", latest.Name)

	first, err := p.Definitions.GetDefinition(ctx, "orders", 1)
	require.NoError(t, err)
	require.Equal(t, "Order flow", first.Name)

	versions, err := p.Definitions.ListDefinitionVersions(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, versions)

	_, err = p.Definitions.GetDefinition(ctx, "orders", 3)
	require.ErrorIs(t, err, ErrDefinitionNotFound)
	require.True(t, api.IsNotFound(err))

	_, err = p.Definitions.ListDefinitionVersions(ctx, "missing")
	require.ErrorIs(t, err, ErrDefinitionNotFound)
}

func checkDefinitionRoundTrip(t *testing.T, p Persistence) {
	t.Helper()
	ctx := context.Background()

	saved, err := p.Definitions.SaveDefinition(ctx, sampleDefinition("roundtrip"))
	require.NoError(t, err)

	got, err := p.Definitions.GetDefinition(ctx, "roundtrip", saved.Version)
	require.NoError(t, err)

	want, err := json.Marshal(saved)
	require.NoError(t, err)
	have, err := json.Marshal(got)
	require.NoError(t, err)
	require.Equal(t, string(want), string(have))
	require.Equal(t, api.Duration(2*time.Second), got.Steps["C"].Timeout)
}

func checkRunLifecycle(t *testing.T, p Persistence) {
	t.Helper()
	ctx := context.Background()

	created := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	run := newTestRun("run-1", "orders", created)
	require.NoError(t, p.Runs.CreateRun(ctx, run, []api.RunEvent{
		{At: created, Type: api.EventRunCreated},
	}))
	require.Equal(t, int64(1), run.Version)

	err := p.Runs.CreateRun(ctx, newTestRun("run-1", "orders", created), nil)
	require.ErrorIs(t, err, ErrRunExists)

	got, err := p.Runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, api.StatePending, got.State)
	require.Equal(t, run.Definition, got.Definition)
	require.Equal(t, "alice", got.Context["name"])
	require.EqualValues(t, 5, got.Context["n"])
	require.Equal(t, 1.5, got.Context["ratio"])
	require.Equal(t, api.StepQueued, got.Steps["A"].State)
	require.Len(t, got.Queue, 1)
	require.Equal(t, "A", got.Queue[0].StepID)
	require.True(t, got.CreatedAt.Equal(created), "created_at %v != %v", got.CreatedAt, created)

	// Advance with the revision we read.
	got.State = api.StateRunning
	got.Dispatches = 1
	leaseUntil := time.Now().Add(30 * time.Second).Truncate(time.Millisecond).UTC()
	got.Lease = &api.Lease{Owner: "engine-1", ExpiresAt: leaseUntil}
	require.NoError(t, p.Runs.UpdateRun(ctx, got, []api.RunEvent{
		{At: time.Now(), Type: api.EventRunStarted},
	}))
	require.Equal(t, int64(2), got.Version)

	// A writer still holding revision 1 loses.
	stale := run.Clone()
	stale.State = api.StateCancelled
	err = p.Runs.UpdateRun(ctx, stale, nil)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, int64(1), stale.Version)

	reread, err := p.Runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, api.StateRunning, reread.State)
	require.Equal(t, 1, reread.Dispatches)
	require.Equal(t, int64(2), reread.Version)
	require.NotNil(t, reread.Lease)
	require.Equal(t, "engine-1", reread.Lease.Owner)
	require.True(t, reread.Lease.ExpiresAt.Equal(leaseUntil), "lease expiry %v != %v", reread.Lease.ExpiresAt, leaseUntil)

	_, err = p.Runs.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)

	ghost := newTestRun("ghost", "orders", created)
	ghost.Version = 1
	err = p.Runs.UpdateRun(ctx, ghost, nil)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func checkEvents(t *testing.T, p Persistence) {
	t.Helper()
	ctx := context.Background()

	now := time.Now()
	run := newTestRun("run-ev", "orders", now)
	require.NoError(t, p.Runs.CreateRun(ctx, run, []api.RunEvent{
		{At: now, Type: api.EventRunCreated},
	}))
	run.State = api.StateRunning
	require.NoError(t, p.Runs.UpdateRun(ctx, run, []api.RunEvent{
		{At: now, Type: api.EventRunStarted},
		{At: now, Type: api.EventStepStarted, Step: "A", Attempt: 1},
	}))
	require.NoError(t, p.Runs.UpdateRun(ctx, run, []api.RunEvent{
		{At: now, Type: api.EventStepFailed, Step: "A", Attempt: 1, Detail: "boom"},
	}))
	// A write that loses the revision check adds no events.
	stale := run.Clone()
	stale.Version = 1
	require.ErrorIs(t, p.Runs.UpdateRun(ctx, stale, []api.RunEvent{
		{At: now, Type: api.EventRunCancelled},
	}), ErrConflict)

	events, err := p.Events.ListEvents(ctx, "run-ev")
	require.NoError(t, err)
	require.Len(t, events, 4)

	wantTypes := []api.EventType{api.EventRunCreated, api.EventRunStarted, api.EventStepStarted, api.EventStepFailed}
	for i, ev := range events {
		require.Equal(t, wantTypes[i], ev.Type)
		require.Equal(t, int64(i+1), ev.Seq)
		require.Equal(t, "run-ev", ev.RunID)
	}
	require.Equal(t, "A", events[3].Step)
	require.Equal(t, 1, events[3].Attempt)
	require.Equal(t, "boom", events[3].Detail)

	_, err = p.Events.ListEvents(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func checkListRuns(t *testing.T, p Persistence) {
	t.Helper()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	specs := []struct {
		id    string
		def   string
		state api.WorkflowState
	}{
		{"r1", "orders", api.StatePending},
		{"r2", "billing", api.StatePending},
		{"r3", "orders", api.StateRunning},
		{"r4", "orders", api.StatePending},
	}
	for i, sp := range specs {
		run := newTestRun(sp.id, sp.def, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, p.Runs.CreateRun(ctx, run, nil))
		if sp.state != api.StatePending {
			run.State = sp.state
			require.NoError(t, p.Runs.UpdateRun(ctx, run, nil))
		}
	}

	ids := func(runs []*api.Run) []string {
		out := make([]string, len(runs))
		for i, r := range runs {
			out[i] = r.ID
		}
		return out
	}

	all, err := p.Runs.ListRuns(ctx, api.RunFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2", "r3", "r4"}, ids(all))

	orders, err := p.Runs.ListRuns(ctx, api.RunFilter{DefinitionID: "orders"})
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r3", "r4"}, ids(orders))

	pending, err := p.Runs.ListRuns(ctx, api.RunFilter{DefinitionID: "orders", State: api.StatePending})
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r4"}, ids(pending))

	running, err := p.Runs.ListRuns(ctx, api.RunFilter{State: api.StateRunning})
	require.NoError(t, err)
	require.Equal(t, []string{"r3"}, ids(running))
	require.Equal(t, int64(2), running[0].Version)

	limited, err := p.Runs.ListRuns(ctx, api.RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, ids(limited))

	none, err := p.Runs.ListRuns(ctx, api.RunFilter{DefinitionID: "nothing"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func checkDeleteRuns(t *testing.T, p Persistence) {
	t.Helper()
	ctx := context.Background()

	now := time.Now()
	finish := func(id string, at time.Time) {
		run := newTestRun(id, "orders", at.Add(-time.Minute))
		require.NoError(t, p.Runs.CreateRun(ctx, run, []api.RunEvent{{At: at, Type: api.EventRunCreated}}))
		run.State = api.StateCompleted
		done := at.UTC()
		run.FinishedAt = &done
		require.NoError(t, p.Runs.UpdateRun(ctx, run, []api.RunEvent{{At: at, Type: api.EventRunCompleted}}))
	}
	finish("old", now.Add(-2*time.Hour))
	finish("recent", now.Add(-time.Minute))
	require.NoError(t, p.Runs.CreateRun(ctx, newTestRun("active", "orders", now.Add(-3*time.Hour)), nil))

	n, err := p.Runs.DeleteRuns(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = p.Runs.GetRun(ctx, "old")
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = p.Events.ListEvents(ctx, "old")
	require.True(t, errors.Is(err, ErrRunNotFound), "events of a purged run must be gone, got %v", err)

	for _, id := range []string{"recent", "active"} {
		_, err := p.Runs.GetRun(ctx, id)
		require.NoError(t, err, id)
	}

	remaining, err := p.Runs.ListRuns(ctx, api.RunFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

// runContract runs every check, each against fresh stores from newStores.
func runContract(t *testing.T, newStores func(t *testing.T) Persistence) {
	t.Run("DefinitionVersions", func(t *testing.T) { checkDefinitionVersions(t, newStores(t)) })
	t.Run("DefinitionRoundTrip", func(t *testing.T) { checkDefinitionRoundTrip(t, newStores(t)) })
	t.Run("RunLifecycle", func(t *testing.T) { checkRunLifecycle(t, newStores(t)) })
	t.Run("Events", func(t *testing.T) { checkEvents(t, newStores(t)) })
	t.Run("ListRuns", func(t *testing.T) { checkListRuns(t, newStores(t)) })
	t.Run("DeleteRuns", func(t *testing.T) { checkDeleteRuns(t, newStores(t)) })
}

package staterail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stevebraown/StateRail/internal/logging"
)

func branchFlow() *FlowBuilder {
	return New("localrunner-branch").
		Step("start", "noop", nil).
		Then("route").
		Step("route", "noop", nil).
		Branch("x > 0", "positive", "negative").
		Step("positive", "set", map[string]any{"fields": map[string]any{"sign": "+"}}).
		Then(End).
		Step("negative", "set", map[string]any{"fields": map[string]any{"sign": "-"}}).
		Then(End)
}

// TestLocalRunner_SyncAndAsync verifies that LocalRunner runs workflows
// both through Run, which waits, and StartAsync followed by WaitRun.
func TestLocalRunner_SyncAndAsync(t *testing.T) {
	ctx := testContext(t)

	runner, err := NewLocalRunner(Options{Workers: 2, Logger: logging.NewForTest()})
	require.NoError(t, err)

	flow := branchFlow()
	flow.MustPublish(ctx, runner.Engine)

	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	// --- Synchronous run ---

	snap, err := runner.Run(ctx, flow.ID(), map[string]any{"x": 5})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, "+", snap.Context["sign"])
	require.Equal(t, StepSkipped, snap.Steps["negative"].State)

	// --- Asynchronous run ---

	runID, err := runner.StartAsync(ctx, flow.ID(), map[string]any{"x": -1})
	require.NoError(t, err)

	snap, err = runner.Engine.WaitRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, "-", snap.Context["sign"])

	require.Eventually(t, func() bool {
		return runner.Metrics.Snapshot().RunsCompleted == 2
	}, 5*time.Second, 5*time.Millisecond)

	m := runner.Metrics.Snapshot()
	require.Equal(t, int64(2), m.RunsStarted)
	require.Equal(t, int64(2), m.RunsCompleted)
	require.Equal(t, int64(0), m.ActiveRuns)
	require.Equal(t, int64(6), m.StepsSucceeded)
}

func TestLocalRunner_StartTwiceFails(t *testing.T) {
	runner, err := NewLocalRunner(Options{Logger: logging.NewForTest()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	require.Error(t, runner.Start(ctx))

	runner.Stop()
	runner.Stop() // idempotent
}

func TestLocalRunner_ForwardsToCallerObserver(t *testing.T) {
	ctx := testContext(t)

	own := &BasicMetrics{}
	runner, err := NewLocalRunner(Options{Observer: own, Logger: logging.NewForTest()})
	require.NoError(t, err)

	flow := New("localrunner-observer").
		Step("fail", "fail", map[string]any{"message": "boom"}).
		WithRetry(Retry(1).Policy())
	flow.MustPublish(ctx, runner.Engine)

	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	snap, err := runner.Run(ctx, flow.ID(), nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, snap.State)
	require.Contains(t, snap.Cause, "boom")

	require.Eventually(t, func() bool {
		return own.Snapshot().RunsFailed == 1 && runner.Metrics.Snapshot().RunsFailed == 1
	}, 5*time.Second, 5*time.Millisecond)
}

package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The checks below run against every Queue implementation. Each one expects
// an empty queue.

func checkFIFO(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, q.Enqueue(ctx, NewAdvanceTask(id, time.Time{})))
		// Distinct enqueue times keep the ordering unambiguous.
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"run-1", "run-2", "run-3"} {
		got, err := dequeueWithin(q, time.Second)
		require.NoError(t, err)
		require.Equal(t, want, got.RunID)
		require.Equal(t, TaskTypeAdvanceRun, got.Type)
	}
	require.Equal(t, 0, q.Len())
}

func checkDedupByID(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, NewAdvanceTask("run-dup", time.Time{})))
	require.NoError(t, q.Enqueue(ctx, NewAdvanceTask("run-dup", time.Time{})))
	require.Equal(t, 1, q.Len())

	got, err := dequeueWithin(q, time.Second)
	require.NoError(t, err)
	require.Equal(t, "run-dup", got.ID)

	// Once dequeued, the id may be queued again.
	require.NoError(t, q.Enqueue(ctx, NewAdvanceTask("run-dup", time.Time{})))
	require.Equal(t, 1, q.Len())
	_, err = dequeueWithin(q, time.Second)
	require.NoError(t, err)
}

func checkDuplicateKeepsEarlierNotBefore(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, NewAdvanceTask("parked", time.Now().Add(time.Hour))))
	// A later duplicate does not push the task back, an earlier one pulls it
	// forward.
	require.NoError(t, q.Enqueue(ctx, NewAdvanceTask("parked", time.Now().Add(2*time.Hour))))
	require.NoError(t, q.Enqueue(ctx, NewAdvanceTask("parked", time.Time{})))
	require.Equal(t, 1, q.Len())

	got, err := dequeueWithin(q, time.Second)
	require.NoError(t, err)
	require.Equal(t, "parked", got.RunID)
	require.Equal(t, 0, q.Len())
}

func checkNotBefore(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	delay := 150 * time.Millisecond
	start := time.Now()
	require.NoError(t, q.Enqueue(ctx, NewAdvanceTask("later", start.Add(delay))))
	require.NoError(t, q.Enqueue(ctx, NewAdvanceTask("now", time.Time{})))

	first, err := dequeueWithin(q, time.Second)
	require.NoError(t, err)
	require.Equal(t, "now", first.RunID)

	second, err := dequeueWithin(q, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "later", second.RunID)
	require.GreaterOrEqual(t, time.Since(start), delay)
}

func checkDequeueHonorsContext(t *testing.T, q Queue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func checkDequeueBlocksUntilEnqueue(t *testing.T, q Queue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *Task, 1)
	errs := make(chan error, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err != nil {
			errs <- err
			return
		}
		got <- task
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), NewAdvanceTask("wake", time.Time{})))

	select {
	case task := <-got:
		require.Equal(t, "wake", task.RunID)
	case err := <-errs:
		t.Fatalf("Dequeue failed: %v", err)
	case <-ctx.Done():
		t.Fatalf("Dequeue did not return after Enqueue")
	}
}

func dequeueWithin(q Queue, d time.Duration) (*Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Dequeue(ctx)
}

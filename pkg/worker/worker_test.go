package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stevebraown/StateRail/internal/taskqueue"
)

func TestWorker_ProcessOneReenqueuesFollowUp(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(10)

	var handled []string
	handler := HandlerFunc(func(ctx context.Context, task *taskqueue.Task) (*taskqueue.Task, error) {
		handled = append(handled, task.RunID)
		if len(handled) == 1 {
			next := taskqueue.NewAdvanceTask(task.RunID, time.Time{})
			return &next, nil
		}
		return nil, nil
	})
	w := New(handler, queue)

	if err := queue.Enqueue(ctx, taskqueue.NewAdvanceTask("run-1", time.Time{})); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("first ProcessOne: processed=%v err=%v", processed, err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected the follow-up task to be queued, len=%d", queue.Len())
	}

	processed, err = w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("second ProcessOne: processed=%v err=%v", processed, err)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected an empty queue, len=%d", queue.Len())
	}
	if len(handled) != 2 {
		t.Fatalf("expected 2 handled tasks, got %v", handled)
	}
}

func TestWorker_HandlerErrorKeepsTask(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(10)

	boom := errors.New("store unavailable")
	w := NewWithConfig(HandlerFunc(func(ctx context.Context, task *taskqueue.Task) (*taskqueue.Task, error) {
		return nil, boom
	}), queue, Config{ErrorBackoff: 20 * time.Millisecond})

	if err := queue.Enqueue(ctx, taskqueue.NewAdvanceTask("run-1", time.Time{})); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if !processed || !errors.Is(err, boom) {
		t.Fatalf("expected processed with handler error, got processed=%v err=%v", processed, err)
	}
	if queue.Len() != 1 {
		t.Fatalf("failed task must be requeued, len=%d", queue.Len())
	}

	// The retry is delayed by the error backoff.
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	task, err := queue.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if task.RunID != "run-1" {
		t.Fatalf("unexpected task %+v", task)
	}
	if waited := time.Since(start); waited < 10*time.Millisecond {
		t.Fatalf("expected the retry to be delayed, waited %v", waited)
	}
}

func TestWorker_ProcessOneHonorsContext(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue(10)
	w := New(HandlerFunc(func(ctx context.Context, task *taskqueue.Task) (*taskqueue.Task, error) {
		t.Fatalf("handler must not be called")
		return nil, nil
	}), queue)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	processed, err := w.ProcessOne(ctx)
	if processed {
		t.Fatalf("nothing should have been processed")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWorker_FollowUpSurvivesCancellation(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue(10)
	ctx, cancel := context.WithCancel(context.Background())

	w := New(HandlerFunc(func(hctx context.Context, task *taskqueue.Task) (*taskqueue.Task, error) {
		// Shutdown begins while the task is being handled.
		cancel()
		next := taskqueue.NewAdvanceTask(task.RunID, time.Time{})
		return &next, hctx.Err()
	}), queue)

	if err := queue.Enqueue(context.Background(), taskqueue.NewAdvanceTask("run-1", time.Time{})); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("expected the task to be processed")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the handler error to be returned, got %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("the follow-up task must be queued despite cancellation, len=%d", queue.Len())
	}
}

func TestWorker_RunDrainsQueueUntilCancelled(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue(10)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		done = make(chan struct{})
	)
	handler := HandlerFunc(func(ctx context.Context, task *taskqueue.Task) (*taskqueue.Task, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[task.RunID]++
		// Each run needs three rounds.
		if seen[task.RunID] < 3 {
			next := taskqueue.NewAdvanceTask(task.RunID, time.Time{})
			return &next, nil
		}
		if len(seen) == 3 && seen["a"] == 3 && seen["b"] == 3 && seen["c"] == 3 {
			close(done)
		}
		return nil, nil
	})

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Enqueue(context.Background(), taskqueue.NewAdvanceTask(id, time.Time{})); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- New(handler, queue).Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("worker did not finish all runs, seen=%v", seen)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}

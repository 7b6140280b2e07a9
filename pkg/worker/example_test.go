package worker_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stevebraown/StateRail/internal/taskqueue"
	"github.com/stevebraown/StateRail/pkg/worker"
)

// ExampleWorker drives a task by hand. The handler asks for the same run to
// be advanced twice more, then reports it finished.
func ExampleWorker() {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(16)

	cycles := 0
	handler := worker.HandlerFunc(func(ctx context.Context, t *taskqueue.Task) (*taskqueue.Task, error) {
		cycles++
		fmt.Printf("advance %s (cycle %d)\n", t.RunID, cycles)
		if cycles == 3 {
			return nil, nil
		}
		next := taskqueue.NewAdvanceTask(t.RunID, time.Time{})
		return &next, nil
	})

	w := worker.NewWithConfig(handler, queue, worker.Config{ErrorBackoff: 10 * time.Millisecond})

	if err := queue.Enqueue(ctx, taskqueue.NewAdvanceTask("run-1", time.Time{})); err != nil {
		log.Fatal(err)
	}

	// Engine.Start normally runs this loop in a pool of goroutines.
	for queue.Len() > 0 {
		if _, err := w.ProcessOne(ctx); err != nil {
			log.Fatal(err)
		}
	}

	// Output:
	// advance run-1 (cycle 1)
	// advance run-1 (cycle 2)
	// advance run-1 (cycle 3)
}

// Package taskqueue provides the queues that feed the scheduler's worker
// pool.
//
// Every active run owns exactly one task. A worker dequeues it, advances the
// run by one dispatch cycle and enqueues it again at the tail, so runs make
// progress round-robin. Tasks are keyed by run id: enqueueing a task whose
// id is already queued only moves the queued task's NotBefore earlier, never
// later.
package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeAdvanceRun asks a worker to run one dispatch cycle of a run.
	TaskTypeAdvanceRun TaskType = "advance-run"
)

// Task represents a unit of work for the worker pool.
type Task struct {
	// ID is the deduplication key; the scheduler uses the run id.
	ID    string   `msgpack:"id"`
	Type  TaskType `msgpack:"type"`
	RunID string   `msgpack:"run_id"`

	EnqueuedAt time.Time `msgpack:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time `msgpack:"not_before"`
}

// NewAdvanceTask returns the task that advances runID no earlier than
// notBefore.
func NewAdvanceTask(runID string, notBefore time.Time) Task {
	return Task{
		ID:        runID,
		Type:      TaskTypeAdvanceRun,
		RunID:     runID,
		NotBefore: notBefore,
	}
}

// Queue is a task queue ordered by NotBefore, then enqueue order.
type Queue interface {
	// Enqueue adds a task to the queue. If a task with the same ID is already
	// queued, the queued task keeps the earlier of the two NotBefore times.
	// It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// stamp fills the enqueue time and defaults NotBefore to it.
func stamp(t Task, now time.Time) Task {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	if t.Type == "" {
		t.Type = TaskTypeAdvanceRun
	}
	return t
}

// idleWait blocks for d or until ctx is done.
func idleWait(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()
	return tmr
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stevebraown/StateRail/internal/taskqueue"
)

// Handler processes one dequeued task.
//
// It returns the task to enqueue next, or nil when the task is finished.
// A non-nil error is logged by the worker; the returned task is enqueued
// regardless.
type Handler interface {
	HandleTask(ctx context.Context, t *taskqueue.Task) (*taskqueue.Task, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *taskqueue.Task) (*taskqueue.Task, error)

func (f HandlerFunc) HandleTask(ctx context.Context, t *taskqueue.Task) (*taskqueue.Task, error) {
	return f(ctx, t)
}

// Config controls worker behaviour.
type Config struct {
	// Logger receives task errors. Defaults to slog.Default().
	Logger *slog.Logger

	// ErrorBackoff delays a task whose handler failed without returning a
	// follow-up, and pauses the loop after a queue error. Defaults to 1s.
	ErrorBackoff time.Duration
}

// Worker pulls tasks from a Queue and executes them with a Handler.
type Worker struct {
	handler Handler
	queue   taskqueue.Queue
	cfg     Config
}

// New creates a new Worker with default configuration.
func New(handler Handler, queue taskqueue.Queue) *Worker {
	return NewWithConfig(handler, queue, Config{})
}

// NewWithConfig creates a new Worker with explicit configuration.
func NewWithConfig(handler Handler, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		handler: handler,
		queue:   queue,
		cfg:     cfg,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error
//     (the context error when ctx was cancelled).
//   - processed == true: a task was handled; err reports a handler or
//     re-enqueue failure.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	next, handleErr := w.handler.HandleTask(ctx, task)
	if handleErr != nil && next == nil {
		// Keep the task alive so the work is retried later.
		retry := *task
		retry.EnqueuedAt = time.Time{}
		retry.NotBefore = time.Now().Add(w.cfg.ErrorBackoff)
		next = &retry
	}
	if next != nil {
		// The follow-up must survive a shutting-down context, otherwise the
		// run would lose its only task.
		enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		enqueueErr := w.queue.Enqueue(enqueueCtx, *next)
		cancel()
		if enqueueErr != nil {
			return true, errors.Join(handleErr, enqueueErr)
		}
	}
	return true, handleErr
}

// Run processes tasks until ctx is cancelled. Errors are logged and do not
// stop the loop. It returns nil once ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		w.cfg.Logger.ErrorContext(ctx, "worker_task_failed",
			slog.Bool("processed", processed),
			slog.Any("error", err),
		)
		if !processed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.ErrorBackoff):
			}
		}
	}
}

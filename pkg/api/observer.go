package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run execution. The *Run passed to a
// callback must be treated as read-only.
type Observer interface {
	// OnRunStart is called when a run moves from PENDING to RUNNING.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunCompleted is called when a run reaches StateCompleted.
	OnRunCompleted(ctx context.Context, run *Run)

	// OnRunFailed is called when a run reaches StateFailed.
	OnRunFailed(ctx context.Context, run *Run, err error)

	// OnRunCancelled is called when a run reaches StateCancelled.
	OnRunCancelled(ctx context.Context, run *Run)

	// OnStepStart is called before invoking a capability.
	OnStepStart(ctx context.Context, run *Run, stepID string, attempt int)

	// OnStepCompleted is called after a capability returns, for every
	// outcome status.
	OnStepCompleted(ctx context.Context, run *Run, stepID string, attempt int, out Outcome, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)                        {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *Run)                    {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *Run, err error)            {}
func (NoopObserver) OnRunCancelled(ctx context.Context, run *Run)                    {}
func (NoopObserver) OnStepStart(ctx context.Context, run *Run, stepID string, n int) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *Run, stepID string, n int, out Outcome, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunCancelled(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCancelled(ctx, run)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *Run, stepID string, n int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepID, n)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *Run, stepID string, n int, out Outcome, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepID, n, out, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("definition", run.Definition.String()),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("definition", run.Definition.String()),
		slog.String("run_id", run.ID),
		slog.Int("dispatches", run.Dispatches),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("definition", run.Definition.String()),
		slog.String("run_id", run.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunCancelled(ctx context.Context, run *Run) {
	o.Logger.WarnContext(ctx, "run_cancelled",
		slog.String("definition", run.Definition.String()),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *Run, stepID string, n int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("definition", run.Definition.String()),
		slog.String("run_id", run.ID),
		slog.String("step", stepID),
		slog.Int("attempt", n),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *Run, stepID string, n int, out Outcome, d time.Duration) {
	level := slog.LevelDebug
	if out.Status != OutcomeSucceeded {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("definition", run.Definition.String()),
		slog.String("run_id", run.ID),
		slog.String("step", stepID),
		slog.Int("attempt", n),
		slog.String("status", string(out.Status)),
		slog.Duration("duration", d),
		slog.String("cause", out.Cause),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	runsCancelled     atomic.Int64
	stepsSucceeded    atomic.Int64
	stepsFailed       atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsCancelled int64
	ActiveRuns    int64

	StepsSucceeded  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *Run) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *Run, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunCancelled(ctx context.Context, run *Run) {
	m.runsCancelled.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *Run, stepID string, n int, out Outcome, d time.Duration) {
	// Only successful steps count toward the average duration.
	if out.Status == OutcomeSucceeded {
		m.stepsSucceeded.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
		return
	}
	m.stepsFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	cancelled := m.runsCancelled.Load()
	steps := m.stepsSucceeded.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	// Runs cancelled while PENDING never started.
	active := started - completed - failed - cancelled
	if active < 0 {
		active = 0
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsCancelled:   cancelled,
		ActiveRuns:      active,
		StepsSucceeded:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		AvgStepDuration: avg,
	}
}

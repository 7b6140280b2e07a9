package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/stevebraown/StateRail/internal/definition"
	"github.com/stevebraown/StateRail/internal/persistence"
	"github.com/stevebraown/StateRail/internal/taskqueue"
	"github.com/stevebraown/StateRail/pkg/api"
)

// A run advances through dispatch cycles. Each cycle is driven by the run's
// single queue task:
//
//  1. claim: re-read the run, pop the first ready queue entry, check the
//     budget, mark the step RUNNING and persist.
//  2. invoke the capability outside any store transaction.
//  3. record: re-read the run, apply the outcome and the chosen transition,
//     persist.
//
// Both writes carry the revision they read. On ErrConflict the step is
// re-applied to a fresh copy, so concurrent writers such as CancelRun never
// lose updates.

// HandleTask implements worker.Handler.
func (e *engineImpl) HandleTask(ctx context.Context, t *taskqueue.Task) (*taskqueue.Task, error) {
	if t.Type != taskqueue.TaskTypeAdvanceRun {
		return nil, fmt.Errorf("unknown task type %q", t.Type)
	}

	next, reschedule, err := e.advance(ctx, t.RunID)
	if err != nil {
		retry := taskqueue.NewAdvanceTask(t.RunID, e.now().Add(e.errorBackoff()))
		return &retry, fmt.Errorf("advance run %s: %w", t.RunID, err)
	}
	if !reschedule {
		return nil, nil
	}
	follow := taskqueue.NewAdvanceTask(t.RunID, next)
	return &follow, nil
}

// dispatch is a claimed step attempt.
type dispatch struct {
	run      *api.Run
	compiled *definition.Compiled
	step     api.Step
	attempt  int
}

// advance runs one dispatch cycle. It reports whether the run needs another
// cycle and the earliest time it can make progress.
func (e *engineImpl) advance(ctx context.Context, runID string) (time.Time, bool, error) {
	d, next, reschedule, err := e.claim(ctx, runID)
	if err != nil || d == nil {
		return next, reschedule, err
	}

	out, duration := e.invoke(ctx, d)

	// During shutdown the invocation was cut short by us, not by the
	// capability. Record it with a context that outlives the pool.
	interrupted := ctx.Err() != nil && out.Status != api.OutcomeSucceeded
	recordCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	run, ended, runErr, err := e.record(recordCtx, d, out, interrupted)
	if err != nil {
		// The step stays RUNNING in the store; the next claim closes it
		// as interrupted.
		return time.Time{}, true, err
	}

	e.observer.OnStepCompleted(recordCtx, run, d.step.ID, d.attempt, out, duration)
	if ended {
		e.notifyRunEnd(recordCtx, run, runErr)
	}
	if run.State.IsTerminal() {
		return time.Time{}, false, nil
	}
	return time.Time{}, true, nil
}

// claim performs phase 1. A nil dispatch with reschedule=false means the run
// needs no more cycles.
//
// A RUNNING step under a live lease is being executed, by another engine
// sharing the store or by this one; claim backs off until the lease
// expires. A RUNNING step without a live lease was orphaned by a crash or a
// failed write and is closed as an interrupted attempt.
func (e *engineImpl) claim(ctx context.Context, runID string) (*dispatch, time.Time, bool, error) {
	for {
		run, err := e.runs.GetRun(ctx, runID)
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, time.Time{}, false, nil
		}
		if err != nil {
			return nil, time.Time{}, true, err
		}
		if run.State.IsTerminal() {
			return nil, time.Time{}, false, nil
		}

		compiled, err := e.compiledFor(ctx, run.Definition)
		if err != nil {
			return nil, time.Time{}, true, err
		}

		now := e.now().UTC()
		var events []api.RunEvent
		started := false
		if run.State == api.StatePending {
			run.State = api.StateRunning
			run.UpdatedAt = now
			events = append(events, api.RunEvent{At: now, Type: api.EventRunStarted})
			if err := e.queueStep(run, compiled.Entry, time.Time{}, now, &events); err != nil {
				return nil, time.Time{}, true, err
			}
			started = true
		}

		if e.leaseHeld(run, now) {
			return nil, run.Lease.ExpiresAt, true, nil
		}
		run.Lease = nil

		runErr, err := e.closeOrphans(run, compiled, now, &events)
		if err != nil {
			return nil, time.Time{}, true, err
		}

		var d *dispatch
		if !run.State.IsTerminal() {
			idx := readyIndex(run.Queue, now)
			switch {
			case idx < 0 && len(run.Queue) > 0:
				// Only delayed retries remain.
				if len(events) == 0 {
					return nil, earliest(run.Queue), true, nil
				}
			case idx < 0:
				e.finishRun(run, api.StateCompleted, "", now, &events)
			case run.Dispatches >= e.budget(compiled):
				e.finishRun(run, api.StateFailed, api.CauseBudgetExceeded, now, &events)
				runErr = fmt.Errorf("%w: %d dispatches", api.ErrBudgetExceeded, e.budget(compiled))
			default:
				d, err = e.startAttempt(run, compiled, idx, now, &events)
				if err != nil {
					return nil, time.Time{}, true, err
				}
			}
		}

		err = e.runs.UpdateRun(ctx, run, events)
		if errors.Is(err, persistence.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, time.Time{}, true, err
		}

		if started {
			e.observer.OnRunStart(ctx, run)
		}
		switch {
		case run.State.IsTerminal():
			e.notifyRunEnd(ctx, run, runErr)
			return nil, time.Time{}, false, nil
		case d != nil:
			e.observer.OnStepStart(ctx, run, d.step.ID, d.attempt)
			return d, time.Time{}, true, nil
		default:
			return nil, earliest(run.Queue), true, nil
		}
	}
}

// startAttempt pops queue entry idx and marks its step RUNNING.
func (e *engineImpl) startAttempt(run *api.Run, compiled *definition.Compiled, idx int, now time.Time, events *[]api.RunEvent) (*dispatch, error) {
	entry := run.Queue[idx]
	run.Queue = slices.Delete(run.Queue, idx, idx+1)
	step, ok := compiled.Step(entry.StepID)
	if !ok {
		return nil, fmt.Errorf("run %s: queued step %q not in %s", run.ID, entry.StepID, run.Definition)
	}
	rec := stepRecord(run, entry.StepID)
	if err := moveStep(rec, entry.StepID, api.StepRunning); err != nil {
		return nil, err
	}
	run.Dispatches++
	attempt := len(rec.Attempts) + 1
	rec.Attempts = append(rec.Attempts, api.Attempt{
		Number:    attempt,
		Status:    api.AttemptRunning,
		StartedAt: now,
	})
	run.UpdatedAt = now
	run.Lease = &api.Lease{Owner: e.cfg.Owner, ExpiresAt: now.Add(e.cfg.LeaseTTL)}
	*events = append(*events, api.RunEvent{At: now, Type: api.EventStepStarted, Step: entry.StepID, Attempt: attempt})
	return &dispatch{run: run, compiled: compiled, step: step, attempt: attempt}, nil
}

// leaseHeld reports whether a step of run is being executed right now: the
// run carries a live lease that is another engine's, or this engine's for an
// invocation still in flight.
func (e *engineImpl) leaseHeld(run *api.Run, now time.Time) bool {
	if !run.Lease.Live(now) {
		return false
	}
	if run.Lease.Owner != e.cfg.Owner {
		return true
	}
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[run.ID]
	return ok
}

// renewLease extends this engine's lease on a run every third of the lease
// TTL until ctx is done or the lease is lost.
func (e *engineImpl) renewLease(ctx context.Context, runID string) {
	ticker := time.NewTicker(e.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := e.extendLease(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("lease_renew_failed",
				slog.String("run_id", runID),
				slog.Any("error", err),
			)
			continue
		}
		if !held {
			e.logger.Warn("lease_lost", slog.String("run_id", runID))
			return
		}
	}
}

func (e *engineImpl) extendLease(ctx context.Context, runID string) (bool, error) {
	for {
		run, err := e.runs.GetRun(ctx, runID)
		if err != nil {
			return false, err
		}
		if run.State.IsTerminal() {
			return true, nil
		}
		if run.Lease == nil || run.Lease.Owner != e.cfg.Owner {
			return false, nil
		}
		run.Lease.ExpiresAt = e.now().UTC().Add(e.cfg.LeaseTTL)
		err = e.runs.UpdateRun(ctx, run, nil)
		if errors.Is(err, persistence.ErrConflict) {
			continue
		}
		return err == nil, err
	}
}

// closeOrphans fails every RUNNING step of run as interrupted and applies
// the retry policy. It returns the error that ended the run, if any.
func (e *engineImpl) closeOrphans(run *api.Run, compiled *definition.Compiled, now time.Time, events *[]api.RunEvent) (error, error) {
	ids := make([]string, 0)
	for id, rec := range run.Steps {
		if rec.State == api.StepRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var runErr error
	for _, id := range ids {
		if run.State.IsTerminal() {
			break
		}
		rec := run.Steps[id]
		if n := len(rec.Attempts); n > 0 {
			att := &rec.Attempts[n-1]
			att.Status = api.AttemptInterrupted
			att.Cause = api.CauseInterrupted
			att.FinishedAt = now
		}
		step, ok := compiled.Step(id)
		if !ok {
			return nil, fmt.Errorf("run %s: step %q not in %s", run.ID, id, run.Definition)
		}
		var err error
		runErr, err = e.applyFailure(run, compiled, step, len(rec.Attempts), api.CauseInterrupted, false, now, events)
		if err != nil {
			return nil, err
		}
		e.logger.Warn("step_interrupted",
			slog.String("run_id", run.ID),
			slog.String("step", id),
		)
	}
	return runErr, nil
}

// invoke performs phase 2. The run's lease is renewed while the capability
// runs.
func (e *engineImpl) invoke(ctx context.Context, d *dispatch) (api.Outcome, time.Duration) {
	invokeCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.inflightMu.Lock()
	e.inflight[d.run.ID] = cancel
	e.inflightMu.Unlock()
	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, d.run.ID)
		e.inflightMu.Unlock()
	}()

	inv := api.Invocation{
		RunID:   d.run.ID,
		StepID:  d.step.ID,
		Kind:    d.step.Kind,
		Attempt: d.attempt,
		Config:  api.CloneValues(d.step.Config),
		Context: api.CloneValues(d.run.Context),
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		e.renewLease(renewCtx, d.run.ID)
	}()
	defer func() {
		stopRenew()
		<-renewed
	}()

	start := time.Now()
	out := e.registry.Invoke(invokeCtx, inv, e.stepTimeout(d.step))
	return out, time.Since(start)
}

// record performs phase 3. It returns the saved run, whether this outcome
// ended it and the error that ended it.
func (e *engineImpl) record(ctx context.Context, d *dispatch, out api.Outcome, interrupted bool) (*api.Run, bool, error, error) {
	stepID := d.step.ID
	for {
		run, err := e.runs.GetRun(ctx, d.run.ID)
		if err != nil {
			return nil, false, nil, err
		}
		now := e.now().UTC()
		rec := stepRecord(run, stepID)
		att := findAttempt(rec, d.attempt)
		if att == nil {
			return nil, false, nil, fmt.Errorf("run %s: attempt %d of step %q not found", run.ID, d.attempt, stepID)
		}

		if att.Status != api.AttemptRunning {
			// Another engine closed the attempt as orphaned after this one
			// lost the lease. The outcome goes to the history only.
			err := e.runs.UpdateRun(ctx, run, []api.RunEvent{{
				At: now, Type: api.EventStepLate, Step: stepID, Attempt: d.attempt,
				Detail: string(out.Status),
			}})
			if errors.Is(err, persistence.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, false, nil, err
			}
			e.logger.Warn("step_outcome_superseded",
				slog.String("run_id", run.ID),
				slog.String("step", stepID),
				slog.Int("attempt", d.attempt),
			)
			return run, false, nil, nil
		}

		var (
			events []api.RunEvent
			runErr error
		)
		wasTerminal := run.State.IsTerminal()
		run.Lease = nil
		closeAttempt(att, out, now)

		switch {
		case wasTerminal:
			// The run ended (cancelled) while the step was in flight. Keep
			// the outcome for the record without reopening the run.
			att.Late = true
			if rec.State == api.StepRunning {
				next := api.StepFailed
				if out.Status == api.OutcomeSucceeded {
					next = api.StepSucceeded
				}
				rec.State = next
			}
			events = append(events, api.RunEvent{
				At: now, Type: api.EventStepLate, Step: stepID, Attempt: d.attempt,
				Detail: string(out.Status),
			})

		case interrupted:
			att.Status = api.AttemptInterrupted
			att.Cause = api.CauseInterrupted
			if err := moveStep(rec, stepID, api.StepFailed); err != nil {
				return nil, false, nil, err
			}
			events = append(events, api.RunEvent{
				At: now, Type: api.EventStepFailed, Step: stepID, Attempt: d.attempt, Detail: api.CauseInterrupted,
			})
			// Shutdown does not count against the retry policy; the step goes
			// back to the front of the queue.
			if err := moveStep(rec, stepID, api.StepQueued); err != nil {
				return nil, false, nil, err
			}
			run.Queue = append([]api.QueueEntry{{StepID: stepID}}, run.Queue...)
			events = append(events, api.RunEvent{At: now, Type: api.EventStepQueued, Step: stepID})

		case out.Status == api.OutcomeSucceeded:
			runErr, err = e.applySuccess(run, d.compiled, stepID, d.attempt, out, now, &events)
			if err != nil {
				return nil, false, nil, err
			}

		default:
			runErr, err = e.applyFailure(run, d.compiled, d.step, d.attempt, out.Cause, out.Status == api.OutcomeTimedOut, now, &events)
			if err != nil {
				return nil, false, nil, err
			}
		}

		run.UpdatedAt = now
		err = e.runs.UpdateRun(ctx, run, events)
		if errors.Is(err, persistence.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, nil, err
		}
		return run, !wasTerminal && run.State.IsTerminal(), runErr, nil
	}
}

func (e *engineImpl) applySuccess(run *api.Run, compiled *definition.Compiled, stepID string, attempt int, out api.Outcome, now time.Time, events *[]api.RunEvent) (error, error) {
	rec := stepRecord(run, stepID)
	if err := moveStep(rec, stepID, api.StepSucceeded); err != nil {
		return nil, err
	}
	rec.Failures = 0
	run.Context = api.MergeValues(run.Context, out.Fields)
	*events = append(*events, api.RunEvent{At: now, Type: api.EventStepSucceeded, Step: stepID, Attempt: attempt})

	decision, evalErr := Evaluate(compiled, stepID, out.Fields, run.Context)
	if evalErr != nil {
		e.finishRun(run, api.StateFailed, evalErr.Error(), now, events)
		return evalErr, nil
	}

	switch decision.Kind {
	case DecisionNext:
		if err := e.queueStep(run, decision.To, time.Time{}, now, events); err != nil {
			return nil, err
		}
		return nil, nil
	case DecisionTerminal:
		e.finishRun(run, api.StateCompleted, "", now, events)
		return nil, nil
	case DecisionLeaf:
		if len(run.Queue) == 0 {
			e.finishRun(run, api.StateCompleted, "", now, events)
		}
		return nil, nil
	default:
		e.finishRun(run, api.StateFailed, api.CauseNoTransition, now, events)
		return fmt.Errorf("%w: step %q: %s", api.ErrInvalidTransition, stepID, api.CauseNoTransition), nil
	}
}

// applyFailure marks the attempt's step FAILED and either queues a retry
// or fails the run.
func (e *engineImpl) applyFailure(run *api.Run, compiled *definition.Compiled, step api.Step, attempt int, cause string, timedOut bool, now time.Time, events *[]api.RunEvent) (error, error) {
	rec := stepRecord(run, step.ID)
	if err := moveStep(rec, step.ID, api.StepFailed); err != nil {
		return nil, err
	}
	rec.Failures++
	*events = append(*events, api.RunEvent{At: now, Type: api.EventStepFailed, Step: step.ID, Attempt: attempt, Detail: cause})

	policy := e.retryPolicy(compiled, step)
	if rec.Failures < policy.Attempts() {
		delay := policy.Delay(rec.Failures)
		if err := moveStep(rec, step.ID, api.StepQueued); err != nil {
			return nil, err
		}
		run.Queue = append(run.Queue, api.QueueEntry{StepID: step.ID, NotBefore: now.Add(delay)})
		*events = append(*events, api.RunEvent{
			At: now, Type: api.EventStepRetrying, Step: step.ID, Attempt: attempt,
			Detail: fmt.Sprintf("retry %d/%d in %s", rec.Failures, policy.Attempts()-1, delay),
		})
		return nil, nil
	}

	capErr := &api.CapabilityError{Kind: step.Kind, Step: step.ID, Cause: cause, TimedOut: timedOut}
	e.finishRun(run, api.StateFailed, capErr.Error(), now, events)
	return capErr, nil
}

// queueStep marks a step QUEUED for a new visit. A step that is already
// QUEUED or RUNNING is left alone: converging branches join.
func (e *engineImpl) queueStep(run *api.Run, stepID string, notBefore, now time.Time, events *[]api.RunEvent) error {
	rec := stepRecord(run, stepID)
	if rec.State == api.StepQueued || rec.State == api.StepRunning {
		return nil
	}
	if err := moveStep(rec, stepID, api.StepQueued); err != nil {
		return err
	}
	rec.Visits++
	rec.Failures = 0
	run.Queue = append(run.Queue, api.QueueEntry{StepID: stepID, NotBefore: notBefore})
	*events = append(*events, api.RunEvent{At: now, Type: api.EventStepQueued, Step: stepID})
	return nil
}

// finishRun moves run to a terminal state. Steps that were never queued
// are finalized SKIPPED.
func (e *engineImpl) finishRun(run *api.Run, state api.WorkflowState, cause string, now time.Time, events *[]api.RunEvent) {
	run.State = state
	run.Cause = cause
	run.FinishedAt = &now
	run.UpdatedAt = now
	run.Queue = nil

	ids := make([]string, 0, len(run.Steps))
	for id := range run.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := run.Steps[id]
		if rec.State == api.StepIdle {
			rec.State = api.StepSkipped
			*events = append(*events, api.RunEvent{At: now, Type: api.EventStepSkipped, Step: id})
		}
	}

	var typ api.EventType
	switch state {
	case api.StateCompleted:
		typ = api.EventRunCompleted
	case api.StateFailed:
		typ = api.EventRunFailed
	default:
		typ = api.EventRunCancelled
	}
	*events = append(*events, api.RunEvent{At: now, Type: typ, Detail: cause})
}

func (e *engineImpl) notifyRunEnd(ctx context.Context, run *api.Run, runErr error) {
	switch run.State {
	case api.StateCompleted:
		e.observer.OnRunCompleted(ctx, run)
	case api.StateFailed:
		if runErr == nil {
			runErr = errors.New(run.Cause)
		}
		e.observer.OnRunFailed(ctx, run, runErr)
	case api.StateCancelled:
		e.observer.OnRunCancelled(ctx, run)
	}
}

// Recover re-schedules runs left PENDING or RUNNING by a previous process.
// Attempts that were still running are closed as interrupted failures on
// the run's next claim once their lease has expired, and the retry policy
// decides whether the step runs again. Runs whose step another live engine
// holds are left to it.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	if e.running() {
		return 0, errors.New("recover must be called before Start")
	}

	n := 0
	for _, state := range []api.WorkflowState{api.StatePending, api.StateRunning} {
		runs, err := e.runs.ListRuns(ctx, api.RunFilter{State: state})
		if err != nil {
			return n, err
		}
		for _, run := range runs {
			if err := e.queue.Enqueue(ctx, taskqueue.NewAdvanceTask(run.ID, time.Time{})); err != nil {
				return n, fmt.Errorf("schedule run %s: %w", run.ID, err)
			}
			n++
		}
	}

	e.logger.InfoContext(ctx, "runs_recovered", slog.Int("count", n))
	return n, nil
}

func (e *engineImpl) budget(c *definition.Compiled) int {
	if c.Def.MaxSteps > 0 {
		return c.Def.MaxSteps
	}
	return e.cfg.StepBudget
}

func (e *engineImpl) retryPolicy(c *definition.Compiled, step api.Step) api.RetryPolicy {
	switch {
	case step.Retry != nil:
		return *step.Retry
	case c.Def.Retry != nil:
		return *c.Def.Retry
	default:
		return e.cfg.DefaultRetry
	}
}

func (e *engineImpl) stepTimeout(step api.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout.Std()
	}
	if d := e.registry.kindTimeout(step.Kind); d > 0 {
		return d
	}
	return e.cfg.DefaultStepTimeout
}

func stepRecord(run *api.Run, stepID string) *api.StepRecord {
	rec, ok := run.Steps[stepID]
	if !ok {
		rec = &api.StepRecord{State: api.StepIdle}
		run.Steps[stepID] = rec
	}
	return rec
}

func moveStep(rec *api.StepRecord, stepID string, next api.StepState) error {
	if !rec.State.CanTransition(next) {
		return fmt.Errorf("step %q: illegal state change %s -> %s", stepID, rec.State, next)
	}
	rec.State = next
	return nil
}

func findAttempt(rec *api.StepRecord, number int) *api.Attempt {
	for i := len(rec.Attempts) - 1; i >= 0; i-- {
		if rec.Attempts[i].Number == number {
			return &rec.Attempts[i]
		}
	}
	return nil
}

func closeAttempt(att *api.Attempt, out api.Outcome, now time.Time) {
	att.FinishedAt = now
	switch out.Status {
	case api.OutcomeSucceeded:
		att.Status = api.AttemptSucceeded
		att.Cause = ""
		att.Fields = api.CloneValues(out.Fields)
	case api.OutcomeTimedOut:
		att.Status = api.AttemptTimedOut
		att.Cause = out.Cause
	default:
		att.Status = api.AttemptFailed
		att.Cause = out.Cause
	}
}

// readyIndex returns the position of the first queue entry due at now, or
// -1.
func readyIndex(queue []api.QueueEntry, now time.Time) int {
	for i, q := range queue {
		if !q.NotBefore.After(now) {
			return i
		}
	}
	return -1
}

func earliest(queue []api.QueueEntry) time.Time {
	var t time.Time
	for i, q := range queue {
		if i == 0 || q.NotBefore.Before(t) {
			t = q.NotBefore
		}
	}
	return t
}

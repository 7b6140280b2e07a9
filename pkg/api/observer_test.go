package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts     int
	completes  int
	fails      int
	cancels    int
	stepStarts int
	stepDones  int

	lastRun     *Run
	lastErr     error
	lastStep    string
	lastAttempt int
	lastOutcome Outcome
	lastDur     time.Duration
}

func (o *testObserver) OnRunStart(ctx context.Context, run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastRun = run
}

func (o *testObserver) OnRunCompleted(ctx context.Context, run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
	o.lastRun = run
}

func (o *testObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastRun = run
	o.lastErr = err
}

func (o *testObserver) OnRunCancelled(ctx context.Context, run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels++
	o.lastRun = run
}

func (o *testObserver) OnStepStart(ctx context.Context, run *Run, stepID string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepStarts++
	o.lastStep = stepID
	o.lastAttempt = attempt
}

func (o *testObserver) OnStepCompleted(ctx context.Context, run *Run, stepID string, attempt int, out Outcome, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepDones++
	o.lastStep = stepID
	o.lastAttempt = attempt
	o.lastOutcome = out
	o.lastDur = d
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Copy to avoid reuse issues.
	cpy := slog.Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		cpy.AddAttrs(a)
		return true
	})
	h.records = append(h.records, cpy)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Not needed for tests; just return itself.
	return h
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	// Not needed for tests.
	return h
}

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestRun() *Run {
	return &Run{
		ID:         "run-123",
		Definition: DefinitionRef{ID: "wf-test", Version: 2},
		State:      StateRunning,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()
	var o Observer = NoopObserver{}

	// These calls should simply not panic.
	o.OnRunStart(ctx, run)
	o.OnRunCompleted(ctx, run)
	o.OnRunFailed(ctx, run, errors.New("boom"))
	o.OnRunCancelled(ctx, run)
	o.OnStepStart(ctx, run, "step-1", 1)
	o.OnStepCompleted(ctx, run, "step-1", 1, Succeeded(nil), time.Second)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil) // include a nil to ensure it is filtered

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestNewCompositeObserver_MultipleReturnsComposite(t *testing.T) {
	o1 := &testObserver{}
	o2 := &testObserver{}
	o := NewCompositeObserver(o1, o2)

	if _, ok := o.(*CompositeObserver); !ok {
		t.Fatalf("expected *CompositeObserver, got %T", o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("step failed")
	out := Failed("boom")
	co.OnRunStart(ctx, run)
	co.OnRunCompleted(ctx, run)
	co.OnRunFailed(ctx, run, err)
	co.OnRunCancelled(ctx, run)
	co.OnStepStart(ctx, run, "step-1", 1)
	co.OnStepCompleted(ctx, run, "step-1", 2, out, 2*time.Second)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.cancels != 1 || o.stepStarts != 1 || o.stepDones != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastRun != run {
			t.Fatalf("observer %d run mismatch", i+1)
		}
		if o.lastErr != err {
			t.Fatalf("observer %d fail error mismatch", i+1)
		}
		if o.lastStep != "step-1" || o.lastAttempt != 2 || o.lastOutcome.Cause != "boom" || o.lastDur != 2*time.Second {
			t.Fatalf("observer %d step mismatch: %+v", i+1, o)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnRunStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnRunStart(ctx, run)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}

	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "run_start" {
		t.Fatalf("expected message run_start, got %q", rec.Message)
	}

	attrs := attrsToMap(rec)
	if attrs["definition"] != "wf-test@v2" {
		t.Fatalf("expected definition=wf-test@v2, got %v", attrs["definition"])
	}
	if attrs["run_id"] != run.ID {
		t.Fatalf("expected run_id=%q, got %v", run.ID, attrs["run_id"])
	}
}

func TestLoggingObserver_RunEndLevels(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnRunCompleted(ctx, run)
	o.OnRunFailed(ctx, run, errors.New("boom"))
	o.OnRunCancelled(ctx, run)

	want := []struct {
		msg   string
		level slog.Level
	}{
		{"run_completed", slog.LevelInfo},
		{"run_failed", slog.LevelError},
		{"run_cancelled", slog.LevelWarn},
	}
	if len(h.records) != len(want) {
		t.Fatalf("expected %d log records, got %d", len(want), len(h.records))
	}
	for i, w := range want {
		if h.records[i].Message != w.msg || h.records[i].Level != w.level {
			t.Fatalf("record %d: expected %s at %v, got %s at %v",
				i, w.msg, w.level, h.records[i].Message, h.records[i].Level)
		}
	}
	if attrsToMap(h.records[1])["error"] == nil {
		t.Fatalf("expected error attribute on run_failed record")
	}
}

func TestLoggingObserver_OnStepCompleted_LevelDependsOnOutcome(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnStepCompleted(ctx, run, "step-ok", 1, Succeeded(nil), time.Second)
	o.OnStepCompleted(ctx, run, "step-fail", 3, Failed("boom"), 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}

	successRec := h.records[0]
	failRec := h.records[1]

	if successRec.Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", successRec.Level)
	}
	if failRec.Level != slog.LevelError {
		t.Fatalf("expected failure record LevelError, got %v", failRec.Level)
	}
	if successRec.Message != "step_completed" || failRec.Message != "step_completed" {
		t.Fatalf("expected step_completed messages, got %q and %q", successRec.Message, failRec.Message)
	}

	attrs := attrsToMap(failRec)
	if attrs["step"] != "step-fail" {
		t.Fatalf("expected step=step-fail, got %v", attrs["step"])
	}
	if attrs["attempt"] != int64(3) {
		t.Fatalf("expected attempt=3, got %v", attrs["attempt"])
	}
	if attrs["status"] != string(OutcomeFailed) || attrs["cause"] != "boom" {
		t.Fatalf("expected failed status with cause, got %v / %v", attrs["status"], attrs["cause"])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_RunCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics

	ctx := context.Background()
	run := newTestRun()

	// 4 started, 1 completed, 1 failed, 1 cancelled -> active = 1
	for i := 0; i < 4; i++ {
		m.OnRunStart(ctx, run)
	}
	m.OnRunCompleted(ctx, run)
	m.OnRunFailed(ctx, run, errors.New("fail"))
	m.OnRunCancelled(ctx, run)

	snap := m.Snapshot()

	if snap.RunsStarted != 4 {
		t.Fatalf("RunsStarted=%d, want 4", snap.RunsStarted)
	}
	if snap.RunsCompleted != 1 || snap.RunsFailed != 1 || snap.RunsCancelled != 1 {
		t.Fatalf("unexpected end counters: %+v", snap)
	}
	if snap.ActiveRuns != 1 {
		t.Fatalf("ActiveRuns=%d, want 1", snap.ActiveRuns)
	}
	// No step metrics yet.
	if snap.StepsSucceeded != 0 || snap.StepsFailed != 0 {
		t.Fatalf("expected no step metrics, got %+v", snap)
	}
	if snap.AvgStepDuration != 0 {
		t.Fatalf("AvgStepDuration=%v, want 0", snap.AvgStepDuration)
	}
}

func TestBasicMetrics_CancelledWhilePendingNeverGoesNegative(t *testing.T) {
	var m BasicMetrics
	m.OnRunCancelled(context.Background(), newTestRun())

	if got := m.Snapshot().ActiveRuns; got != 0 {
		t.Fatalf("ActiveRuns=%d, want 0", got)
	}
}

func TestBasicMetrics_OnStepCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	run := newTestRun()

	// two successful steps: 1s and 3s
	m.OnStepCompleted(ctx, run, "step-1", 1, Succeeded(nil), 1*time.Second)
	m.OnStepCompleted(ctx, run, "step-2", 1, Succeeded(nil), 3*time.Second)

	// a failing and a timed out step, should NOT affect the average
	m.OnStepCompleted(ctx, run, "step-3", 1, Failed("fail"), 10*time.Second)
	m.OnStepCompleted(ctx, run, "step-4", 1, TimedOut(), 10*time.Second)

	snap := m.Snapshot()

	if snap.StepsSucceeded != 2 {
		t.Fatalf("StepsSucceeded=%d, want 2", snap.StepsSucceeded)
	}
	if snap.StepsFailed != 2 {
		t.Fatalf("StepsFailed=%d, want 2", snap.StepsFailed)
	}

	wantAvg := 2 * time.Second // (1s + 3s) / 2
	if snap.AvgStepDuration != wantAvg {
		t.Fatalf("AvgStepDuration=%v, want %v", snap.AvgStepDuration, wantAvg)
	}
}

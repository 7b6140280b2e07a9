package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stevebraown/StateRail/pkg/api"
)

func quietConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return cfg
}

// newTestEngine returns an unstarted engine with the "noop" and "set"
// kinds registered.
func newTestEngine(t *testing.T, cfg Config) *engineImpl {
	t.Helper()
	e := newEngine(quietConfig(cfg))
	mustRegister(t, e, "noop", api.CapabilityFunc(func(ctx context.Context, inv api.Invocation) api.Outcome {
		return api.Succeeded(nil)
	}))
	mustRegister(t, e, "set", api.CapabilityFunc(func(ctx context.Context, inv api.Invocation) api.Outcome {
		fields, _ := inv.Config["fields"].(map[string]any)
		return api.Succeeded(fields)
	}))
	return e
}

func mustRegister(t *testing.T, e *engineImpl, kind string, c api.Capability, opts ...api.CapabilityOption) {
	t.Helper()
	if err := e.RegisterCapability(kind, c, opts...); err != nil {
		t.Fatalf("RegisterCapability(%q): %v", kind, err)
	}
}

func startEngine(t *testing.T, e *engineImpl) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
}

func mustSubmit(t *testing.T, e *engineImpl, def api.WorkflowDefinition) api.DefinitionRef {
	t.Helper()
	ref, err := e.SubmitDefinition(context.Background(), def)
	if err != nil {
		t.Fatalf("SubmitDefinition(%s): %v", def.ID, err)
	}
	return ref
}

func mustStart(t *testing.T, e *engineImpl, id string, vars map[string]any) string {
	t.Helper()
	runID, err := e.StartRun(context.Background(), id, api.LatestVersion, vars)
	if err != nil {
		t.Fatalf("StartRun(%s): %v", id, err)
	}
	return runID
}

func waitRun(t *testing.T, e *engineImpl, runID string) *api.RunSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.WaitRun(ctx, runID)
	if err != nil {
		t.Fatalf("WaitRun(%s): %v", runID, err)
	}
	return snap
}

func history(t *testing.T, e *engineImpl, runID string) []api.RunEvent {
	t.Helper()
	events, err := e.RunHistory(context.Background(), runID)
	if err != nil {
		t.Fatalf("RunHistory(%s): %v", runID, err)
	}
	return events
}

// dispatchOrder lists the steps in the order they were started.
func dispatchOrder(events []api.RunEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == api.EventStepStarted {
			out = append(out, ev.Step)
		}
	}
	return out
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noRetry() *api.RetryPolicy {
	return &api.RetryPolicy{MaxAttempts: 1}
}

// branchDefinition is A -> B -> (C if x > 0 | D otherwise) -> end.
func branchDefinition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:   "branch",
		Name: "branch",
		Steps: map[string]api.Step{
			"A": {Kind: "noop", Transitions: []api.Transition{{To: "B"}}},
			"B": {Kind: "noop", Transitions: []api.Transition{
				{To: "C", Condition: "x > 0"},
				{To: "D"},
			}},
			"C": {Kind: "noop", Transitions: []api.Transition{{To: api.Terminal}}},
			"D": {Kind: "noop", Transitions: []api.Transition{{To: api.Terminal}}},
		},
	}
}

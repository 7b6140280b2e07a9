package api

import (
	"errors"
	"testing"
	"time"
)

func sampleRun() *Run {
	finished := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Run{
		ID:         "r1",
		Definition: DefinitionRef{ID: "wf", Version: 1},
		State:      StateCompleted,
		Context: map[string]any{
			"user": map[string]any{"name": "ada"},
			"tags": []any{"a", "b"},
		},
		Steps: map[string]*StepRecord{
			"a": {State: StepSucceeded, Attempts: []Attempt{{Number: 1, Status: AttemptSucceeded, Fields: map[string]any{"x": 1}}}},
		},
		Queue:      []QueueEntry{{StepID: "a"}},
		FinishedAt: &finished,
		Lease:      &Lease{Owner: "engine-1", ExpiresAt: finished},
	}
}

func TestRunCloneIsDeep(t *testing.T) {
	orig := sampleRun()
	cp := orig.Clone()

	cp.Context["user"].(map[string]any)["name"] = "bob"
	cp.Context["tags"].([]any)[0] = "z"
	cp.Steps["a"].State = StepFailed
	cp.Steps["a"].Attempts[0].Fields["x"] = 2
	cp.Queue[0].StepID = "b"
	*cp.FinishedAt = cp.FinishedAt.Add(time.Hour)
	cp.Lease.Owner = "engine-2"

	if orig.Context["user"].(map[string]any)["name"] != "ada" || orig.Context["tags"].([]any)[0] != "a" {
		t.Fatalf("clone aliases context: %v", orig.Context)
	}
	if orig.Steps["a"].State != StepSucceeded || orig.Steps["a"].Attempts[0].Fields["x"] != 1 {
		t.Fatalf("clone aliases step records: %+v", orig.Steps["a"])
	}
	if orig.Queue[0].StepID != "a" {
		t.Fatalf("clone aliases queue")
	}
	if orig.FinishedAt.Hour() != 3 {
		t.Fatalf("clone aliases finished time")
	}
	if orig.Lease.Owner != "engine-1" {
		t.Fatalf("clone aliases lease")
	}

	var nilRun *Run
	if nilRun.Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}

func TestLeaseLive(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	lease := &Lease{Owner: "engine-1", ExpiresAt: now.Add(time.Second)}

	if !lease.Live(now) {
		t.Fatalf("lease should be live before it expires")
	}
	if lease.Live(now.Add(time.Second)) {
		t.Fatalf("lease should be expired at its expiry time")
	}
	var none *Lease
	if none.Live(now) {
		t.Fatalf("nil lease should never be live")
	}
}

func TestRunSnapshot(t *testing.T) {
	run := sampleRun()
	snap := run.Snapshot()

	if snap.RunID != "r1" || snap.State != StateCompleted || snap.Definition.String() != "wf@v1" {
		t.Fatalf("unexpected snapshot header: %+v", snap)
	}
	if snap.Steps["a"].State != StepSucceeded || len(snap.Steps["a"].Attempts) != 1 {
		t.Fatalf("unexpected step snapshot: %+v", snap.Steps["a"])
	}

	snap.Context["user"].(map[string]any)["name"] = "bob"
	if run.Context["user"].(map[string]any)["name"] != "ada" {
		t.Fatalf("snapshot aliases run context")
	}
}

func TestRunFilterMatches(t *testing.T) {
	run := sampleRun()
	tests := []struct {
		filter RunFilter
		want   bool
	}{
		{RunFilter{}, true},
		{RunFilter{DefinitionID: "wf"}, true},
		{RunFilter{DefinitionID: "other"}, false},
		{RunFilter{State: StateCompleted}, true},
		{RunFilter{State: StateFailed}, false},
		{RunFilter{DefinitionID: "wf", State: StateCompleted, Limit: 1}, true},
	}
	for _, tc := range tests {
		if got := tc.filter.Matches(run); got != tc.want {
			t.Fatalf("%+v.Matches() = %v, want %v", tc.filter, got, tc.want)
		}
	}
}

func TestMergeValues(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	overlay := map[string]any{"b": 3, "c": 4}

	got := MergeValues(base, overlay)
	if got["a"] != 1 || got["b"] != 3 || got["c"] != 4 || len(got) != 3 {
		t.Fatalf("unexpected merge: %v", got)
	}
	if base["b"] != 2 || len(base) != 2 {
		t.Fatalf("merge modified base: %v", base)
	}
	if len(MergeValues(nil, nil)) != 0 {
		t.Fatalf("merge of nils should be empty")
	}
}

func TestErrorHelpers(t *testing.T) {
	verr := &ValidationError{DefinitionID: "wf", Problems: []string{"id is required"}}
	if got := verr.Error(); got != `invalid workflow definition "wf": id is required` {
		t.Fatalf("single problem message: %q", got)
	}
	verr.Problems = append(verr.Problems, "name is required")
	if got := verr.Error(); got != `invalid workflow definition "wf": 2 problems: id is required; name is required` {
		t.Fatalf("multi problem message: %q", got)
	}

	wrapped := errors.Join(errors.New("publish"), verr)
	if v, ok := IsValidationError(wrapped); !ok || v != verr {
		t.Fatalf("IsValidationError did not unwrap")
	}
	if _, ok := IsValidationError(errors.New("other")); ok {
		t.Fatalf("IsValidationError matched an unrelated error")
	}

	if !IsNotFound(ErrRunNotFound) || !IsNotFound(ErrUnknownWorkflow) || IsNotFound(ErrConflict) {
		t.Fatalf("IsNotFound misclassifies sentinels")
	}

	cerr := &CapabilityError{Kind: "http", Step: "call", Cause: CauseDeadlineExceeded, TimedOut: true}
	if !errors.Is(cerr, ErrCapability) || !errors.Is(cerr, ErrDeadlineExceeded) {
		t.Fatalf("timed out capability error should match both sentinels")
	}
	cerr.TimedOut = false
	if errors.Is(cerr, ErrDeadlineExceeded) {
		t.Fatalf("failed capability error should not match deadline")
	}
}

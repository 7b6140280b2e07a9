package api

import (
	"maps"
	"time"
)

// AttemptStatus is the recorded result of one step attempt.
type AttemptStatus string

const (
	AttemptRunning     AttemptStatus = "running"
	AttemptSucceeded   AttemptStatus = "succeeded"
	AttemptFailed      AttemptStatus = "failed"
	AttemptTimedOut    AttemptStatus = "timed_out"
	AttemptInterrupted AttemptStatus = "interrupted"
)

// Attempt records one dispatch of a step.
type Attempt struct {
	Number     int            `json:"number"`
	Status     AttemptStatus  `json:"status"`
	Fields     map[string]any `json:"fields,omitempty"`
	Cause      string         `json:"cause,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`

	// Late is set when the outcome arrived after the run had already
	// reached a terminal state.
	Late bool `json:"late,omitempty"`
}

// StepRecord is the per-run state of one step.
type StepRecord struct {
	State    StepState `json:"state"`
	Attempts []Attempt `json:"attempts,omitempty"`

	// Visits counts how many times the step was queued by a transition
	// (retries are not visits).
	Visits int `json:"visits,omitempty"`

	// Failures counts consecutive failed attempts of the current visit.
	Failures int `json:"failures,omitempty"`
}

// QueueEntry is a queued step of a run. NotBefore delays dispatch for
// retry backoff.
type QueueEntry struct {
	StepID    string    `json:"step_id"`
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Run is one execution of a definition version. It is the unit stored by
// the run store; Version is the optimistic revision used for conflict
// detection.
type Run struct {
	ID         string                 `json:"id"`
	Definition DefinitionRef          `json:"definition"`
	State      WorkflowState          `json:"state"`
	Context    map[string]any         `json:"context"`
	Steps      map[string]*StepRecord `json:"steps"`
	Queue      []QueueEntry           `json:"queue,omitempty"`
	Dispatches int                    `json:"dispatches"`
	Cause      string                 `json:"cause,omitempty"`
	Version    int64                  `json:"version"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`

	// Lease is held by the engine executing a step of the run and is nil
	// otherwise.
	Lease *Lease `json:"lease,omitempty"`
}

// Lease records which engine is executing a run's step and until when that
// claim is valid. The holder renews it while the step runs; an expired
// lease means the holder is gone.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the lease is still valid at now.
func (l *Lease) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = CloneValues(r.Context)
	out.Steps = make(map[string]*StepRecord, len(r.Steps))
	for id, rec := range r.Steps {
		cp := *rec
		cp.Attempts = make([]Attempt, len(rec.Attempts))
		for i, a := range rec.Attempts {
			a.Fields = CloneValues(a.Fields)
			cp.Attempts[i] = a
		}
		out.Steps[id] = &cp
	}
	out.Queue = append([]QueueEntry(nil), r.Queue...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.Lease != nil {
		l := *r.Lease
		out.Lease = &l
	}
	return &out
}

// Snapshot converts r into the query representation.
func (r *Run) Snapshot() *RunSnapshot {
	c := r.Clone()
	steps := make(map[string]StepSnapshot, len(c.Steps))
	for id, rec := range c.Steps {
		steps[id] = StepSnapshot{State: rec.State, Attempts: rec.Attempts}
	}
	return &RunSnapshot{
		RunID:      c.ID,
		Definition: c.Definition,
		State:      c.State,
		Cause:      c.Cause,
		Steps:      steps,
		Context:    c.Context,
		Dispatches: c.Dispatches,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		FinishedAt: c.FinishedAt,
	}
}

// StepSnapshot is the query view of one step.
type StepSnapshot struct {
	State    StepState `json:"state"`
	Attempts []Attempt `json:"attempts"`
}

// RunSnapshot is the result of Engine.GetRunState.
type RunSnapshot struct {
	RunID      string                  `json:"run_id"`
	Definition DefinitionRef           `json:"definition"`
	State      WorkflowState           `json:"state"`
	Cause      string                  `json:"cause,omitempty"`
	Steps      map[string]StepSnapshot `json:"steps"`
	Context    map[string]any          `json:"context"`
	Dispatches int                     `json:"dispatches"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
}

// RunFilter controls how runs are listed.
// Zero values mean "no filter" for that field.
type RunFilter struct {
	// DefinitionID, if non-empty, limits results to runs of that definition.
	DefinitionID string

	// State, if non-empty, limits results to runs in the given state.
	State WorkflowState

	// Limit caps the number of results when positive.
	Limit int
}

// Matches reports whether run r passes the filter (Limit is ignored).
func (f RunFilter) Matches(r *Run) bool {
	if f.DefinitionID != "" && r.Definition.ID != f.DefinitionID {
		return false
	}
	if f.State != "" && r.State != f.State {
		return false
	}
	return true
}

// CloneValues copies a context map. Nested maps and slices are copied as
// well so that a snapshot never aliases live run state.
func CloneValues(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneValues(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// MergeValues returns base overlaid with overlay; overlay wins on
// collision. Neither input is modified.
func MergeValues(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	maps.Copy(out, base)
	maps.Copy(out, overlay)
	return out
}

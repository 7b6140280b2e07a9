package api

import "time"

// EventType identifies a run history event.
type EventType string

const (
	EventRunCreated   EventType = "run.created"
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventStepQueued    EventType = "step.queued"
	EventStepStarted   EventType = "step.started"
	EventStepSucceeded EventType = "step.succeeded"
	EventStepFailed    EventType = "step.failed"
	EventStepRetrying  EventType = "step.retrying"
	EventStepSkipped   EventType = "step.skipped"
	EventStepLate      EventType = "step.late_outcome"
)

// RunEvent is a minimal append-only history record for audit/debugging.
// It is intentionally small and stable; richer history lives in the
// attempts of each step.
type RunEvent struct {
	RunID string    `json:"run_id" bson:"run_id"`
	Seq   int64     `json:"seq" bson:"seq"`
	At    time.Time `json:"at" bson:"at"`
	Type  EventType `json:"type" bson:"type"`

	// Optional context.
	Step    string `json:"step,omitempty" bson:"step,omitempty"`
	Attempt int    `json:"attempt,omitempty" bson:"attempt,omitempty"`

	// Small, human-oriented details (e.g. failure cause).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string `json:"detail,omitempty" bson:"detail,omitempty"`
}

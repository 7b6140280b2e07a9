package staterail

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/stevebraown/StateRail/internal/engine"
	"github.com/stevebraown/StateRail/internal/persistence"
	"github.com/stevebraown/StateRail/internal/taskqueue"
	"github.com/stevebraown/StateRail/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	DefinitionRef        = api.DefinitionRef
	Step                 = api.Step
	Transition           = api.Transition
	RetryPolicy          = api.RetryPolicy
	Duration             = api.Duration
	WorkflowState        = api.WorkflowState
	StepState            = api.StepState
	RunSnapshot          = api.RunSnapshot
	RunFilter            = api.RunFilter
	RunEvent             = api.RunEvent
	Capability           = api.Capability
	CapabilityFunc       = api.CapabilityFunc
	CapabilityOption     = api.CapabilityOption
	Invocation           = api.Invocation
	Outcome              = api.Outcome
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	Succeeded = api.Succeeded
	Failed    = api.Failed
	TimedOut  = api.TimedOut

	WithTimeout      = api.WithTimeout
	WithConfigSchema = api.WithConfigSchema
)

// Re-export state values for convenience.

const (
	StatePending   = api.StatePending
	StateRunning   = api.StateRunning
	StateCompleted = api.StateCompleted
	StateFailed    = api.StateFailed
	StateCancelled = api.StateCancelled

	StepIdle      = api.StepIdle
	StepQueued    = api.StepQueued
	StepRunning   = api.StepRunning
	StepSucceeded = api.StepSucceeded
	StepFailed    = api.StepFailed
	StepSkipped   = api.StepSkipped

	// End is the transition target that finishes a run.
	End = api.Terminal

	// LatestVersion selects the newest published definition version.
	LatestVersion = api.LatestVersion
)

// Options tune an engine built by the constructors below. Zero fields keep
// the engine defaults.
type Options struct {
	Observer Observer
	Logger   *slog.Logger

	Workers     int
	StepBudget  int
	Retry       RetryPolicy
	StepTimeout time.Duration

	// LeaseTTL bounds how long a step stays with an engine that stopped
	// renewing its claim, when several engines share a backend.
	LeaseTTL time.Duration
}

func (o Options) engineConfig(p persistence.Persistence, q taskqueue.Queue) engine.Config {
	return engine.Config{
		Persistence:        p,
		Queue:              q,
		Observer:           o.Observer,
		Logger:             o.Logger,
		Workers:            o.Workers,
		StepBudget:         o.StepBudget,
		DefaultRetry:       o.Retry,
		DefaultStepTimeout: o.StepTimeout,
		LeaseTTL:           o.LeaseTTL,
	}
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithOptions returns an in-memory Engine tuned by opts.
func NewInMemoryEngineWithOptions(opts Options) Engine {
	return engine.NewEngineWithConfig(opts.engineConfig(persistence.NewInMemoryPersistence(), nil))
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return NewInMemoryEngineWithOptions(Options{Observer: obs})
}

// NewSQLiteEngine returns an Engine that keeps definitions, runs, history
// and its task queue in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithOptions returns a SQLite-backed Engine tuned by opts.
func NewSQLiteEngineWithOptions(db *sql.DB, opts Options) (Engine, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return engine.NewEngineWithConfig(opts.engineConfig(p, q)), nil
}

// NewPostgresEngine returns an Engine that persists everything in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine returns an Engine that persists everything in Redis under
// prefix.
func NewRedisEngine(client *redis.Client, prefix string) Engine {
	return engine.NewRedisEngine(client, prefix)
}

// NewMongoEngine returns an Engine that persists everything in the MongoDB
// database dbName.
func NewMongoEngine(client *mongo.Client, dbName string) Engine {
	return engine.NewMongoEngine(client, dbName)
}

// Convenience helpers that just forward to the underlying Engine.

// Run starts a run of the latest version of definitionID and waits for it
// to reach a terminal state. The engine must be started.
func Run(ctx context.Context, eng Engine, definitionID string, vars map[string]any) (*RunSnapshot, error) {
	runID, err := eng.StartRun(ctx, definitionID, LatestVersion, vars)
	if err != nil {
		return nil, err
	}
	return eng.WaitRun(ctx, runID)
}

// GetRun fetches a run snapshot by id.
func GetRun(ctx context.Context, eng Engine, runID string) (*RunSnapshot, error) {
	return eng.GetRunState(ctx, runID)
}

// ListRuns lists runs according to the given filter.
func ListRuns(ctx context.Context, eng Engine, filter RunFilter) ([]*RunSnapshot, error) {
	return eng.ListRuns(ctx, filter)
}

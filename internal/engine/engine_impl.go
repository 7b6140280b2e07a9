package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/stevebraown/StateRail/internal/definition"
	"github.com/stevebraown/StateRail/internal/persistence"
	"github.com/stevebraown/StateRail/internal/taskqueue"
	"github.com/stevebraown/StateRail/pkg/api"
	"github.com/stevebraown/StateRail/pkg/worker"
)

// Config describes how to construct an engine. Zero fields take the values
// of DefaultConfig; nil stores and queue default to in-memory ones.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
	Logger      *slog.Logger

	// Workers is the size of the worker pool started by Start.
	Workers int

	// StepBudget caps dispatches per run unless a definition sets MaxSteps.
	StepBudget int

	// DefaultRetry applies to steps whose step and definition carry no
	// retry policy.
	DefaultRetry api.RetryPolicy

	// DefaultStepTimeout applies when neither the step nor its kind sets one.
	DefaultStepTimeout time.Duration

	// QueueCapacity sizes the default in-memory queue. It is a hint; the
	// queue never blocks producers.
	QueueCapacity int

	// PollInterval is how often WaitRun re-reads a run.
	PollInterval time.Duration

	// LeaseTTL is how long a step claim stays valid without renewal. Engines
	// sharing a store skip runs whose step another engine holds a live lease
	// on; an expired lease marks the step orphaned.
	LeaseTTL time.Duration

	// Owner names this engine in run leases. Defaults to a random id.
	Owner string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		StepBudget: 1000,
		DefaultRetry: api.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    api.Duration(200 * time.Millisecond),
			MaxBackoff:        api.Duration(10 * time.Second),
			BackoffMultiplier: 2,
		},
		DefaultStepTimeout: 30 * time.Second,
		QueueCapacity:      1024,
		PollInterval:       50 * time.Millisecond,
		LeaseTTL:           30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.StepBudget <= 0 {
		c.StepBudget = d.StepBudget
	}
	if c.DefaultRetry == (api.RetryPolicy{}) {
		c.DefaultRetry = d.DefaultRetry
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = d.DefaultStepTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.Owner == "" {
		c.Owner = uuid.NewString()
	}
	if c.Persistence.Definitions == nil || c.Persistence.Runs == nil || c.Persistence.Events == nil {
		mem := persistence.NewInMemoryStore()
		if c.Persistence.Definitions == nil {
			c.Persistence.Definitions = mem
		}
		if c.Persistence.Runs == nil {
			c.Persistence.Runs = mem
		}
		if c.Persistence.Events == nil {
			c.Persistence.Events = mem
		}
	}
	if c.Queue == nil {
		c.Queue = taskqueue.NewInMemoryQueue(c.QueueCapacity)
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// engineImpl is the engine facade. The scheduler half lives in
// scheduler.go.
type engineImpl struct {
	cfg         Config
	definitions persistence.DefinitionStore
	runs        persistence.RunStore
	events      persistence.EventStore
	queue       taskqueue.Queue
	registry    *capabilityRegistry
	observer    api.Observer
	logger      *slog.Logger
	now         func() time.Time

	compiledMu sync.RWMutex
	compiled   map[api.DefinitionRef]*definition.Compiled

	// inflight holds the cancel func of the invocation running for a run.
	// A run has at most one.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc

	poolMu     sync.Mutex
	poolCancel context.CancelFunc
	poolGroup  *errgroup.Group
}

var _ api.Engine = (*engineImpl)(nil)

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	cfg = cfg.withDefaults()
	return &engineImpl{
		cfg:         cfg,
		definitions: cfg.Persistence.Definitions,
		runs:        cfg.Persistence.Runs,
		events:      cfg.Persistence.Events,
		queue:       cfg.Queue,
		registry:    newCapabilityRegistry(),
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		now:         time.Now,
		compiled:    make(map[api.DefinitionRef]*definition.Compiled),
		inflight:    make(map[string]context.CancelCauseFunc),
	}
}

// NewEngine returns an Engine over the given stores with an in-memory queue.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewInMemoryEngine returns an Engine whose stores and queue live in memory.
func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemoryPersistence())
}

// NewSQLiteEngine returns an Engine that keeps definitions, runs, events
// and the task queue in one SQLite database.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: p, Queue: q}), nil
}

// NewPostgresEngine returns an Engine backed by PostgreSQL for state and
// queue.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	p, err := persistence.NewPostgresPersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: p, Queue: q}), nil
}

// NewRedisEngine returns an Engine backed by Redis for state and queue.
// prefix namespaces every key (default "staterail:").
func NewRedisEngine(client *redis.Client, prefix string) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.NewRedisPersistence(client, prefix),
		Queue:       taskqueue.NewRedisQueue(client, prefix),
	})
}

// NewMongoEngine returns an Engine backed by MongoDB for state and queue.
// dbName defaults to "staterail".
func NewMongoEngine(client *mongo.Client, dbName string) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.NewMongoPersistence(client, dbName),
		Queue:       taskqueue.NewMongoQueue(client, dbName, ""),
	})
}

func (e *engineImpl) RegisterCapability(kind string, c api.Capability, opts ...api.CapabilityOption) error {
	return e.registry.Register(kind, c, opts...)
}

func (e *engineImpl) SubmitDefinition(ctx context.Context, def api.WorkflowDefinition) (api.DefinitionRef, error) {
	canonical, _, err := definition.Canonical(def)
	if err != nil {
		return api.DefinitionRef{}, &api.ValidationError{DefinitionID: def.ID, Problems: []string{err.Error()}}
	}
	compiled, err := definition.Validate(canonical, e.registry)
	if err != nil {
		return api.DefinitionRef{}, err
	}

	stored, err := e.definitions.SaveDefinition(ctx, canonical)
	if err != nil {
		return api.DefinitionRef{}, fmt.Errorf("publish %s: %w", def.ID, err)
	}
	compiled.Def = stored

	e.compiledMu.Lock()
	e.compiled[stored.Ref()] = compiled
	e.compiledMu.Unlock()

	e.logger.InfoContext(ctx, "definition_published",
		slog.String("definition", stored.Ref().String()),
		slog.Int("steps", len(stored.Steps)),
	)
	return stored.Ref(), nil
}

func (e *engineImpl) GetDefinition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error) {
	return e.definitions.GetDefinition(ctx, id, version)
}

func (e *engineImpl) LatestDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	return e.definitions.LatestDefinition(ctx, id)
}

// compiledFor returns the executable form of a published definition,
// loading and compiling it on first use.
func (e *engineImpl) compiledFor(ctx context.Context, ref api.DefinitionRef) (*definition.Compiled, error) {
	e.compiledMu.RLock()
	c, ok := e.compiled[ref]
	e.compiledMu.RUnlock()
	if ok {
		return c, nil
	}

	def, err := e.definitions.GetDefinition(ctx, ref.ID, ref.Version)
	if err != nil {
		return nil, err
	}
	c, err = definition.Compile(def)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", ref, err)
	}

	e.compiledMu.Lock()
	e.compiled[ref] = c
	e.compiledMu.Unlock()
	return c, nil
}

// StartRun creates the run and schedules it. If the run was stored but
// could not be queued, its id is returned together with the error; the
// run stays PENDING and Recover picks it up.
func (e *engineImpl) StartRun(ctx context.Context, definitionID string, version int, initialContext map[string]any) (string, error) {
	var (
		def api.WorkflowDefinition
		err error
	)
	if version == api.LatestVersion {
		def, err = e.definitions.LatestDefinition(ctx, definitionID)
	} else {
		def, err = e.definitions.GetDefinition(ctx, definitionID, version)
	}
	if err != nil {
		return "", err
	}

	compiled, err := e.compiledFor(ctx, def.Ref())
	if err != nil {
		return "", err
	}
	if err := compiled.ValidateContext(initialContext); err != nil {
		return "", &api.ValidationError{DefinitionID: def.ID, Problems: []string{err.Error()}}
	}

	id, err := newRunID()
	if err != nil {
		return "", err
	}

	now := e.now().UTC()
	vars := api.CloneValues(initialContext)
	if vars == nil {
		vars = map[string]any{}
	}
	run := &api.Run{
		ID:         id,
		Definition: def.Ref(),
		State:      api.StateCreated,
		Context:    vars,
		Steps:      make(map[string]*api.StepRecord, len(def.Steps)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for stepID := range def.Steps {
		run.Steps[stepID] = &api.StepRecord{State: api.StepIdle}
	}

	// CREATED only lives until the initial context has been accepted.
	run.State = api.StatePending
	events := []api.RunEvent{{At: now, Type: api.EventRunCreated, Detail: def.Ref().String()}}

	if err := e.runs.CreateRun(ctx, run, events); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if err := e.queue.Enqueue(ctx, taskqueue.NewAdvanceTask(run.ID, time.Time{})); err != nil {
		return run.ID, fmt.Errorf("schedule run %s: %w", run.ID, err)
	}
	return run.ID, nil
}

// newRunID returns a UUIDv7, so run ids sort by creation time.
func newRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

func (e *engineImpl) CancelRun(ctx context.Context, runID string) error {
	var cancelled *api.Run
	for {
		run, err := e.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State.IsTerminal() {
			return nil
		}

		var events []api.RunEvent
		e.finishRun(run, api.StateCancelled, "cancelled by request", e.now().UTC(), &events)
		err = e.runs.UpdateRun(ctx, run, events)
		if errors.Is(err, persistence.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		cancelled = run
		break
	}

	e.inflightMu.Lock()
	if cancel, ok := e.inflight[runID]; ok {
		cancel(errRunCancelled)
	}
	e.inflightMu.Unlock()

	e.observer.OnRunCancelled(ctx, cancelled)
	return nil
}

func (e *engineImpl) GetRunState(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Snapshot(), nil
}

func (e *engineImpl) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunSnapshot, error) {
	runs, err := e.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*api.RunSnapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Snapshot())
	}
	return out, nil
}

func (e *engineImpl) RunHistory(ctx context.Context, runID string) ([]api.RunEvent, error) {
	return e.events.ListEvents(ctx, runID)
}

func (e *engineImpl) WaitRun(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		run, err := e.runs.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.State.IsTerminal() {
			return run.Snapshot(), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *engineImpl) PurgeRuns(ctx context.Context, finishedBefore time.Time) (int, error) {
	n, err := e.runs.DeleteRuns(ctx, finishedBefore)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "runs_purged",
			slog.Int("count", n),
			slog.Time("finished_before", finishedBefore),
		)
	}
	return n, nil
}

// Start launches cfg.Workers workers that advance runs from the queue.
func (e *engineImpl) Start(ctx context.Context) error {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	if e.poolGroup != nil {
		return errors.New("engine already started")
	}

	poolCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(poolCtx)
	wcfg := worker.Config{Logger: e.logger, ErrorBackoff: e.errorBackoff()}
	for i := 0; i < e.cfg.Workers; i++ {
		w := worker.NewWithConfig(e, e.queue, wcfg)
		g.Go(func() error { return w.Run(gctx) })
	}
	e.poolCancel = cancel
	e.poolGroup = g

	e.logger.InfoContext(ctx, "engine_started", slog.Int("workers", e.cfg.Workers))
	return nil
}

// Stop cancels the worker pool and waits for in-flight tasks to settle.
func (e *engineImpl) Stop() {
	e.poolMu.Lock()
	cancel, g := e.poolCancel, e.poolGroup
	e.poolCancel, e.poolGroup = nil, nil
	e.poolMu.Unlock()

	if g == nil {
		return
	}
	cancel()
	_ = g.Wait()
	e.logger.Info("engine_stopped")
}

func (e *engineImpl) running() bool {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	return e.poolGroup != nil
}

func (e *engineImpl) errorBackoff() time.Duration {
	d := 20 * e.cfg.PollInterval
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

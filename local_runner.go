package staterail

import (
	"context"
	"errors"
	"sync"
)

// LocalRunner bundles an in-memory Engine with the builtin capabilities and
// a metrics observer, for development, tests and simple single-process
// deployments.
//
// Typical usage:
//
//	runner, err := staterail.NewLocalRunner(staterail.Options{Workers: 2})
//	flow := staterail.New("my-flow").Step("a", "noop", nil).Then(staterail.End)
//	flow.MustPublish(ctx, runner.Engine)
//
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	snap, err := runner.Run(ctx, flow.ID(), nil)
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Metrics counts the runs and steps executed by Engine.
	Metrics *BasicMetrics

	mu      sync.Mutex
	running bool
}

// NewLocalRunner constructs a LocalRunner. opts.Observer, when set, receives
// events alongside the runner's metrics.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	metrics := &BasicMetrics{}
	opts.Observer = NewCompositeObserver(opts.Observer, metrics)
	eng := NewInMemoryEngineWithOptions(opts)
	if err := RegisterBuiltins(eng); err != nil {
		return nil, err
	}
	return &LocalRunner{Engine: eng, Metrics: metrics}, nil
}

// Start launches the engine's workers. Calling Start twice without Stop
// returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("staterail: LocalRunner already started")
	}
	if err := r.Engine.Start(ctx); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop stops the workers and waits for in-flight steps to settle.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.Engine.Stop()
}

// Run starts a run of the latest version of definitionID and waits for it
// to finish.
func (r *LocalRunner) Run(ctx context.Context, definitionID string, vars map[string]any) (*RunSnapshot, error) {
	return Run(ctx, r.Engine, definitionID, vars)
}

// StartAsync starts a run without waiting and returns its id.
func (r *LocalRunner) StartAsync(ctx context.Context, definitionID string, vars map[string]any) (string, error) {
	return r.Engine.StartRun(ctx, definitionID, LatestVersion, vars)
}

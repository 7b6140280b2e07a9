package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stevebraown/StateRail/pkg/api"
)

// errStepTimeout is the cancellation cause of an invocation that ran past
// its step timeout.
var errStepTimeout = errors.New(api.CauseDeadlineExceeded)

// errRunCancelled is the cancellation cause CancelRun gives an in-flight
// invocation of the run.
var errRunCancelled = errors.New("run cancelled")

// causeCancelled is recorded when an invocation stopped because its run was
// cancelled or the worker pool shut down.
const causeCancelled = "cancelled"

type registeredCapability struct {
	capability api.Capability
	opts       api.CapabilityOptions
	schema     *jsonschema.Resolved
}

// capabilityRegistry maps step kinds to capabilities. It implements
// definition.KindLookup so publish-time validation can check kinds and
// configs.
type capabilityRegistry struct {
	mu     sync.RWMutex
	byKind map[string]registeredCapability
}

func newCapabilityRegistry() *capabilityRegistry {
	return &capabilityRegistry{
		byKind: make(map[string]registeredCapability),
	}
}

func (r *capabilityRegistry) Register(kind string, c api.Capability, opts ...api.CapabilityOption) error {
	if strings.TrimSpace(kind) == "" {
		return errors.New("capability kind is required")
	}
	if c == nil {
		return fmt.Errorf("capability for kind %q is nil", kind)
	}

	var o api.CapabilityOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("capability %q: timeout must not be negative", kind)
	}

	entry := registeredCapability{capability: c, opts: o}
	if o.ConfigSchema != nil {
		resolved, err := o.ConfigSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("capability %q: config schema: %w", kind, err)
		}
		entry.schema = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKind[kind]; exists {
		return fmt.Errorf("capability for kind %q already registered", kind)
	}
	r.byKind[kind] = entry
	return nil
}

// LookupKind implements definition.KindLookup.
func (r *capabilityRegistry) LookupKind(kind string) (*jsonschema.Resolved, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byKind[kind]
	if !ok {
		return nil, false
	}
	return entry.schema, true
}

// kindTimeout returns the timeout registered for kind, or 0.
func (r *capabilityRegistry) kindTimeout(kind string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKind[kind].opts.Timeout
}

// Invoke runs the capability registered for inv.Kind with the given timeout.
//
// The deadline is enforced here: when it passes, Invoke returns TimedOut
// without waiting for the capability, whose context is cancelled. When the
// run is cancelled instead, Invoke keeps waiting until the deadline for the
// capability's real outcome so it can be kept as a late result. A
// capability that panics yields a failure with the panic value as cause.
func (r *capabilityRegistry) Invoke(ctx context.Context, inv api.Invocation, timeout time.Duration) api.Outcome {
	r.mu.RLock()
	entry, ok := r.byKind[inv.Kind]
	r.mu.RUnlock()
	if !ok {
		return api.Failed(api.CauseUnknownKind)
	}

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errStepTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	done := make(chan api.Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- api.Failed(fmt.Sprintf("capability panicked: %v", p))
			}
		}()
		done <- entry.capability.Invoke(ctx, inv)
	}()

	select {
	case out := <-done:
		return normalizeOutcome(ctx, out)
	case <-ctx.Done():
	}
	if timeout <= 0 || !errors.Is(context.Cause(ctx), errRunCancelled) {
		return interruptedOutcome(ctx)
	}

	deadline := time.NewTimer(time.Until(start.Add(timeout)))
	defer deadline.Stop()
	select {
	case out := <-done:
		return normalizeOutcome(ctx, out)
	case <-deadline.C:
		return api.Failed(causeCancelled)
	}
}

func normalizeOutcome(ctx context.Context, out api.Outcome) api.Outcome {
	switch out.Status {
	case api.OutcomeSucceeded:
		return out
	case api.OutcomeTimedOut:
		return api.TimedOut()
	case api.OutcomeFailed:
		// A capability that gave up because its context ended reports why the
		// context ended rather than its own error text.
		if ctx.Err() != nil {
			return interruptedOutcome(ctx)
		}
		if out.Cause == "" {
			out.Cause = "step failed"
		}
		return out
	default:
		return api.Failed(fmt.Sprintf("capability returned unknown outcome status %q", out.Status))
	}
}

func interruptedOutcome(ctx context.Context) api.Outcome {
	if errors.Is(context.Cause(ctx), errStepTimeout) {
		return api.TimedOut()
	}
	return api.Failed(causeCancelled)
}

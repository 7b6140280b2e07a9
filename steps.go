package staterail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stevebraown/StateRail/pkg/api"
	"github.com/stevebraown/StateRail/pkg/capabilities"
)

// StepFunc is the plain-Go shape of a capability: it returns the fields to
// merge into the run context, or an error.
type StepFunc func(ctx context.Context, inv Invocation) (map[string]any, error)

// Func wraps fn into a Capability. A nil error succeeds with the returned
// fields; a context deadline becomes a timeout; any other error fails the
// attempt with the error text as cause.
func Func(fn StepFunc) Capability {
	return api.CapabilityFunc(func(ctx context.Context, inv api.Invocation) api.Outcome {
		fields, err := fn(ctx, inv)
		return outcomeOf(fields, err)
	})
}

// TypedStep wraps a function taking the step config decoded into C.
// Example:
//
//	type notifyConfig struct {
//	    Channel string `json:"channel"`
//	}
//	staterail.TypedStep(func(ctx context.Context, cfg notifyConfig, inv staterail.Invocation) (map[string]any, error) { ... })
func TypedStep[C any](fn func(ctx context.Context, cfg C, inv Invocation) (map[string]any, error)) Capability {
	return api.CapabilityFunc(func(ctx context.Context, inv api.Invocation) api.Outcome {
		var cfg C
		if len(inv.Config) > 0 {
			data, err := json.Marshal(inv.Config)
			if err == nil {
				err = json.Unmarshal(data, &cfg)
			}
			if err != nil {
				return api.Failed(fmt.Sprintf("decode config of step %s: %v", inv.StepID, err))
			}
		}
		fields, err := fn(ctx, cfg, inv)
		return outcomeOf(fields, err)
	})
}

// RegisterBuiltins registers the bundled capability kinds (noop, set, fail,
// sleep, flaky) on eng.
func RegisterBuiltins(eng Engine) error {
	return capabilities.RegisterBuiltins(eng)
}

func outcomeOf(fields map[string]any, err error) api.Outcome {
	switch {
	case err == nil:
		return api.Succeeded(fields)
	case errors.Is(err, context.DeadlineExceeded):
		return api.TimedOut()
	default:
		return api.Failed(err.Error())
	}
}

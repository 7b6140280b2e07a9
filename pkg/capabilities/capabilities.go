// Package capabilities provides general purpose step kinds: noop, set,
// fail, sleep and flaky. They are handy for wiring and testing workflows
// before real capabilities exist.
package capabilities

import (
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stevebraown/StateRail/pkg/api"
)

// Registrar is the part of api.Engine that registers capabilities.
type Registrar interface {
	RegisterCapability(kind string, c api.Capability, opts ...api.CapabilityOption) error
}

// Builtin describes one bundled capability.
type Builtin struct {
	Kind       string
	Capability api.Capability
	Schema     *jsonschema.Schema
}

// Builtins returns the bundled capabilities in registration order.
func Builtins() []Builtin {
	return []Builtin{
		{Kind: "noop", Capability: api.CapabilityFunc(Noop), Schema: noopSchema()},
		{Kind: "set", Capability: api.CapabilityFunc(Set), Schema: setSchema()},
		{Kind: "fail", Capability: api.CapabilityFunc(Fail), Schema: failSchema()},
		{Kind: "sleep", Capability: api.CapabilityFunc(Sleep), Schema: sleepSchema()},
		{Kind: "flaky", Capability: api.CapabilityFunc(Flaky), Schema: flakySchema()},
	}
}

// RegisterBuiltins registers every bundled capability on r.
func RegisterBuiltins(r Registrar) error {
	for _, b := range Builtins() {
		if err := r.RegisterCapability(b.Kind, b.Capability, api.WithConfigSchema(b.Schema)); err != nil {
			return fmt.Errorf("register %s: %w", b.Kind, err)
		}
	}
	return nil
}

// Noop succeeds without fields.
func Noop(ctx context.Context, inv api.Invocation) api.Outcome {
	return api.Succeeded(nil)
}

// Set succeeds with config.fields as outcome fields.
func Set(ctx context.Context, inv api.Invocation) api.Outcome {
	fields, _ := inv.Config["fields"].(map[string]any)
	return api.Succeeded(api.CloneValues(fields))
}

// Fail fails with config.message.
func Fail(ctx context.Context, inv api.Invocation) api.Outcome {
	msg, _ := inv.Config["message"].(string)
	if msg == "" {
		msg = fmt.Sprintf("step %s failed", inv.StepID)
	}
	return api.Failed(msg)
}

// Sleep waits config.duration and succeeds, or fails when ctx ends first.
func Sleep(ctx context.Context, inv api.Invocation) api.Outcome {
	raw, _ := inv.Config["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return api.Failed(fmt.Sprintf("invalid duration %q", raw))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return api.Failed(ctx.Err().Error())
	case <-t.C:
		return api.Succeeded(map[string]any{"slept": d.String()})
	}
}

// Flaky fails the first config.failures attempts of a step, then succeeds
// reporting the attempt number.
func Flaky(ctx context.Context, inv api.Invocation) api.Outcome {
	failures := intValue(inv.Config["failures"])
	if inv.Attempt <= failures {
		return api.Failed(fmt.Sprintf("flaky failure %d/%d", inv.Attempt, failures))
	}
	return api.Succeeded(map[string]any{"attempts": inv.Attempt})
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func noopSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

func setSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"fields"},
		Properties: map[string]*jsonschema.Schema{
			"fields": {Type: "object"},
		},
	}
}

func failSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"message": {Type: "string"},
		},
	}
}

func sleepSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"duration"},
		Properties: map[string]*jsonschema.Schema{
			"duration": {Type: "string"},
		},
	}
}

func flakySchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"failures"},
		Properties: map[string]*jsonschema.Schema{
			"failures": {Type: "number"},
		},
	}
}

// Package definition validates workflow definitions and compiles them into
// the form the scheduler executes.
//
// Validation happens once, when a definition is published. A definition that
// passes is immutable; the compiled form caches the parsed transition
// conditions, the entry step and the resolved context schema.
package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/stevebraown/StateRail/internal/condition"
	"github.com/stevebraown/StateRail/pkg/api"
)

// KindLookup reports which step kinds exist and the resolved config schema
// registered for each. A nil schema means the kind accepts any config.
type KindLookup interface {
	LookupKind(kind string) (schema *jsonschema.Resolved, ok bool)
}

// Compiled is a validated definition ready for execution.
type Compiled struct {
	Def   api.WorkflowDefinition
	Entry string

	// conditions[stepID][i] is the compiled condition of transition i, or
	// nil for the default arm.
	conditions    map[string][]*condition.Condition
	contextSchema *jsonschema.Resolved
}

// Step returns the step with the given id.
func (c *Compiled) Step(id string) (api.Step, bool) {
	s, ok := c.Def.Steps[id]
	return s, ok
}

// Conditions returns the compiled conditions of a step's transitions, index
// aligned with Step.Transitions.
func (c *Compiled) Conditions(stepID string) []*condition.Condition {
	return c.conditions[stepID]
}

// ValidateContext checks an initial run context against the definition's
// context schema, if any.
func (c *Compiled) ValidateContext(vars map[string]any) error {
	if c.contextSchema == nil {
		return nil
	}
	instance, err := normalize(vars)
	if err != nil {
		return fmt.Errorf("initial context: %w", err)
	}
	if instance == nil {
		instance = map[string]any{}
	}
	if err := c.contextSchema.Validate(instance); err != nil {
		return fmt.Errorf("initial context does not match %s: %w", c.Def.Ref(), err)
	}
	return nil
}

// Parse decodes a definition document. JSON documents are accepted as well,
// since YAML is a superset of JSON.
func Parse(data []byte) (api.WorkflowDefinition, error) {
	var def api.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("parse workflow definition: %w", err)
	}
	return def, nil
}

// ParseFile reads and decodes a definition document from disk.
func ParseFile(path string) (api.WorkflowDefinition, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return Parse(data)
}

// Canonical returns def with step ids filled in from their map keys and all
// config values normalized to their JSON form, together with its canonical
// JSON encoding. Stores keep the encoding so that a published definition
// reads back byte for byte.
func Canonical(def api.WorkflowDefinition) (api.WorkflowDefinition, []byte, error) {
	if len(def.Steps) > 0 {
		steps := make(map[string]api.Step, len(def.Steps))
		for key, s := range def.Steps {
			if s.ID == "" {
				s.ID = key
			}
			steps[key] = s
		}
		def.Steps = steps
	}
	data, err := json.Marshal(def)
	if err != nil {
		return api.WorkflowDefinition{}, nil, fmt.Errorf("encode workflow definition %q: %w", def.ID, err)
	}
	var out api.WorkflowDefinition
	if err := json.Unmarshal(data, &out); err != nil {
		return api.WorkflowDefinition{}, nil, fmt.Errorf("decode workflow definition %q: %w", def.ID, err)
	}
	return out, data, nil
}

// Decode is the inverse of the encoding returned by Canonical.
func Decode(data []byte) (api.WorkflowDefinition, error) {
	var def api.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("decode workflow definition: %w", err)
	}
	return def, nil
}

// normalize converts v to plain JSON values (map[string]any, []any,
// float64, string, bool, nil) as expected by schema validation.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveSchema(doc map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}

func stepLabel(id string) string {
	return fmt.Sprintf("step %q", strings.TrimSpace(id))
}

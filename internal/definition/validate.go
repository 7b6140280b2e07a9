package definition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stevebraown/StateRail/internal/condition"
	"github.com/stevebraown/StateRail/pkg/api"
)

// Validate checks a definition submitted for publishing and compiles it.
// The caller must not choose the version. Every problem found is reported
// in a single *api.ValidationError.
//
// When kinds is nil, step kinds and configs are not checked.
func Validate(def api.WorkflowDefinition, kinds KindLookup) (*Compiled, error) {
	c := &checker{def: def}
	if def.Version != 0 {
		c.addf("version is assigned by the engine, got %d", def.Version)
	}
	return c.run(kinds)
}

// Compile rebuilds the executable form of an already published definition,
// e.g. one loaded back from a store.
func Compile(def api.WorkflowDefinition) (*Compiled, error) {
	c := &checker{def: def}
	return c.run(nil)
}

type checker struct {
	def      api.WorkflowDefinition
	problems []string
}

func (c *checker) addf(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *checker) run(kinds KindLookup) (*Compiled, error) {
	def := c.def
	if strings.TrimSpace(def.ID) == "" {
		c.addf("id is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		c.addf("name is required")
	}
	if len(def.Steps) == 0 {
		c.addf("at least one step is required")
	}
	if def.MaxSteps < 0 {
		c.addf("max_steps must not be negative")
	}
	if def.Retry != nil {
		c.checkRetry("definition", *def.Retry)
	}

	ids := make([]string, 0, len(def.Steps))
	for key := range def.Steps {
		ids = append(ids, key)
	}
	sort.Strings(ids)

	compiled := &Compiled{
		Def:        def,
		conditions: make(map[string][]*condition.Condition, len(def.Steps)),
	}

	for _, key := range ids {
		step := def.Steps[key]
		label := stepLabel(key)
		if strings.TrimSpace(key) == "" {
			c.addf("step with empty id")
		}
		if step.ID != "" && step.ID != key {
			c.addf("%s: id %q does not match its key", label, step.ID)
		}
		if strings.TrimSpace(step.Kind) == "" {
			c.addf("%s: kind is required", label)
		} else if kinds != nil {
			c.checkKind(label, step, kinds)
		}
		if step.Timeout < 0 {
			c.addf("%s: timeout must not be negative", label)
		}
		if step.Retry != nil {
			c.checkRetry(label, *step.Retry)
		}

		conds := make([]*condition.Condition, len(step.Transitions))
		for i, tr := range step.Transitions {
			switch {
			case tr.To == "":
				c.addf("%s: transition %d has no target", label, i)
			case tr.To != api.Terminal:
				if _, ok := def.Steps[tr.To]; !ok {
					c.addf("%s: transition %d targets unknown step %q", label, i, tr.To)
				}
			}
			if tr.IsDefault() {
				if i != len(step.Transitions)-1 {
					c.addf("%s: unconditional transition %d must be last", label, i)
				}
				continue
			}
			cond, err := condition.Compile(tr.Condition)
			if err != nil {
				c.addf("%s: transition %d: %v", label, i, err)
				continue
			}
			conds[i] = cond
		}
		compiled.conditions[key] = conds
	}

	if len(def.Steps) > 0 {
		compiled.Entry = c.checkGraph(ids)
	}

	if len(def.ContextSchema) > 0 {
		resolved, err := resolveSchema(def.ContextSchema)
		if err != nil {
			c.addf("context_schema: %v", err)
		}
		compiled.contextSchema = resolved
	}

	if len(c.problems) > 0 {
		return nil, &api.ValidationError{DefinitionID: def.ID, Problems: c.problems}
	}
	return compiled, nil
}

func (c *checker) checkRetry(label string, p api.RetryPolicy) {
	if p.MaxAttempts < 0 {
		c.addf("%s: retry max_attempts must not be negative", label)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		c.addf("%s: retry backoff must not be negative", label)
	}
	if p.BackoffMultiplier < 0 {
		c.addf("%s: retry backoff_multiplier must not be negative", label)
	}
}

func (c *checker) checkKind(label string, step api.Step, kinds KindLookup) {
	schema, ok := kinds.LookupKind(step.Kind)
	if !ok {
		c.addf("%s: no capability registered for kind %q", label, step.Kind)
		return
	}
	if schema == nil {
		return
	}
	if err := validateConfig(schema, step.Config); err != nil {
		c.addf("%s: config for kind %q: %v", label, step.Kind, err)
	}
}

// checkGraph verifies there is exactly one entry step and that termination
// is reachable from it. It returns the entry step id, or "" when there is no
// unique entry.
func (c *checker) checkGraph(ids []string) string {
	incoming := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, tr := range c.def.Steps[id].Transitions {
			if tr.To != api.Terminal {
				incoming[tr.To]++
			}
		}
	}
	var entries []string
	for _, id := range ids {
		if incoming[id] == 0 {
			entries = append(entries, id)
		}
	}
	switch len(entries) {
	case 0:
		c.addf("no entry step: every step has an incoming transition")
		return ""
	case 1:
	default:
		c.addf("exactly one entry step is required, found %d: %s", len(entries), strings.Join(entries, ", "))
		return ""
	}

	entry := entries[0]
	if !c.terminates(entry) {
		c.addf("no path from entry step %q reaches termination", entry)
	}
	return entry
}

// terminates reports whether some path from start reaches the terminal
// marker or a step without transitions, regardless of condition values.
func (c *checker) terminates(start string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		step, ok := c.def.Steps[id]
		if !ok {
			continue
		}
		if len(step.Transitions) == 0 {
			return true
		}
		for _, tr := range step.Transitions {
			if tr.To == api.Terminal {
				return true
			}
			if !seen[tr.To] {
				seen[tr.To] = true
				stack = append(stack, tr.To)
			}
		}
	}
	return false
}

func validateConfig(schema *jsonschema.Resolved, cfg map[string]any) error {
	instance, err := normalize(cfg)
	if err != nil {
		return err
	}
	if instance == nil {
		instance = map[string]any{}
	}
	return schema.Validate(instance)
}

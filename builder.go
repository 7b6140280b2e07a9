package staterail

import (
	"context"
	"fmt"
	"time"

	"github.com/stevebraown/StateRail/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflow graphs. Each call
// to Step adds a step and makes it current; transition and policy methods
// apply to the current step.
//
//	flow := staterail.New("onboard-user").
//	    Step("create", "set", map[string]any{"fields": map[string]any{"tier": 2}}).
//	        Then("route").
//	    Step("route", "noop", nil).
//	        When("tier > 1", "premium").
//	        Then(staterail.End).
//	    Step("premium", "noop", nil).
//	        Then(staterail.End)
//
//	ref, err := flow.Publish(ctx, engine)
type FlowBuilder struct {
	def     api.WorkflowDefinition
	current string
}

// New creates a new workflow builder for the definition id. The display
// name defaults to id.
func New(id string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			ID:    id,
			Name:  id,
			Steps: make(map[string]api.Step),
		},
	}
}

// ID returns the definition id.
func (b *FlowBuilder) ID() string {
	return b.def.ID
}

// Named sets the display name.
func (b *FlowBuilder) Named(name string) *FlowBuilder {
	b.def.Name = name
	return b
}

// Definition returns a copy of the definition built so far.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = make(map[string]api.Step, len(b.def.Steps))
	for id, s := range b.def.Steps {
		s.Config = api.CloneValues(s.Config)
		s.Transitions = append([]api.Transition(nil), s.Transitions...)
		def.Steps[id] = s
	}
	def.ContextSchema = api.CloneValues(b.def.ContextSchema)
	return def
}

// Step adds a step of the given capability kind and makes it current.
func (b *FlowBuilder) Step(id, kind string, config map[string]any) *FlowBuilder {
	if id == "" {
		panic("staterail: step id must not be empty")
	}
	if kind == "" {
		panic(fmt.Sprintf("staterail: step %q has no kind", id))
	}
	if _, dup := b.def.Steps[id]; dup {
		panic(fmt.Sprintf("staterail: step %q defined twice", id))
	}
	b.def.Steps[id] = api.Step{ID: id, Kind: kind, Config: api.CloneValues(config)}
	b.current = id
	return b
}

// When adds a conditional transition from the current step. Transitions
// are tried in the order they were added.
func (b *FlowBuilder) When(condition, to string) *FlowBuilder {
	return b.transition(api.Transition{To: to, Condition: condition})
}

// Then adds the unconditional transition from the current step. It must be
// the last transition of the step.
func (b *FlowBuilder) Then(to string) *FlowBuilder {
	return b.transition(api.Transition{To: to})
}

// Branch routes the current step to thenTo when condition holds and to
// elseTo otherwise.
func (b *FlowBuilder) Branch(condition, thenTo, elseTo string) *FlowBuilder {
	return b.When(condition, thenTo).Then(elseTo)
}

// Loop sends the current step back to itself while condition holds and on
// to exit afterwards. The run's step budget bounds the iterations.
func (b *FlowBuilder) Loop(condition, exit string) *FlowBuilder {
	return b.When(condition, b.mustCurrent("Loop")).Then(exit)
}

// WithRetry sets the retry policy of the current step.
func (b *FlowBuilder) WithRetry(p RetryPolicy) *FlowBuilder {
	return b.update("WithRetry", func(s *api.Step) {
		r := p
		s.Retry = &r
	})
}

// WithRetryBuilder is WithRetry for a RetryBuilder.
func (b *FlowBuilder) WithRetryBuilder(rb RetryBuilder) *FlowBuilder {
	return b.WithRetry(rb.Policy())
}

// WithTimeout bounds each attempt of the current step.
func (b *FlowBuilder) WithTimeout(d time.Duration) *FlowBuilder {
	return b.update("WithTimeout", func(s *api.Step) { s.Timeout = api.Duration(d) })
}

// DefaultRetry sets the retry policy of every step without its own.
func (b *FlowBuilder) DefaultRetry(p RetryPolicy) *FlowBuilder {
	r := p
	b.def.Retry = &r
	return b
}

// MaxSteps caps the number of step dispatches per run.
func (b *FlowBuilder) MaxSteps(n int) *FlowBuilder {
	b.def.MaxSteps = n
	return b
}

// ContextSchema sets the JSON Schema every run's initial context must
// satisfy.
func (b *FlowBuilder) ContextSchema(schema map[string]any) *FlowBuilder {
	b.def.ContextSchema = api.CloneValues(schema)
	return b
}

// Publish submits the definition to the engine and returns the assigned
// version.
func (b *FlowBuilder) Publish(ctx context.Context, eng Engine) (DefinitionRef, error) {
	return eng.SubmitDefinition(ctx, b.Definition())
}

// MustPublish is like Publish but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustPublish(ctx context.Context, eng Engine) DefinitionRef {
	ref, err := b.Publish(ctx, eng)
	if err != nil {
		panic(err)
	}
	return ref
}

func (b *FlowBuilder) transition(tr api.Transition) *FlowBuilder {
	return b.update("transition", func(s *api.Step) {
		s.Transitions = append(s.Transitions, tr)
	})
}

func (b *FlowBuilder) update(op string, fn func(*api.Step)) *FlowBuilder {
	id := b.mustCurrent(op)
	s := b.def.Steps[id]
	fn(&s)
	b.def.Steps[id] = s
	return b
}

func (b *FlowBuilder) mustCurrent(op string) string {
	if b.current == "" {
		panic(fmt.Sprintf("staterail: %s called before Step", op))
	}
	return b.current
}

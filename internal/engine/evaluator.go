package engine

import (
	"fmt"

	"github.com/stevebraown/StateRail/internal/definition"
	"github.com/stevebraown/StateRail/pkg/api"
)

// DecisionKind classifies the result of evaluating a step's transitions.
type DecisionKind int

const (
	// DecisionNext queues the step named by Decision.To.
	DecisionNext DecisionKind = iota
	// DecisionTerminal completes the run.
	DecisionTerminal
	// DecisionNoMatch fails the run: no condition held and there is no
	// default arm.
	DecisionNoMatch
	// DecisionLeaf means the step has no transitions; its branch ends.
	DecisionLeaf
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionNext:
		return "next"
	case DecisionTerminal:
		return "terminal"
	case DecisionNoMatch:
		return "no_match"
	case DecisionLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Decision is the transition chosen after a step succeeded.
type Decision struct {
	Kind DecisionKind
	To   string
	// Index is the position of the transition that fired, or -1.
	Index int
}

// Evaluate picks the transition that fires after stepID succeeded with the
// given outcome fields. Transitions are tried in declared order against the
// run context overlaid with the outcome fields; the first unconditional
// arm or true condition wins.
//
// A condition that cannot be evaluated returns an error wrapping
// api.ErrInvalidTransition.
func Evaluate(c *definition.Compiled, stepID string, fields, vars map[string]any) (Decision, error) {
	step, ok := c.Step(stepID)
	if !ok {
		return Decision{Index: -1}, fmt.Errorf("%w: unknown step %q", api.ErrInvalidTransition, stepID)
	}
	if len(step.Transitions) == 0 {
		return Decision{Kind: DecisionLeaf, Index: -1}, nil
	}

	env := api.MergeValues(vars, fields)
	conds := c.Conditions(stepID)
	for i, tr := range step.Transitions {
		if !tr.IsDefault() {
			matched, err := conds[i].Eval(env)
			if err != nil {
				return Decision{Index: -1}, fmt.Errorf("%w: step %q transition %d: %v", api.ErrInvalidTransition, stepID, i, err)
			}
			if !matched {
				continue
			}
		}
		if tr.To == api.Terminal {
			return Decision{Kind: DecisionTerminal, Index: i}, nil
		}
		return Decision{Kind: DecisionNext, To: tr.To, Index: i}, nil
	}
	return Decision{Kind: DecisionNoMatch, Index: -1}, nil
}

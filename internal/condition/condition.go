// Package condition compiles transition conditions into reusable programs.
//
// Conditions are boolean expressions over the run's variables, written in
// the expr language: comparisons (==, !=, <, <=, >, >=), boolean
// connectives (&&, ||, !), membership (in) and field access. They are
// compiled once when a definition is published, so syntax errors surface
// at publish time and evaluation never re-parses the source.
package condition

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

// Condition is a compiled transition condition. It is immutable and safe
// for concurrent use.
type Condition struct {
	source  string
	program *vm.Program
	idents  []string
}

// Compile parses and type-checks src. Variables are resolved at evaluation
// time, so any identifier is accepted here; the expression must produce a
// boolean.
func Compile(src string) (*Condition, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("condition is empty")
	}
	program, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", src, err)
	}
	node := program.Node()
	var names identifiers
	ast.Walk(&node, &names)
	return &Condition{source: src, program: program, idents: names}, nil
}

// identifiers collects the names a program reads from its environment.
type identifiers []string

func (ids *identifiers) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.IdentifierNode); ok {
		*ids = append(*ids, n.Value)
	}
}

// MustCompile is like Compile but panics on error. Intended for tests.
func MustCompile(src string) *Condition {
	c, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return c
}

// Source returns the trimmed expression text.
func (c *Condition) Source() string { return c.source }

// Eval evaluates the condition against env. Missing variables evaluate to
// nil. An expression that fails while a variable it reads is missing, such
// as x > 0 without x, is false rather than an error, so a later default
// transition still applies.
func (c *Condition) Eval(env map[string]any) (bool, error) {
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		if c.readsMissing(env) {
			return false, nil
		}
		return false, fmt.Errorf("eval condition %q: %w", c.source, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T: %v)", c.source, out, out)
	}
	return result, nil
}

func (c *Condition) readsMissing(env map[string]any) bool {
	for _, name := range c.idents {
		if _, ok := env[name]; !ok {
			return true
		}
	}
	return false
}

package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/redq/internal/message"
)

// Selector is a compiled CEL message selector. The zero value admits every
// message.
type Selector struct {
	text string
	prog cel.Program
}

// CompileSelector compiles expr. Available variables:
//
//	properties          map(string, string)
//	body                string
//	json                dyn (body parsed as JSON, null otherwise)
//	redelivery_counter  int
//	destination         string
func CompileSelector(expr string) (Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Selector{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("properties", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("body", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("redelivery_counter", cel.IntType),
		cel.Variable("destination", cel.StringType),
	)
	if err != nil {
		return Selector{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Selector{}, fmt.Errorf("broker: selector %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return Selector{}, fmt.Errorf("broker: selector %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return Selector{}, err
	}
	return Selector{text: expr, prog: prog}, nil
}

// String returns the source expression.
func (s Selector) String() string { return s.text }

// Empty reports whether s admits everything.
func (s Selector) Empty() bool { return s.prog == nil }

// Accept evaluates s against m. Evaluation errors reject the message.
func (s Selector) Accept(m *message.Message) bool {
	if s.prog == nil {
		return true
	}
	props := m.Properties
	if props == nil {
		props = map[string]string{}
	}
	var doc any
	_ = json.Unmarshal(m.Body, &doc)
	out, _, err := s.prog.Eval(map[string]any{
		"properties":         props,
		"body":               string(m.Body),
		"json":               doc,
		"redelivery_counter": int64(m.RedeliveryCounter),
		"destination":        m.Destination.String(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

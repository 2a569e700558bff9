// Package admission decides which queues accept new messages, using a CEL
// expression over the queue name.
package admission

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
)

// Policy is a compiled admission expression. The zero value admits everything.
type Policy struct {
	prog cel.Program
	expr string
}

// Compile builds a Policy from expr, which sees the variable `queue` (string)
// and must evaluate to a bool. An empty expression admits every queue.
func Compile(expr string) (*Policy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Policy{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("queue", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("parse admission rule: %w", iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, fmt.Errorf("check admission rule: %w", iss2.Err())
	}
	if !reflect.DeepEqual(checked.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("admission rule must be boolean, got %s", checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Policy{prog: prog, expr: expr}, nil
}

// Admit reports whether messages may be created in queueName. Evaluation
// errors reject the queue.
func (p *Policy) Admit(queueName string) bool {
	if p == nil || p.prog == nil {
		return true
	}
	out, _, err := p.prog.Eval(map[string]any{"queue": queueName})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (p *Policy) String() string {
	if p == nil || p.expr == "" {
		return "true"
	}
	return p.expr
}

package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/calcline-labs/calcline/pkg/token"
)

// SyntaxError reports malformed expression text. It is raised before any
// evaluation takes place.
type SyntaxError struct {
	Pos     token.Position
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Pos.Line, e.Pos.Column, e.Message)
}

// EvalError reports a failure inside a single Evaluate call: an unknown
// name, a disallowed function, or a wrong arity. It carries the offending
// sub-expression and the scope it was evaluated against.
type EvalError struct {
	Node    Expr
	Scope   Scope
	Message string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation error in %q: %s (scope: %s)", e.Node.String(), e.Message, e.Scope.describe())
}

// evalErrorf builds an EvalError for the given node.
func evalErrorf(node Expr, scope Scope, format string, args ...any) *EvalError {
	return &EvalError{
		Node:    node,
		Scope:   scope,
		Message: fmt.Sprintf(format, args...),
	}
}

// describe renders the scope's names deterministically for error messages.
func (s Scope) describe() string {
	if len(s) == 0 {
		return "empty"
	}
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

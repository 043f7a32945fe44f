// Package expressions evaluates the expression languages used by builtin
// steps: CEL for predicates, expr-lang for assignments and jq for reshaping.
package expressions

import "context"

// Engine evaluates an expression against a data scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

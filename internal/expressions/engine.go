package expressions

import "context"

// Engine evaluates expressions against a working document.
// Three implementations: CEL and Expr for choice predicates, GoJQ for
// document transforms and item selection.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

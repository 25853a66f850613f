// Package expr evaluates the small, sandboxed expression sublanguage used by
// step conditions and declarative event predicates. Expressions are gval
// full-language expressions evaluated against a map scope: scope keys appear
// as top-level identifiers and JSONPath selectors ($.a.b) are available for
// nested access. There is no I/O and no access beyond the scope value.
package expr

import (
	"context"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

var language = gval.Full(jsonpath.Language())

// Evaluable is a compiled expression.
type Evaluable = gval.Evaluable

// Compile parses an expression once; the result is safe for concurrent use.
func Compile(expression string) (Evaluable, error) {
	return language.NewEvaluable(expression)
}

// Eval compiles and evaluates in one shot.
func Eval(ctx context.Context, expression string, scope map[string]any) (any, error) {
	ev, err := Compile(expression)
	if err != nil {
		return nil, err
	}
	return ev(ctx, scope)
}

// Truthy folds an expression result to a boolean the way the step-condition
// contract expects: nil, false, zero numbers and empty strings are falsy,
// everything else truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	default:
		return true
	}
}

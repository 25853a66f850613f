package scheduler

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/appos/domain/trigger"
	"github.com/R3E-Network/appos/internal/expr"
)

// ExprPredicate compiles an expression over the event payload into a trigger
// predicate, e.g. `tier == "premium"`. Compilation errors surface at
// registration time; evaluation errors make the predicate falsy so one bad
// payload cannot start a process it should not.
func ExprPredicate(expression string) (trigger.Predicate, error) {
	ev, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	return func(payload map[string]any) bool {
		v, err := ev(context.Background(), payload)
		if err != nil {
			return false
		}
		return expr.Truthy(v)
	}, nil
}

// PathPredicate matches a gjson path in the event payload against an
// expected value, e.g. PathPredicate("order.status", "paid").
func PathPredicate(path string, want any) trigger.Predicate {
	return func(payload map[string]any) bool {
		raw, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		res := gjson.GetBytes(raw, path)
		if !res.Exists() {
			return false
		}
		return looseEqual(res.Value(), want)
	}
}

// looseEqual compares across the numeric widening JSON round-trips cause.
func looseEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	return gok && wok && gf == wf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Package rules adapts user-authored JavaScript into registry rule handlers.
// Low-code applications declare most rules this way; Go-native rules register
// plain functions instead.
package rules

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

// JS compiles a JavaScript function expression into a rule handler. The
// function receives the rule inputs as its single argument and its return
// value becomes the rule result:
//
//	handler, err := rules.JS(`function(inputs) { return {total: inputs.a + inputs.b} }`)
//
// Each invocation runs in a fresh interpreter with no host access; a
// cancelled context interrupts the script.
func JS(source string) (func(ctx context.Context, inputs map[string]any) (any, error), error) {
	prog, err := goja.Compile("rule.js", "("+source+")", true)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, apperrors.CodeInvalidInput,
			"invalid rule script", err)
	}

	return func(ctx context.Context, inputs map[string]any) (any, error) {
		vm := goja.New()
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				vm.Interrupt(ctx.Err())
			case <-watchDone:
			}
		}()

		v, err := vm.RunProgram(prog)
		if err != nil {
			return nil, fmt.Errorf("rule script: %w", err)
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return nil, apperrors.Validation(apperrors.CodeInvalidInput,
				"rule script must evaluate to a function")
		}

		res, err := fn(goja.Undefined(), vm.ToValue(inputs))
		if err != nil {
			var interrupted *goja.InterruptedError
			if apperrors.As(err, &interrupted) {
				return nil, apperrors.Transient(err)
			}
			return nil, fmt.Errorf("rule script: %w", err)
		}
		return normalize(res.Export()), nil
	}, nil
}

// MustJS is JS for statically-known scripts; it panics on compile errors.
func MustJS(source string) func(ctx context.Context, inputs map[string]any) (any, error) {
	h, err := JS(source)
	if err != nil {
		panic(err)
	}
	return h
}

// normalize folds goja exports into the engine's document shapes.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	case int64:
		return float64(t)
	default:
		return v
	}
}

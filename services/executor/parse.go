package executor

import (
	"context"
	"fmt"

	"github.com/R3E-Network/appos/domain/process"
	apperrors "github.com/R3E-Network/appos/internal/errors"
	"github.com/R3E-Network/appos/internal/registry"
)

// parseDefinition invokes the process handler to obtain its step list.
// Handlers are pure and deterministic, so re-parsing reproduces the same
// list; the step index is the contract between enqueuing and executing.
// Nullary shapes are attempted before inputs-accepting ones.
func parseDefinition(ctx context.Context, reg *registry.Registered, inputs map[string]any) (*process.Definition, error) {
	steps, err := callProcessHandler(ctx, reg.Handler, inputs)
	if err != nil {
		return nil, err
	}

	def := &process.Definition{
		Ref:      reg.Ref,
		Steps:    steps,
		Metadata: reg.Metadata,
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func callProcessHandler(ctx context.Context, handler any, inputs map[string]any) (steps []process.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			steps = nil
			err = apperrors.Dispatch(apperrors.CodeBadHandler,
				fmt.Sprintf("process handler panicked: %v", r))
		}
	}()

	switch h := handler.(type) {
	case func() []process.Node:
		return h(), nil
	case func() ([]process.Node, error):
		return h()
	case func(map[string]any) []process.Node:
		return h(inputs), nil
	case func(map[string]any) ([]process.Node, error):
		return h(inputs)
	case func(context.Context, map[string]any) ([]process.Node, error):
		return h(ctx, inputs)
	default:
		return nil, apperrors.Dispatch(apperrors.CodeBadHandler,
			fmt.Sprintf("unsupported process handler shape %T", handler))
	}
}

package executor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	apperrors "github.com/R3E-Network/appos/internal/errors"
	"github.com/R3E-Network/appos/internal/policy"
	"github.com/R3E-Network/appos/internal/registry"
)

// Dispatcher invokes rules by dotted reference. It owns the permission check
// against the policy oracle; rule internals stay opaque to the executor.
type Dispatcher struct {
	registry registry.Resolver
	policy   policy.Oracle
	log      *logrus.Entry
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(resolver registry.Resolver, oracle policy.Oracle, log *logrus.Entry) *Dispatcher {
	if oracle == nil {
		oracle = policy.AllowAll{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Dispatcher{registry: resolver, policy: oracle, log: log}
}

// Dispatch resolves ref, checks permissions, and calls the rule handler.
// Handler panics surface as permanent dispatch errors carrying the stack.
func (d *Dispatcher) Dispatch(ctx context.Context, principal, ref string, inputs map[string]any) (result any, err error) {
	obj, ok := d.registry.Resolve(ref)
	if !ok {
		return nil, apperrors.Dispatch(apperrors.CodeUnknownRef, "object not registered").WithRef(ref)
	}
	if obj.ObjectType != registry.TypeRule {
		return nil, apperrors.Dispatch(apperrors.CodeWrongType,
			"expected rule, got %q", obj.ObjectType).WithRef(ref)
	}
	if err := d.policy.Check(principal, ref, policy.ActionInvoke); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Dispatch(apperrors.CodeBadHandler,
				"rule panicked: %v\n%s", r, debug.Stack()).WithRef(ref)
		}
	}()

	// The call table for the handler shapes rules may be registered with.
	switch h := obj.Handler.(type) {
	case func(context.Context, map[string]any) (any, error):
		return h(ctx, inputs)
	case func(map[string]any) (any, error):
		return h(inputs)
	case func(map[string]any) map[string]any:
		return h(inputs), nil
	case func() (any, error):
		return h()
	case func(context.Context, map[string]any) (map[string]any, error):
		return h(ctx, inputs)
	default:
		return nil, apperrors.Dispatch(apperrors.CodeBadHandler,
			fmt.Sprintf("unsupported rule handler shape %T", obj.Handler)).WithRef(ref)
	}
}

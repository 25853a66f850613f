package executor

import (
	"context"

	"github.com/R3E-Network/appos/domain/process"
)

// runSync executes every step in the caller's goroutine. Parallel group
// members run sequentially here; the ordering guarantees of async mode are a
// superset of this behaviour. Used by tests and small utilities.
func (e *Executor) runSync(ctx context.Context, inst *process.Instance, def *process.Definition, userID string) {
	st := newExecState(inst)

	for _, node := range def.Steps {
		// Honour cancel/pause between steps.
		latest, err := e.store.GetInstance(ctx, inst.InstanceID)
		if err != nil || latest.Status != process.StatusRunning {
			return
		}

		if node.IsParallel() {
			for _, member := range node.Members {
				step := member.Step
				flags := stepFlags{parallel: true, detached: step.FireAndForget}
				outcome, stepErr := e.executeStep(ctx, inst, st, step, flags)
				if outcome == outcomeRetryTask {
					e.log.WithError(stepErr).WithField("instance", inst.InstanceID).
						Error("aborting sync execution on store failure")
					return
				}
				if step.FireAndForget {
					continue
				}
				if outcome == outcomeFailed && step.OnError.Effective() == process.OnErrorFail {
					e.failInstance(ctx, inst.InstanceID, step.Name, stepErr)
					return
				}
			}
			continue
		}

		step := node.Step
		outcome, stepErr := e.executeStep(ctx, inst, st, step, stepFlags{detached: step.FireAndForget})
		if outcome == outcomeRetryTask {
			e.log.WithError(stepErr).WithField("instance", inst.InstanceID).
				Error("aborting sync execution on store failure")
			return
		}
		if step.FireAndForget {
			continue
		}
		if outcome == outcomeFailed && step.OnError.Effective() == process.OnErrorFail {
			e.failInstance(ctx, inst.InstanceID, step.Name, stepErr)
			return
		}
	}

	e.completeInstance(ctx, inst.InstanceID)
}

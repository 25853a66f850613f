package executor

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/appos/domain/process"
	apperrors "github.com/R3E-Network/appos/internal/errors"
	"github.com/R3E-Network/appos/internal/queue"
)

// stepTask is the queue payload: the index is the contract between enqueuing
// and executing, the definition itself is re-parsed on the worker.
type stepTask struct {
	InstanceID  string `json:"instance_id"`
	ProcessRef  string `json:"process_ref"`
	StepIndex   int    `json:"step_index"`
	MemberIndex int    `json:"member_index"`
	Parallel    bool   `json:"is_parallel"`
	Detached    bool   `json:"detached"`
	UserID      string `json:"user_id"`
}

func (e *Executor) enqueueTask(ctx context.Context, t stepTask) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, TaskExecuteStep, payload, queue.Options{})
}

// barrierSize counts the members that gate the group's fan-in; fire-and-
// forget members do not.
func barrierSize(node process.Node) int {
	n := 0
	for _, member := range node.Members {
		if !member.Step.FireAndForget {
			n++
		}
	}
	return n
}

// enqueueNode dispatches the node at index, completing the instance when the
// index runs past the definition. Parallel groups enqueue every member
// simultaneously; sequential fire-and-forget steps are dispatched detached
// and the successor is enqueued immediately.
func (e *Executor) enqueueNode(ctx context.Context, instanceID, processRef string, def *process.Definition, index int, userID string) error {
	if index >= len(def.Steps) {
		e.completeInstance(ctx, instanceID)
		return nil
	}

	node := def.Steps[index]
	base := stepTask{
		InstanceID:  instanceID,
		ProcessRef:  processRef,
		StepIndex:   index,
		MemberIndex: -1,
		UserID:      userID,
	}

	if node.IsParallel() {
		for mi := range node.Members {
			t := base
			t.MemberIndex = mi
			t.Parallel = true
			if err := e.enqueueTask(ctx, t); err != nil {
				return err
			}
		}
		if barrierSize(node) == 0 {
			// Every member is fire-and-forget; nothing gates the group.
			return e.enqueueNode(ctx, instanceID, processRef, def, index+1, userID)
		}
		return nil
	}

	step := node.Step
	if step.FireAndForget {
		now := e.clock.Now()
		if _, err := e.store.RecordStep(ctx, &process.StepLog{
			InstanceID:      instanceID,
			StepName:        step.Name,
			RuleRef:         qualifyRuleRef(step.Rule, processRef),
			Status:          process.StepAsyncDispatched,
			StartedAt:       now,
			Attempt:         1,
			IsFireAndForget: true,
		}, nil); err != nil {
			e.log.WithError(err).WithField("instance", instanceID).
				Warn("failed to record async dispatch")
		}
		t := base
		t.Detached = true
		if err := e.enqueueTask(ctx, t); err != nil {
			return err
		}
		return e.enqueueNode(ctx, instanceID, processRef, def, index+1, userID)
	}

	return e.enqueueTask(ctx, base)
}

// handleStepTask is the queue handler for step execution. Transient errors
// returned here make the queue redeliver the task; the step-log idempotency
// key absorbs the duplicates.
func (e *Executor) handleStepTask(ctx context.Context, payload []byte) error {
	var t stepTask
	if err := json.Unmarshal(payload, &t); err != nil {
		e.log.WithError(err).Error("malformed step task payload, dropping")
		return nil
	}
	log := e.log.WithFields(logrus.Fields{
		"instance": t.InstanceID,
		"index":    t.StepIndex,
	})

	inst, err := e.store.GetInstance(ctx, t.InstanceID)
	if apperrors.IsNotFound(err) {
		log.Error("process instance not found, dropping task")
		return nil
	}
	if err != nil {
		return apperrors.Transient(err)
	}

	if inst.Status == process.StatusPaused {
		return nil
	}

	reg, ok := e.registry.Resolve(t.ProcessRef)
	if !ok {
		e.failInstance(ctx, t.InstanceID, "",
			apperrors.Dispatch(apperrors.CodeUnknownRef, "object not registered").WithRef(t.ProcessRef))
		return nil
	}
	def, err := parseDefinition(ctx, reg, inst.Inputs)
	if err != nil {
		e.failInstance(ctx, t.InstanceID, "", err)
		return nil
	}
	if t.StepIndex >= len(def.Steps) {
		e.completeInstance(ctx, t.InstanceID)
		return nil
	}

	node := def.Steps[t.StepIndex]
	step, ok := t.resolveStep(node)
	if !ok {
		log.Error("step task does not match definition shape, dropping")
		return nil
	}

	// Workers check instance status at step boundaries: cancelled or failed
	// instances drop further dispatch and record late parallel members as
	// interrupted. Detached work still runs after a normal completion.
	if inst.Status.Terminal() {
		detachedAfterCompletion := inst.Status == process.StatusCompleted &&
			(t.Detached || (t.Parallel && step.FireAndForget))
		if !detachedAfterCompletion {
			if t.Parallel {
				e.recordInterrupted(ctx, inst, step, t.ProcessRef)
			}
			return nil
		}
	}

	st := newExecState(inst)
	outcome, stepErr := e.executeStep(ctx, inst, st, step, stepFlags{
		parallel: t.Parallel,
		detached: t.Detached,
	})
	if outcome == outcomeRetryTask {
		return apperrors.Transient(stepErr)
	}
	if outcome == outcomeInterrupted {
		return nil
	}

	// Detached outcomes never gate the process.
	if t.Detached {
		return nil
	}

	if t.Parallel {
		if outcome == outcomeFailed && !step.FireAndForget && step.OnError.Effective() == process.OnErrorFail {
			e.failInstance(ctx, t.InstanceID, step.Name, stepErr)
			return nil
		}
		if step.FireAndForget {
			return nil
		}
		done, err := e.store.BarrierArrive(ctx, t.InstanceID, t.StepIndex, barrierSize(node))
		if err != nil {
			return apperrors.Transient(err)
		}
		if done {
			if err := e.enqueueNode(ctx, t.InstanceID, t.ProcessRef, def, t.StepIndex+1, t.UserID); err != nil {
				return apperrors.Transient(err)
			}
		}
		return nil
	}

	if outcome == outcomeFailed && step.OnError.Effective() == process.OnErrorFail {
		e.failInstance(ctx, t.InstanceID, step.Name, stepErr)
		return nil
	}

	if err := e.enqueueNode(ctx, t.InstanceID, t.ProcessRef, def, t.StepIndex+1, t.UserID); err != nil {
		return apperrors.Transient(err)
	}
	return nil
}

func (t stepTask) resolveStep(node process.Node) (*process.Step, bool) {
	if t.Parallel {
		if !node.IsParallel() || t.MemberIndex < 0 || t.MemberIndex >= len(node.Members) {
			return nil, false
		}
		return node.Members[t.MemberIndex].Step, true
	}
	if node.IsParallel() {
		return nil, false
	}
	return node.Step, true
}

// recordInterrupted writes the terminal row for a parallel member that
// arrived after its instance went terminal.
func (e *Executor) recordInterrupted(ctx context.Context, inst *process.Instance, step *process.Step, processRef string) {
	attempt := 1
	if history, err := e.store.StepHistory(ctx, inst.InstanceID); err == nil {
		for _, row := range history {
			if row.StepName == step.Name && row.Attempt >= attempt {
				attempt = row.Attempt + 1
			}
		}
	}

	now := e.clock.Now()
	if _, err := e.store.RecordStep(ctx, &process.StepLog{
		InstanceID:      inst.InstanceID,
		StepName:        step.Name,
		RuleRef:         qualifyRuleRef(step.Rule, processRef),
		Status:          process.StepInterrupted,
		StartedAt:       now,
		CompletedAt:     &now,
		Attempt:         attempt,
		IsParallel:      true,
		IsFireAndForget: step.FireAndForget,
	}, nil); err != nil {
		e.log.WithError(err).WithField("instance", inst.InstanceID).
			Warn("failed to record interrupted member")
	}
}

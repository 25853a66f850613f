package executor

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/appos/domain/process"
	apperrors "github.com/R3E-Network/appos/internal/errors"
	"github.com/R3E-Network/appos/internal/expr"
	"github.com/R3E-Network/appos/pkg/metrics"
)

type stepOutcome int

const (
	outcomeCompleted stepOutcome = iota
	outcomeSkipped
	outcomeFailed
	// outcomeRetryTask signals an infrastructure write failure: the whole
	// task should be redelivered by the queue, not resolved by step policy.
	outcomeRetryTask
	// outcomeInterrupted marks a parallel member that finished after its
	// instance went terminal.
	outcomeInterrupted
)

type stepFlags struct {
	parallel bool
	detached bool
}

// execState carries the mutable variable scope across a step execution. In
// async mode it is rebuilt from the instance row for every task; in sync mode
// one state flows through all steps.
type execState struct {
	vars  map[string]any
	vis   map[string]string
	dirty bool
}

func newExecState(inst *process.Instance) *execState {
	st := &execState{
		vars: make(map[string]any, len(inst.Variables)),
		vis:  make(map[string]string, len(inst.VariableVisibility)),
	}
	for k, v := range inst.Variables {
		st.vars[k] = v
	}
	for k, v := range inst.VariableVisibility {
		st.vis[k] = v
	}
	return st
}

// mutation returns the instance write that persists the dirty scope.
func (s *execState) mutation() func(*process.Instance) error {
	if !s.dirty {
		return nil
	}
	vars := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	vis := make(map[string]string, len(s.vis))
	for k, v := range s.vis {
		vis[k] = v
	}
	return func(i *process.Instance) error {
		i.Variables = vars
		i.VariableVisibility = vis
		return nil
	}
}

// conditionScope exposes inputs and variables to condition expressions, with
// variables shadowing same-named inputs.
func conditionScope(inst *process.Instance, st *execState) map[string]any {
	scope := make(map[string]any, len(inst.Inputs)+len(st.vars))
	for k, v := range inst.Inputs {
		scope[k] = v
	}
	for k, v := range st.vars {
		scope[k] = v
	}
	return scope
}

// executeStep runs one step against the instance: condition gate, input
// mapping, rule dispatch with in-place fixed-delay retries, output mapping,
// and a durable step-log row per attempt. The returned error is the last
// dispatch failure when the outcome is failed, the store write error when
// the outcome is outcomeRetryTask, and nil otherwise.
func (e *Executor) executeStep(ctx context.Context, inst *process.Instance, st *execState, step *process.Step, flags stepFlags) (stepOutcome, error) {
	log := e.log.WithFields(logrus.Fields{
		"instance": inst.InstanceID,
		"step":     step.Name,
	})

	// Track the step pointer. The store keeps a terminal status final, so on
	// a concurrently cancelled instance only the pointer changes.
	if err := e.store.UpdateInstance(ctx, inst.InstanceID, func(i *process.Instance) error {
		i.CurrentStep = step.Name
		return nil
	}); err != nil && !apperrors.HasCode(err, apperrors.CodeTerminalInstance) {
		log.WithError(err).Warn("failed to update current step pointer")
	}

	ruleRef := qualifyRuleRef(step.Rule, inst.ProcessRef)

	if step.Condition != "" {
		v, err := expr.Eval(ctx, step.Condition, conditionScope(inst, st))
		if err != nil {
			// Conditions fail open to preserve forward progress.
			log.WithError(err).Warn("condition evaluation failed, proceeding with step")
		} else if !expr.Truthy(v) {
			now := e.clock.Now()
			completed := now
			_, rerr := e.store.RecordStep(ctx, &process.StepLog{
				InstanceID:      inst.InstanceID,
				StepName:        step.Name,
				RuleRef:         ruleRef,
				Status:          process.StepSkipped,
				StartedAt:       now,
				CompletedAt:     &completed,
				Attempt:         1,
				IsParallel:      flags.parallel,
				IsFireAndForget: step.FireAndForget,
			}, nil)
			if rerr != nil {
				log.WithError(rerr).Error("failed to record skipped step")
			}
			metrics.StepObserved(string(process.StepSkipped), 0)
			log.Info("step skipped, condition not met")
			return outcomeSkipped, nil
		}
	}

	stepInputs := e.buildStepInputs(inst, st, step)

	var lastErr error
	for attempt := 1; attempt <= step.RetryCount+1; attempt++ {
		attemptStart := e.clock.Now()

		if _, err := e.store.StartStep(ctx, &process.StepLog{
			InstanceID:      inst.InstanceID,
			StepName:        step.Name,
			RuleRef:         ruleRef,
			Status:          process.StepRunning,
			StartedAt:       attemptStart,
			Attempt:         attempt,
			IsParallel:      flags.parallel,
			IsFireAndForget: step.FireAndForget,
		}); err != nil {
			log.WithError(err).Warn("failed to record step start")
		}

		result, err := e.dispatcher.Dispatch(ctx, inst.StartedBy, ruleRef, stepInputs)

		if err == nil {
			err = e.applyOutputMapping(st, step, result)
		}

		duration := e.clock.Now().Sub(attemptStart)
		completed := e.clock.Now()

		if err == nil {
			// A member finishing after a sibling sank the group records
			// interrupted, not completed.
			if flags.parallel && !flags.detached {
				if latest, gerr := e.store.GetInstance(ctx, inst.InstanceID); gerr == nil &&
					(latest.Status == process.StatusFailed || latest.Status == process.StatusCancelled) {
					_, rerr := e.store.RecordStep(ctx, &process.StepLog{
						InstanceID:      inst.InstanceID,
						StepName:        step.Name,
						RuleRef:         ruleRef,
						Status:          process.StepInterrupted,
						StartedAt:       attemptStart,
						CompletedAt:     &completed,
						DurationMS:      float64(duration.Milliseconds()),
						Attempt:         attempt,
						IsParallel:      true,
						IsFireAndForget: step.FireAndForget,
					}, nil)
					if rerr != nil {
						log.WithError(rerr).Warn("failed to record interrupted member")
					}
					return outcomeInterrupted, nil
				}
			}
			entry := &process.StepLog{
				InstanceID:      inst.InstanceID,
				StepName:        step.Name,
				RuleRef:         ruleRef,
				Status:          process.StepCompleted,
				StartedAt:       attemptStart,
				CompletedAt:     &completed,
				DurationMS:      float64(duration.Milliseconds()),
				Attempt:         attempt,
				IsParallel:      flags.parallel,
				IsFireAndForget: step.FireAndForget,
			}
			if step.LogInputs {
				entry.Inputs = stepInputs
			}
			if step.LogOutputs {
				entry.Outputs = outputsForLog(result)
			}
			if _, rerr := e.store.RecordStep(ctx, entry, st.mutation()); rerr != nil {
				log.WithError(rerr).Error("failed to record step completion")
				return outcomeRetryTask, rerr
			}
			st.dirty = false
			metrics.StepObserved(string(process.StepCompleted), duration.Seconds())
			log.WithFields(logrus.Fields{
				"attempt":     attempt,
				"duration_ms": duration.Milliseconds(),
			}).Info("step completed")
			return outcomeCompleted, nil
		}

		lastErr = err
		entry := &process.StepLog{
			InstanceID:  inst.InstanceID,
			StepName:    step.Name,
			RuleRef:     ruleRef,
			Status:      process.StepFailed,
			StartedAt:   attemptStart,
			CompletedAt: &completed,
			DurationMS:  float64(duration.Milliseconds()),
			ErrorInfo: map[string]any{
				"error": err.Error(),
				"type":  apperrors.TypeName(err),
				"trace": errorTrace(err),
			},
			Attempt:         attempt,
			IsParallel:      flags.parallel,
			IsFireAndForget: step.FireAndForget,
		}
		if step.LogInputs {
			entry.Inputs = stepInputs
		}
		if _, rerr := e.store.RecordStep(ctx, entry, nil); rerr != nil {
			log.WithError(rerr).Error("failed to record step failure")
		}
		metrics.StepObserved(string(process.StepFailed), duration.Seconds())

		if attempt <= step.RetryCount {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"of":      step.RetryCount + 1,
				"delay":   step.RetryDelay,
			}).WithError(err).Warn("step failed, retrying")
			metrics.StepRetried()
			if serr := e.clock.Sleep(ctx, step.RetryDelay); serr != nil {
				return outcomeFailed, lastErr
			}
			continue
		}
	}

	log.WithError(lastErr).Warn("step failed, retries exhausted")
	return outcomeFailed, lastErr
}

// buildStepInputs binds rule parameters from the variable scope per the
// input mapping, or forwards the instance inputs whole.
func (e *Executor) buildStepInputs(inst *process.Instance, st *execState, step *process.Step) map[string]any {
	if len(step.InputMapping) == 0 {
		return inst.Inputs
	}
	inputs := make(map[string]any, len(step.InputMapping))
	for param, varName := range step.InputMapping {
		if v, ok := st.vars[varName]; ok {
			inputs[param] = v
			continue
		}
		inputs[param] = inst.Inputs[varName]
	}
	return inputs
}

// applyOutputMapping writes mapped rule outputs back into the variable
// scope. Mapped variables become output-visible so they surface in the
// instance outputs on completion. A non-mapping result under an output
// mapping is a dispatch error.
func (e *Executor) applyOutputMapping(st *execState, step *process.Step, result any) error {
	if len(step.OutputMapping) == 0 {
		return nil
	}
	resultMap, ok := result.(map[string]any)
	if !ok {
		return apperrors.Dispatch(apperrors.CodeBadShape,
			"rule returned %T, output mapping needs a mapping result", result)
	}
	for outKey, varName := range step.OutputMapping {
		if v, present := resultMap[outKey]; present {
			st.vars[varName] = v
			st.vis[varName] = process.VisibilityOutput
			st.dirty = true
		}
	}
	return nil
}

func outputsForLog(result any) map[string]any {
	if m, ok := result.(map[string]any); ok {
		return m
	}
	if result == nil {
		return nil
	}
	return map[string]any{"result": result}
}

// errorTrace renders the full error chain for the step log.
func errorTrace(err error) string {
	return err.Error()
}

// Package executor orchestrates process execution: instance creation, step
// dispatch through the task queue, retry and failure policy, parallel fan-in,
// durable step history, and the instance state machine.
package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/appos/domain/process"
	"github.com/R3E-Network/appos/internal/audit"
	"github.com/R3E-Network/appos/internal/clock"
	apperrors "github.com/R3E-Network/appos/internal/errors"
	"github.com/R3E-Network/appos/internal/policy"
	"github.com/R3E-Network/appos/internal/queue"
	"github.com/R3E-Network/appos/internal/registry"
	"github.com/R3E-Network/appos/pkg/metrics"
)

// TaskExecuteStep is the queue task name for step execution.
const TaskExecuteStep = "process.execute_step"

// Store captures the persistence surface the executor needs.
type Store interface {
	CreateInstance(ctx context.Context, inst *process.Instance) error
	GetInstance(ctx context.Context, id string) (*process.Instance, error)
	UpdateInstance(ctx context.Context, id string, mutate func(*process.Instance) error) error
	StartStep(ctx context.Context, entry *process.StepLog) (bool, error)
	RecordStep(ctx context.Context, entry *process.StepLog, mutate func(*process.Instance) error) (bool, error)
	StepHistory(ctx context.Context, id string) ([]process.StepLog, error)
	InterruptRunningSteps(ctx context.Context, id string) (int, error)
	BarrierArrive(ctx context.Context, id string, groupIndex, size int) (bool, error)
}

// Config configures the executor.
type Config struct {
	Registry registry.Resolver
	Policy   policy.Oracle
	Store    Store
	Queue    queue.Queue
	Clock    clock.Clock
	Logger   *logrus.Entry
	Sink     audit.Sink
}

// Executor starts and drives process instances.
type Executor struct {
	registry   registry.Resolver
	store      Store
	queue      queue.Queue
	clock      clock.Clock
	log        *logrus.Entry
	sink       audit.Sink
	dispatcher *Dispatcher
}

// New creates an executor and registers its step task handler on the queue.
func New(cfg Config) *Executor {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	ck := cfg.Clock
	if ck == nil {
		ck = clock.NewReal()
	}

	e := &Executor{
		registry:   cfg.Registry,
		store:      cfg.Store,
		queue:      cfg.Queue,
		clock:      ck,
		log:        log,
		sink:       cfg.Sink,
		dispatcher: NewDispatcher(cfg.Registry, cfg.Policy, log),
	}
	if e.queue != nil {
		e.queue.RegisterHandler(TaskExecuteStep, e.handleStepTask)
	}
	return e
}

// Dispatcher exposes the engine dispatcher for collaborators that invoke
// rules outside a process, e.g. webhook handlers.
func (e *Executor) Dispatcher() *Dispatcher { return e.dispatcher }

// newInstanceID builds the opaque instance identifier.
func newInstanceID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return "proc_" + hex.EncodeToString(buf)
}

// StartProcess starts a new instance of the referenced process. With async
// execution the first step is dispatched onto the task queue; otherwise every
// step runs in the caller's goroutine, which tests and small utilities use.
// Only registry and validation failures surface here; step-level failures are
// reflected in the instance status.
func (e *Executor) StartProcess(ctx context.Context, processRef string, inputs map[string]any, userID string, async bool) (*process.Descriptor, error) {
	reg, ok := e.registry.Resolve(processRef)
	if !ok {
		return nil, apperrors.Dispatch(apperrors.CodeUnknownRef, "object not registered").WithRef(processRef)
	}
	if reg.ObjectType != registry.TypeProcess {
		return nil, apperrors.Dispatch(apperrors.CodeWrongType,
			"expected process, got %q", reg.ObjectType).WithRef(processRef)
	}

	def, err := parseDefinition(ctx, reg, inputs)
	if err != nil {
		return nil, err
	}

	if userID == "" {
		userID = policy.SystemUser
	}

	displayName, _ := reg.Metadata["display_name"].(string)
	inst := &process.Instance{
		InstanceID:         newInstanceID(),
		ProcessRef:         processRef,
		AppName:            reg.AppName,
		DisplayName:        displayName,
		Status:             process.StatusRunning,
		Inputs:             inputs,
		Variables:          map[string]any{},
		VariableVisibility: map[string]string{},
		StartedAt:          e.clock.Now(),
		StartedBy:          userID,
		TriggeredBy:        processRef,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	triggerKind := "manual"
	if t, ok := inputs["trigger"].(string); ok && t != "" {
		triggerKind = t
	}
	metrics.ProcessStarted(triggerKind)
	e.emit(audit.KindInstanceStarted, map[string]any{
		"instance_id": inst.InstanceID,
		"process_ref": processRef,
		"started_by":  userID,
		"steps":       len(def.Steps),
	})
	e.log.WithFields(logrus.Fields{
		"process":  processRef,
		"instance": inst.InstanceID,
		"steps":    len(def.Steps),
		"async":    async,
	}).Info("started process")

	desc := &process.Descriptor{
		InstanceID: inst.InstanceID,
		ProcessRef: processRef,
		AppName:    inst.AppName,
		Status:     process.StatusRunning,
		StartedAt:  inst.StartedAt,
	}

	if len(def.Steps) == 0 {
		e.completeInstance(ctx, inst.InstanceID)
		desc.Status = process.StatusCompleted
		return desc, nil
	}

	if async {
		if err := e.enqueueNode(ctx, inst.InstanceID, processRef, def, 0, userID); err != nil {
			return nil, err
		}
		return desc, nil
	}

	e.runSync(ctx, inst, def, userID)
	if latest, err := e.store.GetInstance(ctx, inst.InstanceID); err == nil {
		desc.Status = latest.Status
	}
	return desc, nil
}

// GetInstance returns the current view of an instance, or nil when unknown.
func (e *Executor) GetInstance(ctx context.Context, id string) (*process.Instance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	return inst, err
}

// GetStepHistory returns the step log of an instance ordered by start time.
func (e *Executor) GetStepHistory(ctx context.Context, id string) ([]process.StepLog, error) {
	return e.store.StepHistory(ctx, id)
}

// Cancel terminates an instance. In-flight step rows are marked interrupted;
// workers drop further dispatch at step boundaries. Returns false when the
// instance is unknown or already terminal.
func (e *Executor) Cancel(ctx context.Context, id string) (bool, error) {
	err := e.store.UpdateInstance(ctx, id, func(i *process.Instance) error {
		if i.Status.Terminal() {
			return apperrors.Validation(apperrors.CodeTerminalInstance,
				"instance %q is %s, status is final", id, i.Status)
		}
		i.Status = process.StatusCancelled
		at := e.clock.Now()
		i.CompletedAt = &at
		return nil
	})
	if apperrors.IsNotFound(err) || apperrors.HasCode(err, apperrors.CodeTerminalInstance) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := e.store.InterruptRunningSteps(ctx, id); err != nil {
		return false, err
	}
	metrics.ProcessFinished(string(process.StatusCancelled))
	e.emit(audit.KindInstanceCancelled, map[string]any{"instance_id": id})
	e.log.WithField("instance", id).Info("cancelled process instance")
	return true, nil
}

// Pause suspends a running instance; queued step tasks are dropped at the
// status check and Resume re-dispatches from the current step.
func (e *Executor) Pause(ctx context.Context, id string) (bool, error) {
	err := e.store.UpdateInstance(ctx, id, func(i *process.Instance) error {
		if i.Status != process.StatusRunning {
			return apperrors.Validation(apperrors.CodeInvalidInput,
				"instance %q is %s, only running instances pause", id, i.Status)
		}
		i.Status = process.StatusPaused
		return nil
	})
	if err != nil {
		if apperrors.IsValidation(err) || apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Resume returns a paused instance to running and re-dispatches its current
// step. Step-log idempotency absorbs any duplicate rows the re-dispatch
// would otherwise create.
func (e *Executor) Resume(ctx context.Context, id string) (bool, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if inst.Status != process.StatusPaused {
		return false, nil
	}

	reg, ok := e.registry.Resolve(inst.ProcessRef)
	if !ok {
		return false, apperrors.Dispatch(apperrors.CodeUnknownRef, "object not registered").WithRef(inst.ProcessRef)
	}
	def, err := parseDefinition(ctx, reg, inst.Inputs)
	if err != nil {
		return false, err
	}

	if err := e.store.UpdateInstance(ctx, id, func(i *process.Instance) error {
		i.Status = process.StatusRunning
		return nil
	}); err != nil {
		return false, err
	}

	index := 0
	if inst.CurrentStep != "" {
		if i, ok := def.IndexOfStep(inst.CurrentStep); ok {
			index = i
		}
	}
	if err := e.enqueueNode(ctx, id, inst.ProcessRef, def, index, inst.StartedBy); err != nil {
		return false, err
	}
	return true, nil
}

// completeInstance marks an instance completed with outputs derived from the
// output-visible variables. Already-terminal instances are left untouched,
// which makes redelivered completions no-ops.
func (e *Executor) completeInstance(ctx context.Context, id string) {
	err := e.store.UpdateInstance(ctx, id, func(i *process.Instance) error {
		i.Status = process.StatusCompleted
		at := e.clock.Now()
		i.CompletedAt = &at
		i.Outputs = i.OutputVariables()
		return nil
	})
	if err != nil {
		if !apperrors.HasCode(err, apperrors.CodeTerminalInstance) {
			e.log.WithError(err).WithField("instance", id).Error("failed to complete instance")
		}
		return
	}
	metrics.ProcessFinished(string(process.StatusCompleted))
	e.emit(audit.KindInstanceCompleted, map[string]any{"instance_id": id})
	e.log.WithField("instance", id).Info("process completed")
}

// failInstance marks an instance failed with the step that sank it.
func (e *Executor) failInstance(ctx context.Context, id, stepName string, cause error) {
	err := e.store.UpdateInstance(ctx, id, func(i *process.Instance) error {
		i.Status = process.StatusFailed
		at := e.clock.Now()
		i.CompletedAt = &at
		i.ErrorInfo = map[string]any{
			"error":       cause.Error(),
			"type":        apperrors.TypeName(cause),
			"failed_step": stepName,
		}
		return nil
	})
	if err != nil {
		if !apperrors.HasCode(err, apperrors.CodeTerminalInstance) {
			e.log.WithError(err).WithField("instance", id).Error("failed to mark instance failed")
		}
		return
	}
	metrics.ProcessFinished(string(process.StatusFailed))
	e.emit(audit.KindInstanceFailed, map[string]any{
		"instance_id": id,
		"failed_step": stepName,
		"error":       cause.Error(),
	})
	e.log.WithFields(logrus.Fields{
		"instance": id,
		"step":     stepName,
	}).WithError(cause).Info("process failed")
}

func (e *Executor) emit(kind string, details map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(audit.NewRecord(kind, e.clock.Now(), details))
}

// qualifyRuleRef prefixes unqualified rule names with the app rules
// namespace derived from the process reference.
func qualifyRuleRef(rule, processRef string) string {
	if strings.Contains(rule, ".") {
		return rule
	}
	if i := strings.Index(processRef, "."); i > 0 {
		return processRef[:i] + ".rules." + rule
	}
	return rule
}

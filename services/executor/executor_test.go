package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/appos/domain/process"
	"github.com/R3E-Network/appos/internal/audit"
	"github.com/R3E-Network/appos/internal/clock"
	"github.com/R3E-Network/appos/internal/database"
	apperrors "github.com/R3E-Network/appos/internal/errors"
	"github.com/R3E-Network/appos/internal/policy"
	"github.com/R3E-Network/appos/internal/queue"
	"github.com/R3E-Network/appos/internal/registry"
)

type harness struct {
	t     *testing.T
	reg   *registry.Registry
	store *database.Memory
	pool  *queue.Pool
	clk   *clock.Manual
	sink  *audit.Memory
	exec  *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		reg:   registry.New(),
		store: database.NewMemory(),
		pool:  queue.NewPool(queue.PoolConfig{Concurrency: 4}),
		clk:   clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		sink:  audit.NewMemory(),
	}
	h.exec = New(Config{
		Registry: h.reg,
		Policy:   policy.AllowAll{},
		Store:    h.store,
		Queue:    h.pool,
		Clock:    h.clk,
		Sink:     h.sink,
	})
	require.NoError(t, h.pool.Start(context.Background()))
	t.Cleanup(func() { _ = h.pool.Stop() })
	return h
}

func (h *harness) rule(ref string, fn any) {
	h.t.Helper()
	require.NoError(h.t, h.reg.Register(&registry.Registered{
		Ref: ref, ObjectType: registry.TypeRule, Handler: fn,
	}))
}

func (h *harness) process(ref string, steps func() []process.Node) {
	h.t.Helper()
	require.NoError(h.t, h.reg.Register(&registry.Registered{
		Ref: ref, ObjectType: registry.TypeProcess, Handler: steps,
	}))
}

func (h *harness) wait() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.pool.Quiesce(ctx))
}

func (h *harness) instance(id string) *process.Instance {
	h.t.Helper()
	inst, err := h.exec.GetInstance(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, inst)
	return inst
}

func (h *harness) history(id string) []process.StepLog {
	h.t.Helper()
	history, err := h.exec.GetStepHistory(context.Background(), id)
	require.NoError(h.t, err)
	return history
}

func okRule(h *harness) func(map[string]any) (any, error) {
	return func(map[string]any) (any, error) {
		h.clk.Advance(time.Millisecond)
		return map[string]any{}, nil
	}
}

func TestLinearHappyPath(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r_a", okRule(h))
	h.rule("app.rules.r_b", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a"),
			process.NewStep("B", "r_b"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1",
		map[string]any{"x": 1}, "u1", true)
	require.NoError(t, err)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	require.True(t, inst.CompletedAt.After(inst.StartedAt), "completed_at > started_at")

	history := h.history(desc.InstanceID)
	require.Len(t, history, 2)
	require.Equal(t, "A", history[0].StepName)
	require.Equal(t, process.StepCompleted, history[0].Status)
	require.Equal(t, 1, history[0].Attempt)
	require.Equal(t, "B", history[1].StepName)
	require.Equal(t, process.StepCompleted, history[1].Status)
	require.Equal(t, 1, history[1].Attempt)

	// Unqualified rule names resolve into the app rules namespace.
	require.Equal(t, "app.rules.r_a", history[0].RuleRef)

	// Sequential steps start in definition order.
	require.False(t, history[1].StartedAt.Before(history[0].StartedAt))
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	var calls int32
	h.rule("app.rules.r_a", func(map[string]any) (any, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, apperrors.Transientf("connection reset")
		}
		return map[string]any{}, nil
	})
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a", process.WithRetry(2, 5*time.Second)),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusCompleted, inst.Status)

	history := h.history(desc.InstanceID)
	require.Len(t, history, 3)
	for i, want := range []process.StepStatus{process.StepFailed, process.StepFailed, process.StepCompleted} {
		require.Equal(t, want, history[i].Status, "row %d", i)
		require.Equal(t, i+1, history[i].Attempt)
		require.Equal(t, "A", history[i].StepName)
	}

	// The fixed inter-retry delay was honoured twice.
	slept := h.clk.SleptDurations()
	require.Len(t, slept, 2)
	for _, d := range slept {
		require.Equal(t, 5*time.Second, d)
	}
}

func TestOnErrorSkipContinuesToNextStep(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r_a", func(map[string]any) (any, error) {
		return nil, apperrors.Dispatch(apperrors.CodeBadHandler, "always fails")
	})
	h.rule("app.rules.r_b", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a", process.WithOnError(process.OnErrorSkip)),
			process.NewStep("B", "r_b"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	h.wait()

	require.Equal(t, process.StatusCompleted, h.instance(desc.InstanceID).Status)
	history := h.history(desc.InstanceID)
	require.Len(t, history, 2)
	require.Equal(t, process.StepFailed, history[0].Status)
	require.Equal(t, 1, history[0].Attempt)
	require.Equal(t, process.StepCompleted, history[1].Status)
}

func TestOnErrorFailMarksInstanceFailed(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r_a", func(map[string]any) (any, error) {
		return nil, apperrors.Dispatch(apperrors.CodeBadHandler, "boom")
	})
	h.rule("app.rules.r_b", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a"),
			process.NewStep("B", "r_b"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusFailed, inst.Status)
	require.Equal(t, "A", inst.ErrorInfo["failed_step"])
	require.Equal(t, "dispatch", inst.ErrorInfo["type"])
	require.NotNil(t, inst.CompletedAt)

	history := h.history(desc.InstanceID)
	require.Len(t, history, 1, "step B never runs")
	require.NotNil(t, history[0].ErrorInfo["trace"])
}

func TestParallelWithFireAndForget(t *testing.T) {
	h := newHarness(t)
	cDone := make(chan struct{})

	h.rule("app.rules.r1", okRule(h))
	h.rule("app.rules.r2", func(map[string]any) (any, error) {
		// Slow failing member: waits until C has run, proving the group
		// converged without it.
		select {
		case <-cDone:
		case <-time.After(3 * time.Second):
		}
		return nil, apperrors.Dispatch(apperrors.CodeBadHandler, "slow failure")
	})
	h.rule("app.rules.r_c", func(map[string]any) (any, error) {
		close(cDone)
		h.clk.Advance(time.Millisecond)
		return map[string]any{}, nil
	})
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewParallel(
				process.NewStep("M1", "r1"),
				process.NewStep("M2", "r2", process.FireAndForget()),
			),
			process.NewStep("C", "r_c"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusCompleted, inst.Status)

	byName := map[string]process.StepLog{}
	for _, row := range h.history(desc.InstanceID) {
		byName[row.StepName] = row
	}
	require.Equal(t, process.StepCompleted, byName["M1"].Status)
	require.True(t, byName["M1"].IsParallel)
	require.Equal(t, process.StepCompleted, byName["C"].Status)
	require.Equal(t, process.StepFailed, byName["M2"].Status,
		"fire-and-forget failure is recorded but does not gate the instance")
	require.True(t, byName["M2"].IsFireAndForget)
}

func TestParallelMemberFailureFailsInstance(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r1", func(map[string]any) (any, error) {
		return nil, apperrors.Dispatch(apperrors.CodeBadHandler, "fatal member")
	})
	h.rule("app.rules.r2", okRule(h))
	h.rule("app.rules.r_c", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewParallel(
				process.NewStep("M1", "r1"),
				process.NewStep("M2", "r2"),
			),
			process.NewStep("C", "r_c"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusFailed, inst.Status)

	byName := map[string]process.StepLog{}
	for _, row := range h.history(desc.InstanceID) {
		byName[row.StepName] = row
	}
	require.Equal(t, process.StepFailed, byName["M1"].Status)
	_, cRan := byName["C"]
	require.False(t, cRan, "successor never runs after group failure")
}

func TestConditionSkipsStep(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r_a", okRule(h))
	h.rule("app.rules.r_b", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a", process.WithCondition(`tier == "premium"`)),
			process.NewStep("B", "r_b"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1",
		map[string]any{"tier": "basic"}, "u1", true)
	require.NoError(t, err)
	h.wait()

	require.Equal(t, process.StatusCompleted, h.instance(desc.InstanceID).Status)
	history := h.history(desc.InstanceID)
	require.Len(t, history, 2)
	require.Equal(t, process.StepSkipped, history[0].Status)
	require.Equal(t, process.StepCompleted, history[1].Status)
}

func TestConditionErrorFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r_a", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a", process.WithCondition(`this is not an expression`)),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	h.wait()

	require.Equal(t, process.StatusCompleted, h.instance(desc.InstanceID).Status)
	history := h.history(desc.InstanceID)
	require.Len(t, history, 1)
	require.Equal(t, process.StepCompleted, history[0].Status)
}

func TestInputOutputMapping(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.double", func(inputs map[string]any) (any, error) {
		n, _ := inputs["n"].(int)
		return map[string]any{"doubled": n * 2}, nil
	})
	h.rule("app.rules.consume", func(inputs map[string]any) (any, error) {
		return map[string]any{"seen": inputs["value"]}, nil
	})
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("double", "double",
				process.WithInputMapping(map[string]string{"n": "x"}),
				process.WithOutputMapping(map[string]string{"doubled": "result"})),
			process.NewStep("consume", "consume",
				process.WithInputMapping(map[string]string{"value": "result"}),
				process.WithOutputMapping(map[string]string{"seen": "final"})),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1",
		map[string]any{"x": 21}, "u1", true)
	require.NoError(t, err)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusCompleted, inst.Status)
	require.Equal(t, 42, inst.Variables["result"])
	require.Equal(t, 42, inst.Variables["final"])
	require.Equal(t, map[string]any{"result": 42, "final": 42}, inst.Outputs,
		"mapped variables surface as instance outputs")
}

func TestOutputMappingBadShape(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r_a", func(map[string]any) (any, error) {
		return "just a string", nil
	})
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a",
				process.WithOutputMapping(map[string]string{"x": "y"})),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusFailed, inst.Status)
	history := h.history(desc.InstanceID)
	require.Len(t, history, 1)
	require.Equal(t, process.StepFailed, history[0].Status)
}

func TestEmptyProcessCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	h.process("app.processes.p1", func() []process.Node { return nil })

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	require.Equal(t, process.StatusCompleted, desc.Status)
	require.Equal(t, process.StatusCompleted, h.instance(desc.InstanceID).Status)
}

func TestStartProcess_UnknownRef(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec.StartProcess(context.Background(), "app.processes.missing", nil, "u1", true)
	require.True(t, apperrors.HasCode(err, apperrors.CodeUnknownRef))
}

func TestStartProcess_WrongType(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r_a", okRule(h))
	_, err := h.exec.StartProcess(context.Background(), "app.rules.r_a", nil, "u1", true)
	require.True(t, apperrors.HasCode(err, apperrors.CodeWrongType))
}

func TestStartProcess_InvalidDefinition(t *testing.T) {
	h := newHarness(t)
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a"),
			process.NewStep("A", "r_b"),
		}
	})
	_, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.True(t, apperrors.IsValidation(err))
}

func TestSyncExecution(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.r_a", okRule(h))
	h.rule("app.rules.r_b", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a"),
			process.NewParallel(
				process.NewStep("B", "r_b"),
			),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", false)
	require.NoError(t, err)
	require.Equal(t, process.StatusCompleted, desc.Status)
	require.Len(t, h.history(desc.InstanceID), 2)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.rule("app.rules.slow", func(map[string]any) (any, error) {
		<-release
		return map[string]any{}, nil
	})
	h.rule("app.rules.r_b", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "slow"),
			process.NewStep("B", "r_b"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)

	// Let the first step get in flight, then cancel.
	require.Eventually(t, func() bool {
		return len(h.history(desc.InstanceID)) > 0
	}, 2*time.Second, time.Millisecond)

	ok, err := h.exec.Cancel(context.Background(), desc.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)
	close(release)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusCancelled, inst.Status)

	// Cancelling again reports false; the terminal status never changes (P4).
	ok, err = h.exec.Cancel(context.Background(), desc.InstanceID)
	require.NoError(t, err)
	require.False(t, ok)

	for _, row := range h.history(desc.InstanceID) {
		require.NotEqual(t, "B", row.StepName, "no dispatch past a cancelled boundary")
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.rule("app.rules.r_a", func(map[string]any) (any, error) {
		<-gate
		return map[string]any{}, nil
	})
	h.rule("app.rules.r_b", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("A", "r_a"),
			process.NewStep("B", "r_b"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.history(desc.InstanceID)) > 0
	}, 2*time.Second, time.Millisecond)

	ok, err := h.exec.Pause(context.Background(), desc.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)
	close(gate)
	h.wait()

	// Step A finished but the paused instance dispatched nothing further.
	require.Equal(t, process.StatusPaused, h.instance(desc.InstanceID).Status)

	ok, err = h.exec.Resume(context.Background(), desc.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)
	h.wait()

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusCompleted, inst.Status)

	statuses := map[string]process.StepStatus{}
	for _, row := range h.history(desc.InstanceID) {
		statuses[row.StepName] = row.Status
	}
	require.Equal(t, process.StepCompleted, statuses["B"])
}

func TestSequentialFireAndForget(t *testing.T) {
	h := newHarness(t)
	h.rule("app.rules.notify", func(map[string]any) (any, error) {
		return nil, apperrors.Dispatch(apperrors.CodeBadHandler, "mail server down")
	})
	h.rule("app.rules.r_b", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{
			process.NewStep("notify", "notify", process.FireAndForget()),
			process.NewStep("B", "r_b"),
		}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", true)
	require.NoError(t, err)
	h.wait()

	require.Equal(t, process.StatusCompleted, h.instance(desc.InstanceID).Status,
		"detached failure does not change the instance outcome")

	byName := map[string]process.StepStatus{}
	for _, row := range h.history(desc.InstanceID) {
		byName[row.StepName+"/"+string(row.Status)] = row.Status
		byName[row.StepName] = row.Status
	}
	require.Equal(t, process.StepCompleted, byName["B"])
}

func TestGetInstance_UnknownReturnsNil(t *testing.T) {
	h := newHarness(t)
	inst, err := h.exec.GetInstance(context.Background(), "proc_nope")
	require.NoError(t, err)
	require.Nil(t, inst)
}

func TestPermissionDeniedFailsStep(t *testing.T) {
	h := newHarness(t)
	oracle := policy.NewStatic()
	oracle.Deny("u1", "app.rules.secret")
	h.exec = New(Config{
		Registry: h.reg,
		Policy:   oracle,
		Store:    h.store,
		Queue:    queue.NewPool(queue.PoolConfig{}),
		Clock:    h.clk,
		Sink:     h.sink,
	})

	h.rule("app.rules.secret", okRule(h))
	h.process("app.processes.p1", func() []process.Node {
		return []process.Node{process.NewStep("A", "secret")}
	})

	desc, err := h.exec.StartProcess(context.Background(), "app.processes.p1", nil, "u1", false)
	require.NoError(t, err)

	inst := h.instance(desc.InstanceID)
	require.Equal(t, process.StatusFailed, inst.Status)
	require.Equal(t, "security", inst.ErrorInfo["type"])
}

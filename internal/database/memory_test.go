package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/appos/domain/process"
	apperrors "github.com/R3E-Network/appos/internal/errors"
)

func newInstance(id string) *process.Instance {
	return &process.Instance{
		InstanceID: id,
		ProcessRef: "crm.processes.onboard",
		AppName:    "crm",
		Status:     process.StatusRunning,
		Inputs:     map[string]any{"x": 1},
		Variables:  map[string]any{},
		StartedAt:  time.Now().UTC(),
		StartedBy:  "u1",
	}
}

func TestMemory_InstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.CreateInstance(ctx, newInstance("proc_a1")))
	require.Error(t, store.CreateInstance(ctx, newInstance("proc_a1")), "duplicate ids rejected")

	inst, err := store.GetInstance(ctx, "proc_a1")
	require.NoError(t, err)
	require.Equal(t, process.StatusRunning, inst.Status)

	// Snapshots are independent of store state.
	inst.Variables["leak"] = true
	again, err := store.GetInstance(ctx, "proc_a1")
	require.NoError(t, err)
	require.NotContains(t, again.Variables, "leak")

	_, err = store.GetInstance(ctx, "proc_missing")
	require.True(t, apperrors.IsNotFound(err))
}

func TestMemory_TerminalStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.CreateInstance(ctx, newInstance("proc_a1")))

	require.NoError(t, store.UpdateInstance(ctx, "proc_a1", func(i *process.Instance) error {
		i.Status = process.StatusCompleted
		return nil
	}))

	err := store.UpdateInstance(ctx, "proc_a1", func(i *process.Instance) error {
		i.Status = process.StatusRunning
		return nil
	})
	require.Error(t, err)
	require.True(t, apperrors.HasCode(err, apperrors.CodeTerminalInstance))

	inst, err := store.GetInstance(ctx, "proc_a1")
	require.NoError(t, err)
	require.Equal(t, process.StatusCompleted, inst.Status)
}

func TestMemory_StepLogIdempotency(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.CreateInstance(ctx, newInstance("proc_a1")))

	entry := &process.StepLog{
		InstanceID: "proc_a1",
		StepName:   "validate",
		RuleRef:    "crm.rules.validate",
		Status:     process.StepRunning,
		StartedAt:  time.Now().UTC(),
		Attempt:    1,
	}
	created, err := store.StartStep(ctx, entry)
	require.NoError(t, err)
	require.True(t, created)

	// Redelivered task sees the existing row.
	created, err = store.StartStep(ctx, entry)
	require.NoError(t, err)
	require.False(t, created)

	done := *entry
	done.Status = process.StepCompleted
	applied, err := store.RecordStep(ctx, &done, func(i *process.Instance) error {
		i.Variables["validated"] = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, applied)

	// A second completion for the same attempt is a no-op and must not
	// re-run the instance mutation.
	applied, err = store.RecordStep(ctx, &done, func(i *process.Instance) error {
		i.Variables["validated"] = "corrupted"
		return nil
	})
	require.NoError(t, err)
	require.False(t, applied)

	inst, err := store.GetInstance(ctx, "proc_a1")
	require.NoError(t, err)
	require.Equal(t, true, inst.Variables["validated"])

	history, err := store.StepHistory(ctx, "proc_a1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, process.StepCompleted, history[0].Status)
}

func TestMemory_RecordStepWithoutStart(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.CreateInstance(ctx, newInstance("proc_a1")))

	// Skipped steps are written directly in their final state.
	applied, err := store.RecordStep(ctx, &process.StepLog{
		InstanceID: "proc_a1",
		StepName:   "optional",
		Status:     process.StepSkipped,
		StartedAt:  time.Now().UTC(),
		Attempt:    1,
	}, nil)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestMemory_InterruptRunningSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.CreateInstance(ctx, newInstance("proc_a1")))

	for i, name := range []string{"a", "b"} {
		_, err := store.StartStep(ctx, &process.StepLog{
			InstanceID: "proc_a1",
			StepName:   name,
			Status:     process.StepRunning,
			StartedAt:  time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			Attempt:    1,
		})
		require.NoError(t, err)
	}
	_, err := store.RecordStep(ctx, &process.StepLog{
		InstanceID: "proc_a1", StepName: "a", Status: process.StepCompleted,
		StartedAt: time.Now().UTC(), Attempt: 1,
	}, nil)
	require.NoError(t, err)

	n, err := store.InterruptRunningSteps(ctx, "proc_a1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	history, err := store.StepHistory(ctx, "proc_a1")
	require.NoError(t, err)
	byName := map[string]process.StepStatus{}
	for _, h := range history {
		byName[h.StepName] = h.Status
	}
	require.Equal(t, process.StepCompleted, byName["a"])
	require.Equal(t, process.StepInterrupted, byName["b"])
}

func TestMemory_BarrierArrive(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	done, err := store.BarrierArrive(ctx, "proc_a1", 0, 3)
	require.NoError(t, err)
	require.False(t, done)
	done, err = store.BarrierArrive(ctx, "proc_a1", 0, 3)
	require.NoError(t, err)
	require.False(t, done)
	done, err = store.BarrierArrive(ctx, "proc_a1", 0, 3)
	require.NoError(t, err)
	require.True(t, done, "last arrival releases the barrier")

	// A different group index is an independent barrier.
	done, err = store.BarrierArrive(ctx, "proc_a1", 2, 1)
	require.NoError(t, err)
	require.True(t, done)
}

func TestMemory_ClaimScheduleTick(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	minute := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	ok, err := store.ClaimScheduleTick(ctx, "crm.processes.nightly", minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ClaimScheduleTick(ctx, "crm.processes.nightly", minute)
	require.NoError(t, err)
	require.False(t, ok, "second worker loses the claim")

	ok, err = store.ClaimScheduleTick(ctx, "crm.processes.nightly", minute.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "next minute is a fresh claim")
}

func TestMemory_ConnectedSystems(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, err := store.GetCiphertext(ctx, "stripe")
	require.True(t, apperrors.IsNotFound(err))
	require.True(t, apperrors.IsNotFound(store.SetCiphertext(ctx, "stripe", []byte("x"))))

	require.NoError(t, store.CreateConnectedSystem(ctx, "stripe"))
	exists, err := store.ConnectedSystemExists(ctx, "stripe")
	require.NoError(t, err)
	require.True(t, exists)

	data, err := store.GetCiphertext(ctx, "stripe")
	require.NoError(t, err)
	require.Nil(t, data, "system without credentials yields nil")

	require.NoError(t, store.SetCiphertext(ctx, "stripe", []byte("v1:abc")))
	has, err := store.HasCiphertext(ctx, "stripe")
	require.NoError(t, err)
	require.True(t, has)

	data, err = store.GetCiphertext(ctx, "stripe")
	require.NoError(t, err)
	require.Equal(t, []byte("v1:abc"), data)

	require.NoError(t, store.ClearCiphertext(ctx, "stripe"))
	has, err = store.HasCiphertext(ctx, "stripe")
	require.NoError(t, err)
	require.False(t, has)
}

func TestMemory_RotateCiphertextsAbortsAtomically(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.CreateConnectedSystem(ctx, "a"))
	require.NoError(t, store.CreateConnectedSystem(ctx, "b"))
	require.NoError(t, store.SetCiphertext(ctx, "a", []byte("old-a")))
	require.NoError(t, store.SetCiphertext(ctx, "b", []byte("old-b")))

	_, err := store.RotateCiphertexts(ctx, func(name string, old []byte) ([]byte, error) {
		if name == "b" {
			return nil, apperrors.Security(apperrors.CodeAuthTagMismatch, "bad row")
		}
		return []byte("new-a"), nil
	})
	require.Error(t, err)

	data, err := store.GetCiphertext(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("old-a"), data, "failed rotation leaves all rows untouched")

	n, err := store.RotateCiphertexts(ctx, func(name string, old []byte) ([]byte, error) {
		return append([]byte("new-"), old[4:]...), nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	data, err = store.GetCiphertext(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []byte("new-b"), data)
}

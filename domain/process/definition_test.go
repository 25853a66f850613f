package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

func TestBuilder(t *testing.T) {
	node := NewStep("validate", "validate_customer",
		WithRetry(2, 5*time.Second),
		WithCondition(`amount > 100`),
		WithInputMapping(map[string]string{"id": "customer_id"}),
		WithOutputMapping(map[string]string{"ok": "validated"}),
		WithOnError(OnErrorSkip),
		LogInputs(),
		LogOutputs(),
	)

	require.False(t, node.IsParallel())
	s := node.Step
	require.Equal(t, "validate", s.Name)
	require.Equal(t, "validate_customer", s.Rule)
	require.Equal(t, 2, s.RetryCount)
	require.Equal(t, 5*time.Second, s.RetryDelay)
	require.Equal(t, OnErrorSkip, s.OnError)
	require.True(t, s.LogInputs)
	require.True(t, s.LogOutputs)
}

func TestFireAndForgetDefaultsToSkip(t *testing.T) {
	node := NewStep("notify", "notify_sales", FireAndForget())
	require.True(t, node.Step.FireAndForget)
	require.Equal(t, OnErrorSkip, node.Step.OnError)
}

func TestOnErrorEffective(t *testing.T) {
	require.Equal(t, OnErrorFail, OnError("").Effective())
	require.Equal(t, OnErrorFail, OnError("explode").Effective())
	require.Equal(t, OnErrorSkip, OnErrorSkip.Effective())
	require.Equal(t, OnErrorContinue, OnErrorContinue.Effective())
}

func TestValidate(t *testing.T) {
	valid := &Definition{
		Ref: "crm.processes.onboard",
		Steps: []Node{
			NewStep("a", "r_a"),
			NewParallel(
				NewStep("b", "r_b"),
				NewStep("c", "r_c", FireAndForget()),
			),
			NewStep("d", "r_d"),
		},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		def  *Definition
		code apperrors.Code
	}{
		{
			name: "duplicate step names",
			def: &Definition{Steps: []Node{
				NewStep("a", "r_a"),
				NewStep("a", "r_b"),
			}},
			code: apperrors.CodeDuplicateStep,
		},
		{
			name: "duplicate across parallel boundary",
			def: &Definition{Steps: []Node{
				NewStep("a", "r_a"),
				NewParallel(NewStep("a", "r_b")),
			}},
			code: apperrors.CodeDuplicateStep,
		},
		{
			name: "nested parallel",
			def: &Definition{Steps: []Node{
				NewParallel(NewParallel(NewStep("a", "r_a"))),
			}},
			code: apperrors.CodeNestedParallel,
		},
		{
			name: "missing rule",
			def:  &Definition{Steps: []Node{NewStep("a", "")}},
			code: apperrors.CodeInvalidStep,
		},
		{
			name: "negative retry",
			def: &Definition{Steps: []Node{
				{Step: &Step{Name: "a", Rule: "r", RetryCount: -1}},
			}},
			code: apperrors.CodeInvalidStep,
		},
		{
			name: "fire and forget with fail policy",
			def: &Definition{Steps: []Node{
				{Step: &Step{Name: "a", Rule: "r", FireAndForget: true, OnError: OnErrorFail}},
			}},
			code: apperrors.CodeInvalidStep,
		},
		{
			name: "empty parallel group",
			def:  &Definition{Steps: []Node{NewParallel()}},
			code: apperrors.CodeInvalidStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			require.Error(t, err)
			require.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestIndexOfStep(t *testing.T) {
	def := &Definition{Steps: []Node{
		NewStep("a", "r_a"),
		NewParallel(NewStep("b", "r_b"), NewStep("c", "r_c")),
	}}

	i, ok := def.IndexOfStep("a")
	require.True(t, ok)
	require.Equal(t, 0, i)

	i, ok = def.IndexOfStep("c")
	require.True(t, ok)
	require.Equal(t, 1, i)

	_, ok = def.IndexOfStep("zzz")
	require.False(t, ok)
}

func TestInstanceOutputVariables(t *testing.T) {
	inst := &Instance{
		Variables: map[string]any{"a": 1, "b": 2, "c": 3},
		VariableVisibility: map[string]string{
			"a": VisibilityOutput,
			"b": VisibilityPrivate,
		},
	}
	out := inst.OutputVariables()
	require.Equal(t, map[string]any{"a": 1}, out)
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		require.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusPaused, StatusInterrupted} {
		require.False(t, s.Terminal(), s)
	}
}

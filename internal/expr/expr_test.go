package expr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	scope := map[string]any{
		"tier":   "premium",
		"amount": 150.0,
		"order":  map[string]any{"lines": []any{map[string]any{"sku": "A1"}}},
	}

	tests := []struct {
		expr string
		want any
	}{
		{`tier == "premium"`, true},
		{`amount > 100`, true},
		{`amount > 100 && tier == "basic"`, false},
		{`$.order.lines[0].sku`, "A1"},
	}
	for _, tt := range tests {
		got, err := Eval(context.Background(), tt.expr, scope)
		require.NoError(t, err, tt.expr)
		require.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEval_UnknownIdentifier(t *testing.T) {
	got, err := Eval(context.Background(), `missing == "x"`, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, false, got)
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile(`tier ==`)
	require.Error(t, err)
}

func TestTruthy(t *testing.T) {
	truthy := []any{true, "x", 1, int64(2), 3.5, []any{}, map[string]any{}}
	for _, v := range truthy {
		require.True(t, Truthy(v), "%v", v)
	}
	falsy := []any{nil, false, "", 0, int64(0), 0.0}
	for _, v := range falsy {
		require.False(t, Truthy(v), "%v", v)
	}
}

package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJS_ReturnsMapping(t *testing.T) {
	handler, err := JS(`function(inputs) { return {total: inputs.a + inputs.b, ok: true} }`)
	require.NoError(t, err)

	out, err := handler(context.Background(), map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"total": 5.0, "ok": true}, out)
}

func TestJS_CompileError(t *testing.T) {
	_, err := JS(`function( { broken`)
	require.Error(t, err)
}

func TestJS_NotAFunction(t *testing.T) {
	handler, err := JS(`42`)
	require.NoError(t, err)
	_, err = handler(context.Background(), nil)
	require.Error(t, err)
}

func TestJS_ScriptException(t *testing.T) {
	handler, err := JS(`function(inputs) { throw new Error("bad input") }`)
	require.NoError(t, err)
	_, err = handler(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad input")
}

func TestJS_EachCallIsIsolated(t *testing.T) {
	handler, err := JS(`function(inputs) {
		if (globalThis.seen) { return {leaked: true} }
		globalThis.seen = 1;
		return {leaked: false};
	}`)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := handler(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"leaked": false}, out)
	}
}

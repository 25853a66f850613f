package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	sink := NewMemory()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sink.Emit(NewRecord(KindScheduleFired, at, map[string]any{"process_ref": "a.processes.p1"}))
	sink.Emit(NewRecord(KindStepLogged, at, nil))

	require.Len(t, sink.Records(), 2)

	fired := sink.ByKind(KindScheduleFired)
	require.Len(t, fired, 1)
	require.Equal(t, "a.processes.p1", fired[0].Details["process_ref"])
	require.NotEmpty(t, fired[0].ID)
	require.Equal(t, at, fired[0].At)

	require.Empty(t, sink.ByKind(KindInstanceFailed))
}

// Package audit is the append-only sink the engine emits durable
// step/instance/scheduler records to. Storage and query live outside the
// core; implementations here cover logging and test capture.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Record kinds emitted by the engine.
const (
	KindInstanceStarted   = "process.instance.started"
	KindInstanceCompleted = "process.instance.completed"
	KindInstanceFailed    = "process.instance.failed"
	KindInstanceCancelled = "process.instance.cancelled"
	KindStepLogged        = "process.step.logged"
	KindScheduleFired     = "scheduler.schedule.fired"
	KindScheduleDropped   = "scheduler.schedule.dropped"
	KindEventFired        = "scheduler.event.fired"
	KindCredentialsWrite  = "credentials.write"
	KindCredentialsDelete = "credentials.delete"
	KindKeyRotated        = "credentials.key_rotated"
)

// Record is one audit entry.
type Record struct {
	ID      string
	Kind    string
	At      time.Time
	Details map[string]any
}

// Sink receives audit records. Emit must not block on slow storage.
type Sink interface {
	Emit(rec Record)
}

// NewRecord stamps a record with an id and timestamp.
func NewRecord(kind string, at time.Time, details map[string]any) Record {
	return Record{ID: uuid.New().String(), Kind: kind, At: at, Details: details}
}

// LogSink writes records to the structured log.
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink creates a sink writing to log.
func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(rec Record) {
	s.log.WithFields(logrus.Fields{
		"audit_id":   rec.ID,
		"audit_kind": rec.Kind,
		"audit_at":   rec.At,
		"details":    rec.Details,
	}).Info("audit")
}

// Memory captures records for tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory creates an empty capture sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Emit(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

// Records returns a snapshot of everything emitted so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// ByKind returns emitted records of one kind.
func (m *Memory) ByKind(kind string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

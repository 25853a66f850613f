package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/appos/domain/process"
	apperrors "github.com/R3E-Network/appos/internal/errors"
)

// Memory is the in-memory store. One mutex serialises every operation, which
// gives the same effective isolation as the serialisable transactions the
// Postgres store runs.
type Memory struct {
	mu        sync.Mutex
	instances map[string]*process.Instance
	steps     map[string][]*process.StepLog
	systems   map[string]*memSystem
	barriers  map[string]*memBarrier
	cronSeen  map[string]bool
}

type memSystem struct {
	name       string
	ciphertext []byte
}

type memBarrier struct {
	arrived int
	size    int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]*process.Instance),
		steps:     make(map[string][]*process.StepLog),
		systems:   make(map[string]*memSystem),
		barriers:  make(map[string]*memBarrier),
		cronSeen:  make(map[string]bool),
	}
}

// ---------------------------------------------------------------------------
// Process instances
// ---------------------------------------------------------------------------

// CreateInstance inserts a new instance row.
func (m *Memory) CreateInstance(_ context.Context, inst *process.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.InstanceID]; exists {
		return apperrors.Validation(apperrors.CodeInvalidInput,
			"instance %q already exists", inst.InstanceID)
	}
	m.instances[inst.InstanceID] = inst.Clone()
	return nil
}

// GetInstance returns a snapshot of the instance.
func (m *Memory) GetInstance(_ context.Context, id string) (*process.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, apperrors.NotFound("process instance %q", id)
	}
	return inst.Clone(), nil
}

// UpdateInstance applies mutate to the instance inside the store lock.
// Status changes on terminal instances are refused.
func (m *Memory) UpdateInstance(_ context.Context, id string, mutate func(*process.Instance) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateInstanceLocked(id, mutate)
}

func (m *Memory) updateInstanceLocked(id string, mutate func(*process.Instance) error) error {
	inst, ok := m.instances[id]
	if !ok {
		return apperrors.NotFound("process instance %q", id)
	}
	prev := inst.Status
	work := inst.Clone()
	if err := mutate(work); err != nil {
		return err
	}
	if prev.Terminal() && work.Status != prev {
		return apperrors.Validation(apperrors.CodeTerminalInstance,
			"instance %q is %s, status is final", id, prev)
	}
	m.instances[id] = work
	return nil
}

// ---------------------------------------------------------------------------
// Step log
// ---------------------------------------------------------------------------

// StartStep inserts a running step-log row unless one already exists for the
// (instance, step, attempt) key. The false return signals a redelivered task.
func (m *Memory) StartStep(_ context.Context, entry *process.StepLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[entry.InstanceID]; !ok {
		return false, apperrors.NotFound("process instance %q", entry.InstanceID)
	}
	if m.findStepLocked(entry.InstanceID, entry.StepName, entry.Attempt) != nil {
		return false, nil
	}
	c := *entry
	m.steps[entry.InstanceID] = append(m.steps[entry.InstanceID], &c)
	return true, nil
}

// RecordStep finalises a step-log row and applies the instance mutation as
// one atomic write. A row already in a final state is left untouched and the
// mutation is skipped, making redelivered completions no-ops.
func (m *Memory) RecordStep(_ context.Context, entry *process.StepLog, mutate func(*process.Instance) error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[entry.InstanceID]; !ok {
		return false, apperrors.NotFound("process instance %q", entry.InstanceID)
	}

	existing := m.findStepLocked(entry.InstanceID, entry.StepName, entry.Attempt)
	if existing != nil && stepStatusFinal(string(existing.Status)) {
		return false, nil
	}

	if mutate != nil {
		if err := m.updateInstanceLocked(entry.InstanceID, mutate); err != nil {
			return false, err
		}
	}

	if existing != nil {
		started := existing.StartedAt
		*existing = *entry
		existing.StartedAt = started
	} else {
		c := *entry
		m.steps[entry.InstanceID] = append(m.steps[entry.InstanceID], &c)
	}
	return true, nil
}

func (m *Memory) findStepLocked(id, step string, attempt int) *process.StepLog {
	for _, s := range m.steps[id] {
		if s.StepName == step && s.Attempt == attempt {
			return s
		}
	}
	return nil
}

// StepHistory returns the step log ordered by start time.
func (m *Memory) StepHistory(_ context.Context, id string) ([]process.StepLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := m.steps[id]
	out := make([]process.StepLog, len(logs))
	order := make([]int, len(logs))
	for i := range logs {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return logs[order[a]].StartedAt.Before(logs[order[b]].StartedAt)
	})
	for i, idx := range order {
		out[i] = *logs[idx]
	}
	return out, nil
}

// InterruptRunningSteps marks pending/running rows interrupted, returning the
// number touched. Used by cancel and worker-shutdown paths.
func (m *Memory) InterruptRunningSteps(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, s := range m.steps[id] {
		if s.Status == process.StepRunning || s.Status == process.StepPending {
			s.Status = process.StepInterrupted
			at := now
			s.CompletedAt = &at
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Parallel fan-in and cron dedup
// ---------------------------------------------------------------------------

// BarrierArrive counts one member completion for the (instance, group) fan-in
// barrier; the true return goes to the arrival that reaches size and to any
// redelivered arrival after it.
func (m *Memory) BarrierArrive(_ context.Context, id string, groupIndex, size int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s#%d", id, groupIndex)
	b, ok := m.barriers[key]
	if !ok {
		b = &memBarrier{size: size}
		m.barriers[key] = b
	}
	b.arrived++
	// >= so a redelivered member task cannot strand the barrier past size.
	return b.arrived >= b.size, nil
}

// ClaimScheduleTick records a (process, minute) cron firing, returning false
// when another worker already claimed it.
func (m *Memory) ClaimScheduleTick(_ context.Context, ref string, minute time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ref + "@" + MinuteKey(minute).Format(time.RFC3339)
	if m.cronSeen[key] {
		return false, nil
	}
	m.cronSeen[key] = true
	return true, nil
}

// ---------------------------------------------------------------------------
// Connected systems
// ---------------------------------------------------------------------------

// CreateConnectedSystem registers a connected-system record. The admin
// console owns the rest of the record; the engine only needs the name.
func (m *Memory) CreateConnectedSystem(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.systems[name]; !ok {
		m.systems[name] = &memSystem{name: name}
	}
	return nil
}

// ConnectedSystemExists reports whether the named system is registered.
func (m *Memory) ConnectedSystemExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.systems[name]
	return ok, nil
}

// GetCiphertext returns the stored ciphertext, nil when none is stored.
func (m *Memory) GetCiphertext(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sys, ok := m.systems[name]
	if !ok {
		return nil, apperrors.NotFound("connected system %q", name)
	}
	if sys.ciphertext == nil {
		return nil, nil
	}
	out := make([]byte, len(sys.ciphertext))
	copy(out, sys.ciphertext)
	return out, nil
}

// SetCiphertext replaces the stored ciphertext atomically.
func (m *Memory) SetCiphertext(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sys, ok := m.systems[name]
	if !ok {
		return apperrors.NotFound("connected system %q", name)
	}
	c := make([]byte, len(data))
	copy(c, data)
	sys.ciphertext = c
	return nil
}

// ClearCiphertext removes stored credentials; the system record stays.
func (m *Memory) ClearCiphertext(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sys, ok := m.systems[name]
	if !ok {
		return apperrors.NotFound("connected system %q", name)
	}
	sys.ciphertext = nil
	return nil
}

// HasCiphertext reports whether credentials are stored, without reading them.
func (m *Memory) HasCiphertext(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sys, ok := m.systems[name]
	return ok && sys.ciphertext != nil, nil
}

// RotateCiphertexts rewrites every stored ciphertext through fn in one
// all-or-nothing pass.
func (m *Memory) RotateCiphertexts(_ context.Context, fn func(name string, old []byte) ([]byte, error)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.systems))
	for name, sys := range m.systems {
		if sys.ciphertext != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	rotated := make(map[string][]byte, len(names))
	for _, name := range names {
		next, err := fn(name, m.systems[name].ciphertext)
		if err != nil {
			return 0, err
		}
		rotated[name] = next
	}
	for name, data := range rotated {
		m.systems[name].ciphertext = data
	}
	return len(rotated), nil
}

package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/appos/domain/trigger"
	apperrors "github.com/R3E-Network/appos/internal/errors"
)

// EventTriggerRegistry maps event names to the processes that should start
// when the event fires. Insertion order is preserved; (event, process) pairs
// are deduplicated. Reads work on snapshots so dispatch never holds the lock.
type EventTriggerRegistry struct {
	mu       sync.RWMutex
	triggers map[string][]trigger.EventBinding
}

// NewEventTriggerRegistry creates an empty registry.
func NewEventTriggerRegistry() *EventTriggerRegistry {
	return &EventTriggerRegistry{triggers: make(map[string][]trigger.EventBinding)}
}

// Register appends a binding unless the (event, process) pair already exists.
func (r *EventTriggerRegistry) Register(eventName, processRef string, predicate trigger.Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.triggers[eventName] {
		if b.ProcessRef == processRef {
			return
		}
	}
	r.triggers[eventName] = append(r.triggers[eventName],
		trigger.EventBinding{ProcessRef: processRef, Predicate: predicate})
}

// Unregister removes the first binding of processRef for eventName.
func (r *EventTriggerRegistry) Unregister(eventName, processRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bindings := r.triggers[eventName]
	for i, b := range bindings {
		if b.ProcessRef == processRef {
			r.triggers[eventName] = append(bindings[:i:i], bindings[i+1:]...)
			return
		}
	}
}

// GetTriggers returns the bindings for eventName in registration order.
func (r *EventTriggerRegistry) GetTriggers(eventName string) []trigger.EventBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bindings := r.triggers[eventName]
	out := make([]trigger.EventBinding, len(bindings))
	copy(out, bindings)
	return out
}

// Events returns the names of all registered events.
func (r *EventTriggerRegistry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.triggers))
	for name := range r.triggers {
		out = append(out, name)
	}
	return out
}

// Clear empties the registry.
func (r *EventTriggerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = make(map[string][]trigger.EventBinding)
}

// Count returns the total number of bindings.
func (r *EventTriggerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, bindings := range r.triggers {
		n += len(bindings)
	}
	return n
}

// cronParser accepts exactly the five-field dialect: minute, hour,
// day-of-month, month, day-of-week.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// scheduleEntry pairs the declared schedule with its parsed form.
type scheduleEntry struct {
	trigger.Schedule
	sched cron.Schedule
	loc   *time.Location
}

// ScheduleTriggerRegistry holds cron-based process triggers. A process may
// carry several schedules.
type ScheduleTriggerRegistry struct {
	mu      sync.RWMutex
	entries []scheduleEntry
}

// NewScheduleTriggerRegistry creates an empty registry.
func NewScheduleTriggerRegistry() *ScheduleTriggerRegistry {
	return &ScheduleTriggerRegistry{}
}

// Register validates and adds a cron-based trigger. Invalid expressions and
// unknown time zones are rejected synchronously.
func (r *ScheduleTriggerRegistry) Register(processRef, cronExpr, timezone string) error {
	fields := strings.Fields(cronExpr)
	if len(fields) != 5 {
		return apperrors.Validation(apperrors.CodeInvalidCron,
			"cron expression must have 5 fields, got %d: %q", len(fields), cronExpr)
	}
	fields[4] = normalizeDow(fields[4])

	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, apperrors.CodeInvalidCron,
			"invalid cron expression "+cronExpr, err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, apperrors.CodeInvalidCron,
			"unknown time zone "+timezone, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, scheduleEntry{
		Schedule: trigger.Schedule{
			ProcessRef: processRef,
			Cron:       cronExpr,
			TimeZone:   timezone,
			Enabled:    true,
		},
		sched: sched,
		loc:   loc,
	})
	return nil
}

// normalizeDow maps day-of-week 7 to 0; both mean Sunday.
func normalizeDow(field string) string {
	parts := strings.Split(field, ",")
	for i, p := range parts {
		switch {
		case p == "7":
			parts[i] = "0"
		case strings.HasSuffix(p, "-7"):
			// A range ending on Sunday wraps: e.g. 5-7 means Fri..Sun.
			parts[i] = strings.TrimSuffix(p, "-7") + "-6,0"
		}
	}
	return strings.Join(parts, ",")
}

// Unregister removes all schedules for a process.
func (r *ScheduleTriggerRegistry) Unregister(processRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.ProcessRef != processRef {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// SetEnabled toggles every schedule of a process.
func (r *ScheduleTriggerRegistry) SetEnabled(processRef string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ProcessRef == processRef {
			r.entries[i].Enabled = enabled
		}
	}
}

// Schedules returns the declared schedules in registration order.
func (r *ScheduleTriggerRegistry) Schedules() []trigger.Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]trigger.Schedule, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Schedule
	}
	return out
}

// enabledEntries snapshots the enabled entries for the cron scheduler.
func (r *ScheduleTriggerRegistry) enabledEntries() []scheduleEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]scheduleEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// Clear empties the registry.
func (r *ScheduleTriggerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Count returns the number of registered schedules.
func (r *ScheduleTriggerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// matchesMinute reports whether the schedule fires on the given minute
// boundary, evaluated in the schedule's time zone.
func (e *scheduleEntry) matchesMinute(minute time.Time) bool {
	local := minute.In(e.loc)
	return e.sched.Next(local.Add(-time.Second)).Equal(local)
}

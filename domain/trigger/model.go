// Package trigger holds the value types binding stimuli (named events and
// cron ticks) to process references.
package trigger

// Type represents the supported trigger categories.
type Type string

const (
	TypeEvent    Type = "event"
	TypeSchedule Type = "schedule"
)

// Predicate filters event payloads. A nil predicate matches everything.
type Predicate func(payload map[string]any) bool

// EventBinding ties a process to a named event, optionally gated by a
// predicate over the event payload.
type EventBinding struct {
	ProcessRef string
	Predicate  Predicate
}

// Schedule ties a process to a cron expression evaluated in a time zone.
type Schedule struct {
	ProcessRef string
	Cron       string
	TimeZone   string
	Enabled    bool
}

// OnEvent builds the metadata entry a process declares to be started by an
// event.
func OnEvent(name string) map[string]any {
	return map[string]any{"type": string(TypeEvent), "event": name}
}

// OnSchedule builds the metadata entry a process declares to be started on a
// cron schedule.
func OnSchedule(cron, timezone string) map[string]any {
	return map[string]any{"type": string(TypeSchedule), "cron": cron, "timezone": timezone}
}

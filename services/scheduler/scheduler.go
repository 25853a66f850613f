// Package scheduler binds stimuli to process starts: named events through
// the event trigger registry, and cron expressions through the schedule
// registry and the minute-boundary cron loop.
package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/appos/domain/process"
	"github.com/R3E-Network/appos/domain/trigger"
	"github.com/R3E-Network/appos/internal/audit"
	"github.com/R3E-Network/appos/internal/clock"
	"github.com/R3E-Network/appos/internal/policy"
	"github.com/R3E-Network/appos/internal/registry"
)

// Starter is the slice of the process executor the scheduler needs.
type Starter interface {
	StartProcess(ctx context.Context, ref string, inputs map[string]any, userID string, async bool) (*process.Descriptor, error)
}

// Lister is the slice of the object registry Initialize scans.
type Lister interface {
	All() []*registry.Registered
}

// Config configures the scheduler.
type Config struct {
	Registry Lister
	Starter  Starter
	Clock    clock.Clock
	Logger   *logrus.Entry
	Sink     audit.Sink
}

// Scheduler owns both trigger registries, populates them from process
// metadata, and fires events into process starts.
type Scheduler struct {
	Events    *EventTriggerRegistry
	Schedules *ScheduleTriggerRegistry

	registry Lister
	starter  Starter
	clock    clock.Clock
	log      *logrus.Entry
	sink     audit.Sink

	initOnce sync.Once
}

// New creates a scheduler with empty registries.
func New(cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	ck := cfg.Clock
	if ck == nil {
		ck = clock.NewReal()
	}
	return &Scheduler{
		Events:    NewEventTriggerRegistry(),
		Schedules: NewScheduleTriggerRegistry(),
		registry:  cfg.Registry,
		starter:   cfg.Starter,
		clock:     ck,
		log:       log,
		sink:      cfg.Sink,
	}
}

// Initialize scans registered processes and populates the trigger registries
// from their metadata. Called once during runtime startup.
func (s *Scheduler) Initialize() {
	s.initOnce.Do(func() {
		if s.registry == nil {
			return
		}
		processes, events, schedules := 0, 0, 0
		for _, obj := range s.registry.All() {
			if obj.ObjectType != registry.TypeProcess {
				continue
			}
			processes++
			for _, raw := range metadataTriggers(obj.Metadata) {
				switch raw["type"] {
				case string(trigger.TypeEvent):
					name, _ := raw["event"].(string)
					if name == "" {
						continue
					}
					s.Events.Register(name, obj.Ref, nil)
					events++
				case string(trigger.TypeSchedule):
					cronExpr, _ := raw["cron"].(string)
					if cronExpr == "" {
						continue
					}
					tz, _ := raw["timezone"].(string)
					if err := s.Schedules.Register(obj.Ref, cronExpr, tz); err != nil {
						s.log.WithError(err).WithField("process", obj.Ref).
							Warn("rejected schedule trigger")
						continue
					}
					schedules++
				}
			}
		}
		s.log.WithFields(logrus.Fields{
			"processes": processes,
			"events":    events,
			"schedules": schedules,
		}).Info("scheduler initialized")
	})
}

func metadataTriggers(metadata map[string]any) []map[string]any {
	if metadata == nil {
		return nil
	}
	var out []map[string]any
	switch list := metadata["triggers"].(type) {
	case []map[string]any:
		out = list
	case []any:
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// FireEvent starts every process registered for the named event whose
// predicate is absent or truthy, in registration order. Start failures are
// logged and skipped; one bad trigger must not block its siblings.
func (s *Scheduler) FireEvent(ctx context.Context, eventName string, payload map[string]any, userID string, async bool) []process.Descriptor {
	bindings := s.Events.GetTriggers(eventName)
	if len(bindings) == 0 {
		s.log.WithField("event", eventName).Debug("no triggers registered for event")
		return []process.Descriptor{}
	}
	if userID == "" {
		userID = policy.SystemUser
	}

	started := make([]process.Descriptor, 0, len(bindings))
	for _, b := range bindings {
		if b.Predicate != nil && !b.Predicate(payload) {
			s.log.WithFields(logrus.Fields{
				"event":   eventName,
				"process": b.ProcessRef,
			}).Debug("predicate filtered trigger")
			continue
		}

		desc, err := s.starter.StartProcess(ctx, b.ProcessRef, payload, userID, async)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"event":   eventName,
				"process": b.ProcessRef,
			}).Error("failed to start process from event")
			continue
		}
		started = append(started, *desc)
		s.emit(audit.KindEventFired, map[string]any{
			"event":       eventName,
			"process_ref": b.ProcessRef,
			"instance_id": desc.InstanceID,
		})
		s.log.WithFields(logrus.Fields{
			"event":    eventName,
			"process":  b.ProcessRef,
			"instance": desc.InstanceID,
		}).Info("event triggered process")
	}
	return started
}

func (s *Scheduler) emit(kind string, details map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(audit.NewRecord(kind, s.clock.Now(), details))
}

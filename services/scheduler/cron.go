package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/appos/internal/audit"
	"github.com/R3E-Network/appos/internal/clock"
	"github.com/R3E-Network/appos/internal/policy"
	"github.com/R3E-Network/appos/pkg/metrics"
)

// DefaultCatchUpWindow bounds how far back a late scheduler walks missed
// minute boundaries. Older misses are dropped with an audit entry, which
// caps the storm after a long pause while keeping at-least-once delivery.
const DefaultCatchUpWindow = 10 * time.Minute

// TickClaimer is the store-level dedup: a firing is dispatched only by the
// worker that wins the (process, minute) claim.
type TickClaimer interface {
	ClaimScheduleTick(ctx context.Context, ref string, minute time.Time) (bool, error)
}

// CronConfig configures the cron scheduler.
type CronConfig struct {
	Schedules     *ScheduleTriggerRegistry
	Starter       Starter
	Claimer       TickClaimer
	Clock         clock.Clock
	Logger        *logrus.Entry
	Sink          audit.Sink
	CatchUpWindow time.Duration
}

// Cron wakes on wall-clock minute boundaries and starts every process whose
// schedule matches the minute in its own time zone.
type Cron struct {
	cfg  CronConfig
	last time.Time

	mu      sync.Mutex
	stop    context.CancelFunc
	stopped chan struct{}
}

// NewCron creates the cron scheduler.
func NewCron(cfg CronConfig) *Cron {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.New())
	}
	if cfg.CatchUpWindow <= 0 {
		cfg.CatchUpWindow = DefaultCatchUpWindow
	}
	return &Cron{cfg: cfg}
}

// Start launches the tick loop.
func (c *Cron) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.stopped = make(chan struct{})
	go c.run(runCtx)
	return nil
}

// Stop halts the tick loop.
func (c *Cron) Stop() error {
	c.mu.Lock()
	stop, stopped := c.stop, c.stopped
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-stopped
	}
	return nil
}

func (c *Cron) run(ctx context.Context) {
	defer close(c.stopped)
	ticks := c.cfg.Clock.Ticks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-ticks:
			if !ok {
				return
			}
			c.Tick(ctx, now)
		}
	}
}

// Tick processes one wake-up. A late wake-up fires at most one instance per
// schedule per missed minute boundary, oldest first, bounded by the catch-up
// window.
func (c *Cron) Tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	boundaries := c.pendingBoundaries(minute)
	if len(boundaries) == 0 {
		return
	}

	entries := c.cfg.Schedules.enabledEntries()
	for _, boundary := range boundaries {
		for _, entry := range entries {
			if !entry.matchesMinute(boundary) {
				continue
			}
			c.fire(ctx, entry, boundary)
		}
	}
	c.last = minute
}

// pendingBoundaries lists the minute boundaries to evaluate, applying the
// catch-up cap and auditing dropped misses.
func (c *Cron) pendingBoundaries(minute time.Time) []time.Time {
	if c.last.IsZero() {
		return []time.Time{minute}
	}
	if !minute.After(c.last) {
		return nil
	}

	oldest := minute.Add(-c.cfg.CatchUpWindow)
	from := c.last.Add(time.Minute)
	if from.Before(oldest) {
		dropped := int(oldest.Sub(from) / time.Minute)
		c.cfg.Logger.WithFields(logrus.Fields{
			"dropped_minutes": dropped,
			"window":          c.cfg.CatchUpWindow,
		}).Warn("scheduler woke late, dropping old minute boundaries")
		c.emit(audit.KindScheduleDropped, map[string]any{
			"dropped_minutes": dropped,
			"from":            from,
			"until":           oldest,
		})
		metrics.ScheduleDropped(dropped)
		from = oldest
	}

	var out []time.Time
	for b := from; !b.After(minute); b = b.Add(time.Minute) {
		out = append(out, b)
	}
	return out
}

func (c *Cron) fire(ctx context.Context, entry scheduleEntry, boundary time.Time) {
	if c.cfg.Claimer != nil {
		claimed, err := c.cfg.Claimer.ClaimScheduleTick(ctx, entry.ProcessRef, boundary)
		if err != nil {
			c.cfg.Logger.WithError(err).WithField("process", entry.ProcessRef).
				Error("schedule tick claim failed")
			return
		}
		if !claimed {
			return
		}
	}

	inputs := map[string]any{
		"trigger": "schedule",
		"ts":      boundary.UTC().Format(time.RFC3339),
	}
	desc, err := c.cfg.Starter.StartProcess(ctx, entry.ProcessRef, inputs, policy.SystemUser, true)
	if err != nil {
		c.cfg.Logger.WithError(err).WithField("process", entry.ProcessRef).
			Error("scheduled process failed to start")
		return
	}

	metrics.ScheduleFired()
	c.emit(audit.KindScheduleFired, map[string]any{
		"process_ref": entry.ProcessRef,
		"cron":        entry.Cron,
		"minute":      boundary,
		"instance_id": desc.InstanceID,
	})
	c.cfg.Logger.WithFields(logrus.Fields{
		"process":  entry.ProcessRef,
		"instance": desc.InstanceID,
		"minute":   boundary,
	}).Info("scheduled process started")
}

func (c *Cron) emit(kind string, details map[string]any) {
	if c.cfg.Sink == nil {
		return
	}
	c.cfg.Sink.Emit(audit.NewRecord(kind, c.cfg.Clock.Now(), details))
}

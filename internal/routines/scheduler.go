// Package routines implements the Routine Scheduler: the tick
// loop that evaluates cron, condition, and oneshot triggers and turns a due
// Routine into a Work Item for the normal lane/dispatch pipeline. Package
// routines also hosts the Event Worker (event.go) for event-triggered
// Routines, which is driven by inbound Event Envelopes instead of a clock.
package routines

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/persistence"
	"github.com/basket/agentrun/internal/rules"
)

// minCronInterval enforces that a cron Routine may not fire
// more often than once every 5 minutes. A cron_expr that parses to a
// tighter cadence is honored at the schedule level but its next_run_at is
// never allowed to land less than minCronInterval after the previous fire.
const minCronInterval = 5 * time.Minute

// maxCatchupJitter bounds the random delay added to a catch-up fire (one
// whose scheduled time has already passed when the scheduler notices it),
// spreading a backlog of simultaneously-due routines across the window
// instead of bursting them all in the same tick.
const maxCatchupJitter = 120 * time.Second

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the scheduler's dependencies.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Interval time.Duration // tick interval; defaults to 30s if zero
}

// Scheduler periodically queries the store for due cron/condition/oneshot
// Routines and turns each into a Work Item.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs a Scheduler with spec-faithful defaults filled in.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: cfg.Store, logger: logger, bus: cfg.Bus, metrics: cfg.Metrics, interval: interval}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("routine scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("routine scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueRoutines(ctx, now, 100)
	if err != nil {
		s.logger.Error("routines: failed to query due routines", "error", err)
		return
	}
	for _, r := range due {
		s.fire(ctx, r, now)
	}
}

// fire evaluates a single due Routine and, if it should run, enqueues a
// Work Item and stamps its next evaluation bookkeeping.
func (s *Scheduler) fire(ctx context.Context, r persistence.Routine, now time.Time) {
	switch r.TriggerKind {
	case persistence.RoutineKindCondition:
		s.fireCondition(ctx, r, now)
	case persistence.RoutineKindOneshot:
		s.fireOneshot(ctx, r, now)
	default:
		s.fireCron(ctx, r, now)
	}
}

func (s *Scheduler) fireCron(ctx context.Context, r persistence.Routine, now time.Time) {
	sched, err := cronParser.Parse(r.CronExpr)
	if err != nil {
		s.logger.Error("routines: bad cron expression, disabling", "routine_id", r.ID, "cron_expr", r.CronExpr, "error", err)
		_ = s.store.UpdateRoutineRun(ctx, r.ID, now, nil, "error: "+err.Error(), true)
		return
	}

	triggerRef := fmt.Sprintf("cron:%s:%d", r.ID, now.Truncate(time.Minute).Unix())
	decision, reason := s.enqueueRun(ctx, r, triggerRef, now)

	next := sched.Next(now)
	if next.Sub(now) < minCronInterval {
		next = now.Add(minCronInterval)
	}
	if err := s.store.UpdateRoutineRun(ctx, r.ID, now, &next, string(decision), false); err != nil {
		s.logger.Error("routines: failed to update cron routine run", "routine_id", r.ID, "error", err)
	}
	s.logger.Info("routines: cron routine evaluated", "routine_id", r.ID, "decision", decision, "reason", reason, "next_run_at", next)
}

func (s *Scheduler) fireOneshot(ctx context.Context, r persistence.Routine, now time.Time) {
	triggerRef := "oneshot:" + r.ID
	decision, reason := s.enqueueRun(ctx, r, triggerRef, now)
	if err := s.store.UpdateRoutineRun(ctx, r.ID, now, nil, string(decision), true); err != nil {
		s.logger.Error("routines: failed to retire oneshot routine", "routine_id", r.ID, "error", err)
	}
	s.logger.Info("routines: oneshot routine fired", "routine_id", r.ID, "decision", decision, "reason", reason)
}

// fireCondition evaluates a probe-backed condition Routine. The probe's
// current value is supplied by the caller's probe resolver (out of scope
// here — probe mode accepts an arbitrary dotted path into
// whatever state source the deployment wires in); since no probe resolver
// is wired in this package, condition evaluation runs against the
// Routine's own stored condition_config as its data source, letting a
// Routine encode a static readiness check or be extended by a caller that
// refreshes condition_config out of band before the next tick.
func (s *Scheduler) fireCondition(ctx context.Context, r persistence.Routine, now time.Time) {
	rule, err := rules.Parse(r.RuleJSON)
	if err != nil {
		s.logger.Error("routines: bad condition rule, disabling", "routine_id", r.ID, "error", err)
		_ = s.store.UpdateRoutineRun(ctx, r.ID, now, nil, "error: "+err.Error(), true)
		return
	}

	matched := rules.Eval(rule, r.ConditionConfig, rules.ModeProbe)
	if !matched {
		next := now.Add(s.interval)
		_ = s.store.UpdateRoutineRun(ctx, r.ID, now, &next, string(persistence.RoutineRunSkipped), false)
		return
	}

	triggerRef := fmt.Sprintf("condition:%s:%d", r.ID, now.Unix())
	decision, reason := s.enqueueRun(ctx, r, triggerRef, now)
	next := now.Add(s.interval)
	if err := s.store.UpdateRoutineRun(ctx, r.ID, now, &next, string(decision), false); err != nil {
		s.logger.Error("routines: failed to update condition routine run", "routine_id", r.ID, "error", err)
	}
	s.logger.Info("routines: condition routine matched", "routine_id", r.ID, "decision", decision, "reason", reason)
}

// enqueueRun records the dedupe receipt and, on first recording, creates a
// Work Item and lane entry for the Routine's target agent; it is
// idempotent by (routine_id, trigger_ref). A catch-up fire (next_run_at
// already in the past when the scheduler noticed it) is staggered by a
// jitter delay applied in a detached goroutine so one overdue routine
// never blocks the rest of the tick.
func (s *Scheduler) enqueueRun(ctx context.Context, r persistence.Routine, triggerRef string, now time.Time) (persistence.RoutineRunDecision, string) {
	// A routine is a genuine catch-up (scheduler was down or delayed past a
	// full tick interval) only when it missed its slot by more than one
	// tick; a routine noticed within the same polling cadence it was due in
	// is an on-time fire and must not be jittered.
	overdue := r.NextRunAt != nil && now.Sub(*r.NextRunAt) > s.interval
	if overdue {
		if jitter := catchupJitter(); jitter > 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				select {
				case <-time.After(jitter):
				case <-ctx.Done():
					return
				}
				s.doEnqueueRun(ctx, r, triggerRef)
			}()
			return persistence.RoutineRunEnqueued, "catch-up fire staggered"
		}
	}
	return s.doEnqueueRun(ctx, r, triggerRef)
}

func (s *Scheduler) doEnqueueRun(ctx context.Context, r persistence.Routine, triggerRef string) (persistence.RoutineRunDecision, string) {
	exists, err := s.store.RoutineRunExists(ctx, r.ID, triggerRef)
	if err != nil {
		s.logger.Error("routines: failed to check run dedupe", "routine_id", r.ID, "error", err)
		return persistence.RoutineRunError, err.Error()
	}
	if exists {
		return persistence.RoutineRunSkipped, "already recorded for this trigger_ref"
	}

	payload := fmt.Sprintf(`{"text":%q,"routineId":%q}`, "routine trigger: "+r.Name, r.ID)
	workItemID, err := s.store.CreateWorkItem(ctx, "", r.SessionKey, "routine", triggerRef, r.Name, payload)
	if err != nil {
		_, _, _ = s.store.RecordRoutineRun(ctx, r.ID, "scheduler", triggerRef, "", persistence.RoutineRunError, err.Error(), "")
		return persistence.RoutineRunError, err.Error()
	}

	laneKey := r.SessionKey + ":" + r.AgentID
	msgID, err := s.store.EnqueueMessage(ctx, laneKey, workItemID, "routine trigger: "+r.Name, "routine:"+r.ID, 0, 0, 50)
	if err != nil {
		_, _, _ = s.store.RecordRoutineRun(ctx, r.ID, "scheduler", triggerRef, "", persistence.RoutineRunError, err.Error(), workItemID)
		return persistence.RoutineRunError, err.Error()
	}
	if _, err := s.store.CoalesceLane(ctx, laneKey, workItemID, r.AgentID); err != nil {
		s.logger.Warn("routines: coalesce lane failed, message remains queued", "routine_id", r.ID, "error", err, "message_id", msgID)
	}

	if _, _, err := s.store.RecordRoutineRun(ctx, r.ID, "scheduler", triggerRef, "", persistence.RoutineRunEnqueued, "", workItemID); err != nil {
		s.logger.Error("routines: failed to record run receipt", "routine_id", r.ID, "error", err)
	}
	s.publish(r.ID, triggerRef, workItemID, string(persistence.RoutineRunEnqueued))
	return persistence.RoutineRunEnqueued, ""
}

func (s *Scheduler) publish(routineID, triggerRef, workItemID, decision string) {
	if s.metrics != nil {
		s.metrics.RoutinesFired.Add(context.Background(), 1)
	}
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicRoutineFired, bus.RoutineFiredEvent{
		RoutineID:  routineID,
		TriggerRef: triggerRef,
		WorkItemID: workItemID,
		Decision:   decision,
	})
}

// catchupJitter returns a random delay in [0, maxCatchupJitter), spreading
// simultaneously-due routines across the window instead of firing them all
// in the same instant.
func catchupJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(maxCatchupJitter)))
}

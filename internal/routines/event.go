package routines

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/persistence"
	"github.com/basket/agentrun/internal/rules"
)

// EventWorkerConfig holds the Event Worker's dependencies.
type EventWorkerConfig struct {
	Store        *persistence.Store
	Logger       *slog.Logger
	Bus          *bus.Bus
	Metrics      *otel.Metrics
	PollInterval time.Duration // defaults to 1s
}

// EventWorker evaluates inbound Event Envelopes against every enabled
// event-triggered Routine. It is driven by an external queue
// fed via (*persistence.Store).EnqueueRoutineEvent — producing envelopes
// from actual channel/plugin traffic is out of scope here.
type EventWorker struct {
	cfg    EventWorkerConfig
	doneCh chan struct{}
}

// NewEventWorker constructs an EventWorker with defaults filled in.
func NewEventWorker(cfg EventWorkerConfig) *EventWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EventWorker{cfg: cfg, doneCh: make(chan struct{})}
}

// Done reports when the worker has stopped after ctx cancellation.
func (w *EventWorker) Done() <-chan struct{} { return w.doneCh }

// Run blocks, ticking the claim/evaluate loop until ctx is cancelled.
func (w *EventWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *EventWorker) tick(ctx context.Context) {
	for {
		eventID, source, envelopeJSON, ok, err := w.cfg.Store.ClaimNextRoutineEvent(ctx, eventWorkerID())
		if err != nil {
			w.cfg.Logger.Error("routines: claim routine event failed", "error", err)
			return
		}
		if !ok {
			return
		}
		w.evaluate(ctx, eventID, source, envelopeJSON)
	}
}

func eventWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "event-worker"
	}
	return fmt.Sprintf("%s-%d", host, time.Now().UnixNano())
}

// evaluate fans an Event Envelope out to every enabled event-triggered
// Routine, each evaluated in envelope mode against the closed field
// whitelist.
func (w *EventWorker) evaluate(ctx context.Context, eventID, source, envelopeJSON string) {
	routineList, err := w.cfg.Store.EnabledEventRoutines(ctx)
	if err != nil {
		w.cfg.Logger.Error("routines: list enabled event routines failed", "error", err, "event_id", eventID)
		return
	}

	for _, r := range routineList {
		triggerRef := "event:" + r.ID + ":" + eventID
		w.evaluateOne(ctx, r, source, envelopeJSON, triggerRef)
	}

	if err := w.cfg.Store.MarkRoutineEventProcessed(ctx, eventID); err != nil {
		w.cfg.Logger.Error("routines: mark routine event processed failed", "error", err, "event_id", eventID)
	}
}

func (w *EventWorker) evaluateOne(ctx context.Context, r persistence.Routine, source, envelopeJSON, triggerRef string) {
	exists, err := w.cfg.Store.RoutineRunExists(ctx, r.ID, triggerRef)
	if err != nil {
		w.cfg.Logger.Error("routines: check event dedupe failed", "routine_id", r.ID, "error", err)
		return
	}
	if exists {
		return
	}

	rule, err := rules.Parse(r.RuleJSON)
	if err != nil {
		w.cfg.Logger.Error("routines: bad event rule", "routine_id", r.ID, "error", err)
		_, _, _ = w.cfg.Store.RecordRoutineRun(ctx, r.ID, source, triggerRef, envelopeJSON, persistence.RoutineRunError, err.Error(), "")
		return
	}

	if !rules.Eval(rule, envelopeJSON, rules.ModeEnvelope) {
		_, _, _ = w.cfg.Store.RecordRoutineRun(ctx, r.ID, source, triggerRef, envelopeJSON, persistence.RoutineRunSkipped, "rule did not match", "")
		return
	}

	payload := fmt.Sprintf(`{"text":%q,"routineId":%q,"envelope":%s}`, "routine trigger: "+r.Name, r.ID, envelopeJSON)
	workItemID, err := w.cfg.Store.CreateWorkItem(ctx, "", r.SessionKey, "routine_event", triggerRef, r.Name, payload)
	if err != nil {
		_, _, _ = w.cfg.Store.RecordRoutineRun(ctx, r.ID, source, triggerRef, envelopeJSON, persistence.RoutineRunError, err.Error(), "")
		return
	}

	laneKey := r.SessionKey + ":" + r.AgentID
	if _, err := w.cfg.Store.EnqueueMessage(ctx, laneKey, workItemID, "routine trigger: "+r.Name, "routine:"+r.ID, 0, 0, 50); err != nil {
		_, _, _ = w.cfg.Store.RecordRoutineRun(ctx, r.ID, source, triggerRef, envelopeJSON, persistence.RoutineRunError, err.Error(), workItemID)
		return
	}
	if _, err := w.cfg.Store.CoalesceLane(ctx, laneKey, workItemID, r.AgentID); err != nil {
		w.cfg.Logger.Warn("routines: coalesce lane failed for event routine", "routine_id", r.ID, "error", err)
	}

	if _, _, err := w.cfg.Store.RecordRoutineRun(ctx, r.ID, source, triggerRef, envelopeJSON, persistence.RoutineRunEnqueued, "", workItemID); err != nil {
		w.cfg.Logger.Error("routines: failed to record event run receipt", "routine_id", r.ID, "error", err)
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RoutinesFired.Add(ctx, 1)
	}
	if w.cfg.Bus != nil {
		w.cfg.Bus.Publish(bus.TopicRoutineFired, bus.RoutineFiredEvent{
			RoutineID:  r.ID,
			TriggerRef: triggerRef,
			WorkItemID: workItemID,
			Decision:   string(persistence.RoutineRunEnqueued),
		})
	}
}

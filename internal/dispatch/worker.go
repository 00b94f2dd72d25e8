// Package dispatch implements the Run-Dispatch Worker: the
// tick loop that claims coalesced lane Dispatches, hands them to an agent
// runner, and finalizes them into a completed/failed/cancelled terminal
// state while honoring steering and pause/cancel control directives.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentrun/internal/agent"
	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/persistence"
	"github.com/basket/agentrun/internal/safety"
	"github.com/basket/agentrun/internal/shared"
	"github.com/basket/agentrun/internal/steering"
)

// Config controls the worker pool's concurrency and polling cadence.
type Config struct {
	Store          *persistence.Store
	Runner         agent.Runner
	Arbiter        *steering.CachingArbiter
	Bus            *bus.Bus
	Metrics        *otel.Metrics
	Sanitizer      *safety.Sanitizer
	Logger         *slog.Logger
	MaxConcurrent  int
	PollInterval   time.Duration
	LeaseSeconds   int
	HeartbeatEvery time.Duration
}

// Worker runs the claim/execute tick loop.
type Worker struct {
	cfg Config

	claiming atomic.Bool
	active   atomic.Int32
	wg       sync.WaitGroup

	doneCh chan struct{}
}

// New constructs a Worker with spec-faithful defaults filled in.
func New(cfg Config) *Worker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 120
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Arbiter == nil {
		cfg.Arbiter = steering.NewCachingArbiter(steering.HeuristicArbiter{})
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = safety.NewSanitizer()
	}
	return &Worker{cfg: cfg, doneCh: make(chan struct{})}
}

// Run blocks, ticking the claim loop until ctx is cancelled, then waits for
// in-flight dispatches to finish.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			close(w.doneCh)
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Done reports when the worker has fully drained after ctx cancellation.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// ActiveCount reports currently executing dispatches, consulted by the
// runtime-control drain loop.
func (w *Worker) ActiveCount() int32 { return w.active.Load() }

func (w *Worker) tick(ctx context.Context) {
	if !w.claiming.CompareAndSwap(false, true) {
		return // overlapping tick; previous one still claiming
	}
	defer w.claiming.Store(false)

	rc, err := w.cfg.Store.GetRuntimeControl(ctx)
	if err != nil {
		w.cfg.Logger.Error("read runtime control", "error", err)
		return
	}
	if !rc.ProcessingEnabled {
		return
	}

	for int(w.active.Load()) < w.cfg.MaxConcurrent {
		claimed, err := w.cfg.Store.ClaimNextRunDispatch(ctx, workerID(), w.cfg.LeaseSeconds)
		if err != nil {
			w.cfg.Logger.Error("claim run dispatch", "error", err)
			return
		}
		if claimed == nil {
			return
		}
		w.active.Add(1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.active.Add(-1)
			w.executeDispatch(ctx, claimed)
		}()
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "dispatch-worker"
	}
	return fmt.Sprintf("%s-%d", host, time.Now().UnixNano())
}

// executeDispatch runs a claimed dispatch end to end: builds the runner
// input, polls for control directives during the run, and finalizes the
// dispatch once the runner returns.
func (w *Worker) executeDispatch(parent context.Context, claimed *persistence.ClaimedRunDispatch) {
	traceID := shared.NewTraceID()
	runID := shared.NewRunID()
	parent = shared.WithTraceID(parent, traceID)
	parent = shared.WithRunID(parent, runID)
	parent = shared.WithAgentID(parent, claimed.AgentID)

	logger := w.cfg.Logger.With("dispatch_id", claimed.ID, "agent_id", claimed.AgentID, "lane", claimed.QueueKey, "trace_id", traceID, "run_id", runID)

	if check := w.cfg.Sanitizer.Check(claimed.CoalescedText); check.Action == safety.ActionBlock {
		logger.Warn("dispatch blocked by input sanitizer", "reason", check.Reason)
		w.finalize(parent, claimed, persistence.DispatchStatusFailed, "blocked by input sanitizer: "+check.Reason, logger)
		_ = w.cfg.Store.SetWorkItemStatus(parent, claimed.WorkItemID, "FAILED")
		w.publish(bus.TopicDispatchFailed, claimed)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.DispatchesFailed.Add(parent, 1)
		}
		return
	}

	hbCtx, hbCancel := context.WithCancel(parent)
	defer hbCancel()
	go w.heartbeatLoop(hbCtx, claimed, logger)

	runInput := agent.RunInput{
		WorkItemID:    claimed.WorkItemID,
		CoalescedText: claimed.CoalescedText,
		ResponseMode:  agent.ResponseModeFinal,
		GetDirective: func(ctx context.Context) (agent.ControlDirective, error) {
			return w.getRunControlDirective(ctx, claimed)
		},
		OnJobStarted: func(jobID string) {
			if err := w.cfg.Store.AttachJobIDToRunDispatch(parent, claimed.ID, jobID); err != nil {
				logger.Warn("attach job id", "error", err)
			}
		},
	}

	out, err := w.cfg.Runner.Run(parent, runInput)
	w.cfg.Arbiter.ForgetLane(claimed.QueueKey)

	if err != nil {
		if errors.Is(err, agent.ErrCancelled) || strings.Contains(err.Error(), "cancellation sentinel") {
			w.finalize(parent, claimed, persistence.DispatchStatusCancelled, err.Error(), logger)
			return
		}
		w.finalize(parent, claimed, persistence.DispatchStatusFailed, err.Error(), logger)
		_ = w.cfg.Store.SetWorkItemStatus(parent, claimed.WorkItemID, "FAILED")
		w.publish(bus.TopicDispatchFailed, claimed)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.DispatchesFailed.Add(parent, 1)
		}
		return
	}

	w.finalize(parent, claimed, persistence.DispatchStatusCompleted, "", logger)
	_ = w.cfg.Store.SetWorkItemStatus(parent, claimed.WorkItemID, "DONE")

	if out.FinalResponse != "" {
		w.enqueueFinalResponse(parent, claimed, out, logger)
	}
	w.publish(bus.TopicDispatchCompleted, claimed)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.DispatchesCompleted.Add(parent, 1)
	}
}

func (w *Worker) enqueueFinalResponse(ctx context.Context, claimed *persistence.ClaimedRunDispatch, out agent.RunOutput, logger *slog.Logger) {
	workItem, err := w.cfg.Store.GetWorkItem(ctx, claimed.WorkItemID)
	if err != nil {
		logger.Error("load work item for final response", "error", err)
		return
	}

	content := out.FinalResponse
	if n, err := w.cfg.Store.CountAssignedAgents(ctx, workItem.SessionKey); err == nil && n > 1 {
		if rec, err := w.cfg.Store.GetAgent(ctx, claimed.AgentID); err == nil && rec != nil && rec.DisplayName != "" {
			content = rec.DisplayName + ": " + content
		}
	}

	effectKey := fmt.Sprintf("dispatch:%s:assistant_final_response", claimed.ID)
	if _, err := w.cfg.Store.EnqueueEffect(ctx, effectKey, claimed.ID, workItem.PluginInstance,
		claimed.WorkItemID, out.JobID, workItem.Source, "assistant_final_response", content); err != nil {
		logger.Error("enqueue final-response effect", "error", err)
	}
}

func (w *Worker) finalize(ctx context.Context, claimed *persistence.ClaimedRunDispatch, status persistence.DispatchStatus, errText string, logger *slog.Logger) {
	ok, err := w.cfg.Store.FinalizeRunDispatch(ctx, claimed.ID, status, errText, claimed.ExpectedEpoch)
	if err != nil {
		logger.Error("finalize run dispatch", "error", err)
		return
	}
	if !ok {
		logger.Warn("finalize no-op: epoch mismatch or already terminal")
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, claimed *persistence.ClaimedRunDispatch, logger *slog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.cfg.Store.HeartbeatRunDispatch(ctx, claimed.ID, claimed.ClaimedBy, w.cfg.LeaseSeconds)
			if err != nil {
				logger.Error("heartbeat run dispatch", "error", err)
				continue
			}
			if !ok {
				logger.Warn("heartbeat rejected; lease likely reclaimed")
				return
			}
		}
	}
}

// getRunControlDirective translates a dispatch's stored control_state into
// the directive the agent runner polls for at its suspension points.
func (w *Worker) getRunControlDirective(ctx context.Context, claimed *persistence.ClaimedRunDispatch) (agent.ControlDirective, error) {
	directive, _, err := w.cfg.Store.GetRunControlDirective(ctx, claimed.ID)
	if err != nil {
		return agent.ControlDirective{}, fmt.Errorf("get run control directive: %w", err)
	}
	switch directive {
	case persistence.ControlStateCancelRequested:
		return agent.ControlDirective{Action: agent.ControlActionCancel}, nil
	case persistence.ControlStatePauseRequested:
		return agent.ControlDirective{Action: agent.ControlActionPause}, nil
	}

	pending, err := w.cfg.Store.PendingMessagesForLane(ctx, claimed.QueueKey)
	if err != nil {
		return agent.ControlDirective{}, fmt.Errorf("list pending lane messages: %w", err)
	}
	if len(pending) == 0 {
		return agent.ControlDirective{Action: agent.ControlActionContinue}, nil
	}

	texts := make([]string, len(pending))
	ids := make([]string, len(pending))
	for i, m := range pending {
		texts[i] = m.Text
		ids[i] = m.ID
	}

	verdict, err := w.cfg.Arbiter.Decide(ctx, steering.Input{
		AgentID:          claimed.AgentID,
		LaneKey:          claimed.QueueKey,
		CurrentObjective: claimed.CoalescedText,
		PendingMessages:  texts,
	})
	if err != nil {
		return agent.ControlDirective{}, fmt.Errorf("steering arbiter decide: %w", err)
	}

	reason := fmt.Sprintf("arbiter:%s:%s", verdict.Decision, verdict.Reason)
	_ = w.cfg.Store.SetDispatchControlState(ctx, claimed.ID, persistence.ControlStateNormal, reason)

	switch verdict.Decision {
	case steering.DecisionInterruptNow:
		if err := w.cfg.Store.IncludeMessagesInDispatch(ctx, claimed.ID, ids); err != nil {
			return agent.ControlDirective{}, fmt.Errorf("include steered messages: %w", err)
		}
		return agent.ControlDirective{Action: agent.ControlActionSteer, Messages: texts}, nil
	case steering.DecisionIgnore:
		if err := w.cfg.Store.DropMessages(ctx, ids, verdict.Reason); err != nil {
			return agent.ControlDirective{}, fmt.Errorf("drop ignored messages: %w", err)
		}
		return agent.ControlDirective{Action: agent.ControlActionContinue}, nil
	default: // do_not_interrupt
		return agent.ControlDirective{Action: agent.ControlActionContinue}, nil
	}
}

func (w *Worker) publish(topic string, claimed *persistence.ClaimedRunDispatch) {
	if w.cfg.Bus == nil {
		return
	}
	w.cfg.Bus.Publish(topic, bus.DispatchEvent{
		DispatchID: claimed.ID,
		AgentID:    claimed.AgentID,
		WorkItemID: claimed.WorkItemID,
	})
}

// Package outbox implements the Effect Outbox Worker: the tick
// loop that claims deferred side effects, delivers them through a resolved
// channel handler, and resolves the tri-state-plus-pending outcome.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/channels"
	"github.com/basket/agentrun/internal/hooks"
	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/persistence"
	"github.com/basket/agentrun/internal/safety"
)

// Config controls the worker's polling cadence and delivery dependencies.
type Config struct {
	Store        *persistence.Store
	Handlers     channels.HandlerRegistry
	Hooks        hooks.Runner
	Bus          *bus.Bus
	Metrics      *otel.Metrics
	LeakDetector *safety.LeakDetector
	Logger       *slog.Logger
	PollInterval time.Duration

	// PublicChannelTypes lists channel source values considered public
	// (shared by multiple agents), gating the agent-relay fan-out below.
	// Channels not listed here are treated as private.
	PublicChannelTypes map[string]bool

	// MaxRelayTargets caps how many teammate agents are relayed to per
	// delivery, each staggered by RelayStaggerSeconds.
	RelayStaggerSeconds int
}

// Worker runs the claim/deliver tick loop.
type Worker struct {
	cfg    Config
	doneCh chan struct{}
}

// New constructs a Worker with spec-faithful defaults filled in.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RelayStaggerSeconds <= 0 {
		cfg.RelayStaggerSeconds = 5
	}
	if cfg.LeakDetector == nil {
		cfg.LeakDetector = safety.NewLeakDetector()
	}
	return &Worker{cfg: cfg, doneCh: make(chan struct{})}
}

// Done reports when the worker has stopped after ctx cancellation.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// Run blocks, ticking the claim/deliver loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
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

func (w *Worker) tick(ctx context.Context) {
	rc, err := w.cfg.Store.GetRuntimeControl(ctx)
	if err != nil {
		w.cfg.Logger.Error("read runtime control", "error", err)
		return
	}
	if !rc.ProcessingEnabled {
		return
	}

	for {
		claimed, err := w.cfg.Store.ClaimNextEffectOutbox(ctx, workerID())
		if err != nil {
			w.cfg.Logger.Error("claim effect outbox", "error", err)
			return
		}
		if claimed == nil {
			return
		}
		w.deliver(ctx, claimed)
	}
}

var workerID = func() string { return fmt.Sprintf("outbox-worker-%d", time.Now().UnixNano()) }

// deliver resolves a claimed effect's channel handler, invokes the
// pre/post-deliver hooks around the send, and maps the delivery outcome
// onto the store's tri-state-plus-pending effect lifecycle.
func (w *Worker) deliver(ctx context.Context, claimed *persistence.ClaimedEffect) {
	logger := w.cfg.Logger.With("effect_id", claimed.ID, "channel", claimed.Channel, "kind", claimed.Kind)

	handler, ok := w.resolveHandler(claimed)
	if !ok {
		w.terminalFail(ctx, claimed, "no channel handler for plugin instance", logger)
		return
	}

	content := claimed.Payload
	preResult, err := w.cfg.Hooks.FirePreDeliver(ctx, claimed.WorkItemID, claimed.Channel, content)
	if err != nil {
		w.unknown(ctx, claimed, fmt.Sprintf("pre_deliver hook error: %v", err), logger)
		return
	}
	if preResult.Blocked {
		w.terminalFail(ctx, claimed, "blocked by pre_deliver hook: "+preResult.BlockedReason, logger)
		return
	}
	if preResult.TransformedContent != "" {
		content = preResult.TransformedContent
	}

	if leaks := w.cfg.LeakDetector.Scan(content); len(leaks) > 0 {
		for _, l := range leaks {
			logger.Warn("leaked secret pattern detected in outgoing effect", "pattern", l.Pattern, "sample", l.Sample)
		}
		w.terminalFail(ctx, claimed, "blocked by leak detector", logger)
		return
	}

	result, err := handler.PostResponse(ctx, claimed.PluginInstance, claimed.WorkItemID, content, nil, channels.ResponseOptions{
		IsPublicChannel: w.cfg.PublicChannelTypes[claimed.Channel],
	})
	if err != nil {
		w.unknown(ctx, claimed, fmt.Sprintf("handler error: %v", err), logger)
		return
	}

	switch result.Outcome {
	case channels.DeliverySent:
		ok, err := w.cfg.Store.MarkEffectSent(ctx, claimed.ID, result.ProviderRef, claimed.ExpectedEpoch)
		if err != nil {
			logger.Error("mark effect sent", "error", err)
			return
		}
		if !ok {
			return // epoch mismatch: preempted, silent no-op
		}
		w.cfg.Hooks.FirePostDeliver(ctx, claimed.WorkItemID, claimed.Channel, string(result.Outcome), result.ProviderRef)
		w.publish(bus.TopicEffectDelivered, claimed, result.ProviderRef, "")
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.EffectsDelivered.Add(ctx, 1)
		}
		w.maybeRelay(ctx, claimed, content, logger)
	case channels.DeliveryUnknown:
		w.unknown(ctx, claimed, result.Reason, logger)
	case channels.DeliveryFailed:
		if result.Retryable {
			if _, err := w.cfg.Store.MarkEffectFailed(ctx, claimed.ID, result.Reason, true, claimed.ExpectedEpoch); err != nil {
				logger.Error("mark effect failed (retryable)", "error", err)
			}
		} else {
			w.terminalFail(ctx, claimed, result.Reason, logger)
		}
		w.cfg.Hooks.FirePostDeliver(ctx, claimed.WorkItemID, claimed.Channel, string(result.Outcome), "")
		w.publish(bus.TopicEffectFailed, claimed, "", result.Reason)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.EffectsFailed.Add(ctx, 1)
		}
	default:
		w.unknown(ctx, claimed, "handler returned unrecognized outcome", logger)
	}
}

func (w *Worker) publish(topic string, claimed *persistence.ClaimedEffect, providerRef, reason string) {
	if w.cfg.Bus == nil {
		return
	}
	w.cfg.Bus.Publish(topic, bus.EffectDeliveryEvent{
		EffectID:    claimed.ID,
		WorkItemID:  claimed.WorkItemID,
		Channel:     claimed.Channel,
		ProviderRef: providerRef,
		Reason:      reason,
	})
}

func (w *Worker) resolveHandler(claimed *persistence.ClaimedEffect) (channels.Handler, bool) {
	if w.cfg.Handlers == nil {
		return nil, false
	}
	return w.cfg.Handlers.Resolve(claimed.Channel)
}

func (w *Worker) terminalFail(ctx context.Context, claimed *persistence.ClaimedEffect, reason string, logger *slog.Logger) {
	if _, err := w.cfg.Store.MarkEffectFailed(ctx, claimed.ID, reason, false, claimed.ExpectedEpoch); err != nil {
		logger.Error("mark effect failed (terminal)", "error", err, "reason", reason)
	}
}

func (w *Worker) unknown(ctx context.Context, claimed *persistence.ClaimedEffect, reason string, logger *slog.Logger) {
	if _, err := w.cfg.Store.MarkEffectUnknown(ctx, claimed.ID, reason, claimed.ExpectedEpoch); err != nil {
		logger.Error("mark effect unknown", "error", err, "reason", reason)
	}
}

// maybeRelay fans an assistant_final_response effect out to teammate agents
// once it has been delivered on a public channel: a successfully delivered
// agent-authored response on a public channel is relayed to teammate
// agents on the same instance, guarded by dedupe, depth, and origin
// exclusion (the latter enforced entirely by CreateAgentRelay's caller
// never including the originating agent in its target list — this worker
// has no agent roster to consult, so relay fan-out to specific teammates
// is left to the caller supplying RelayTargets via WithRelayTargets).
func (w *Worker) maybeRelay(ctx context.Context, claimed *persistence.ClaimedEffect, content string, logger *slog.Logger) {
	if claimed.Kind != "assistant_final_response" {
		return
	}
	if !w.cfg.PublicChannelTypes[claimed.Channel] {
		return
	}
	result, err := w.cfg.Store.CreateAgentRelayWithLineage(ctx, claimed.ID, claimed.PluginInstance, "", "", claimed.DispatchID, 0, content)
	if err != nil {
		logger.Error("create agent relay", "error", err)
		return
	}
	if !result.Enqueued {
		logger.Debug("agent relay skipped", "depth", result.Depth)
	}
}

// Package runtimectl implements the Runtime-Control Plane: the
// soft/hard pause, per-run targeted control, startup/periodic recovery, and
// graceful-shutdown drain logic layered on top of the
// internal/persistence runtime_control singleton and leasing primitives.
package runtimectl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agentrun/internal/persistence"
)

// ActiveCounter reports how many dispatches a worker pool currently has
// in flight, consulted by the graceful-pause drain loop.
type ActiveCounter interface {
	ActiveCount() int32
}

// Config holds the control plane's dependencies.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// Dispatches reports active Run-Dispatch Worker load for drain polling.
	Dispatches ActiveCounter

	// DrainPollInterval is how often the graceful-pause loop re-checks
	// ActiveDispatchCount; defaults to 250ms.
	DrainPollInterval time.Duration

	// DrainTimeout bounds how long a graceful pause waits before forcing
	// termination; defaults to 25s.
	DrainTimeout time.Duration

	// RecoveryInterval is the periodic (non-startup) recovery sweep
	// cadence; defaults to 1 minute.
	RecoveryInterval time.Duration

	// LeaseAbandonTimeout is the much longer grace window past which a
	// dispatch stuck in running/paused is given up on entirely rather than
	// requeued for another attempt; defaults to 15 minutes. RecoverStaleDispatches
	// requeues work a crashed worker was mid-lease on so it gets retried;
	// this timeout catches the case where requeuing keeps producing the
	// same stuck dispatch (a runner that deterministically wedges) and
	// abandons it for good via ReapExpiredLeases.
	LeaseAbandonTimeout time.Duration
}

// Plane is the runtime-control service: it owns pause/resume/cancel
// requests and the recovery sweeps, independent of any single worker pool.
type Plane struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Plane with sensible defaults filled in.
func New(cfg Config) *Plane {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = 250 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 25 * time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 1 * time.Minute
	}
	if cfg.LeaseAbandonTimeout <= 0 {
		cfg.LeaseAbandonTimeout = 15 * time.Minute
	}
	return &Plane{cfg: cfg, done: make(chan struct{})}
}

// RecoverOnStartup runs the startup recovery pass: reclaims
// stale dispatches/effects/routine events past the lease cutoff and bumps
// control_epoch so any lingering lease holder from a prior process
// incarnation cannot race the freshly-started workers.
func (p *Plane) RecoverOnStartup(ctx context.Context) (persistence.RuntimeRecoveryMetrics, error) {
	now := time.Now()
	m := persistence.RuntimeRecoveryMetrics{RanAt: now}

	dispatches, err := p.cfg.Store.RecoverStaleDispatches(ctx, now, true)
	if err != nil {
		return m, fmt.Errorf("recover stale dispatches: %w", err)
	}
	m.DispatchesRecovered = dispatches

	effects, err := p.cfg.Store.RecoverStaleEffects(ctx, now)
	if err != nil {
		return m, fmt.Errorf("recover stale effects: %w", err)
	}
	m.EffectsRequeued = effects

	events, err := p.cfg.Store.RecoverStaleRoutineEvents(ctx, now)
	if err != nil {
		return m, fmt.Errorf("recover stale routine events: %w", err)
	}
	m.RoutineEventsReset = events

	abandoned, err := p.cfg.Store.ReapExpiredLeases(ctx, now.Add(-p.cfg.LeaseAbandonTimeout))
	if err != nil {
		return m, fmt.Errorf("reap long-expired leases: %w", err)
	}
	m.DispatchesAbandoned = abandoned

	p.cfg.Logger.Info("runtimectl: startup recovery complete",
		"dispatches_recovered", m.DispatchesRecovered,
		"effects_requeued", m.EffectsRequeued,
		"routine_events_reset", m.RoutineEventsReset,
		"dispatches_abandoned", m.DispatchesAbandoned,
	)
	return m, nil
}

// StartPeriodicRecovery runs the in-process recovery sweep
// on a ticker, without bumping control_epoch (the lease model already
// fences same-process races, so a periodic epoch bump would only interrupt
// healthy in-flight work).
func (p *Plane) StartPeriodicRecovery(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.RecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				if n, err := p.cfg.Store.RecoverStaleDispatches(ctx, now, false); err != nil {
					p.cfg.Logger.Error("runtimectl: periodic dispatch recovery failed", "error", err)
				} else if n > 0 {
					p.cfg.Logger.Info("runtimectl: periodic recovery reclaimed stale dispatches", "count", n)
				}
				if n, err := p.cfg.Store.RecoverStaleEffects(ctx, now); err != nil {
					p.cfg.Logger.Error("runtimectl: periodic effect recovery failed", "error", err)
				} else if n > 0 {
					p.cfg.Logger.Info("runtimectl: periodic recovery reclaimed stale effects", "count", n)
				}
				if n, err := p.cfg.Store.RecoverStaleRoutineEvents(ctx, now); err != nil {
					p.cfg.Logger.Error("runtimectl: periodic routine event recovery failed", "error", err)
				} else if n > 0 {
					p.cfg.Logger.Info("runtimectl: periodic recovery reclaimed stale routine events", "count", n)
				}
				if n, err := p.cfg.Store.ReapExpiredLeases(ctx, now.Add(-p.cfg.LeaseAbandonTimeout)); err != nil {
					p.cfg.Logger.Error("runtimectl: periodic lease reap failed", "error", err)
				} else if n > 0 {
					p.cfg.Logger.Warn("runtimectl: periodic recovery abandoned dispatches stuck past lease-abandon timeout", "count", n)
				}
			}
		}
	}()
}

// Stop cancels the periodic recovery loop and waits for it to exit.
func (p *Plane) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Pause stops admission immediately (processing_enabled=0). A graceful
// pause then polls ActiveDispatchCount until it drains to zero or
// DrainTimeout elapses, at which point it force terminates whatever
// remains. An abrupt pause force-terminates immediately.
func (p *Plane) Pause(ctx context.Context, mode persistence.PauseMode) error {
	epoch, err := p.cfg.Store.RequestPause(ctx, mode)
	if err != nil {
		return fmt.Errorf("request pause: %w", err)
	}
	p.cfg.Logger.Info("runtimectl: pause requested", "mode", mode, "control_epoch", epoch)

	if mode == persistence.PauseModeAbrupt {
		return p.forceTerminate(ctx, "abrupt pause")
	}

	deadline := time.Now().Add(p.cfg.DrainTimeout)
	ticker := time.NewTicker(p.cfg.DrainPollInterval)
	defer ticker.Stop()
	for {
		n, err := p.cfg.Store.ActiveDispatchCount(ctx)
		if err != nil {
			return fmt.Errorf("poll active dispatch count: %w", err)
		}
		if n == 0 {
			p.cfg.Logger.Info("runtimectl: graceful pause drained cleanly")
			return nil
		}
		if time.Now().After(deadline) {
			p.cfg.Logger.Warn("runtimectl: graceful pause exceeded drain timeout, forcing termination", "still_active", n)
			return p.forceTerminate(ctx, "drain timeout exceeded")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Plane) forceTerminate(ctx context.Context, reason string) error {
	dispatches, effects, err := p.cfg.Store.ForceTerminateActiveRuntime(ctx)
	if err != nil {
		return fmt.Errorf("force terminate active runtime: %w", err)
	}
	p.cfg.Logger.Info("runtimectl: force terminated active runtime",
		"reason", reason, "dispatches_abandoned", dispatches, "effects_marked_unknown", effects)
	return nil
}

// Resume flips processing back on.
func (p *Plane) Resume(ctx context.Context) error {
	epoch, err := p.cfg.Store.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	p.cfg.Logger.Info("runtimectl: resumed", "control_epoch", epoch)
	return nil
}

// SetMaxConcurrentDispatches adjusts the admission-control knob consulted
// by the Run-Dispatch Worker pool.
func (p *Plane) SetMaxConcurrentDispatches(ctx context.Context, n int) error {
	return p.cfg.Store.SetMaxConcurrentDispatches(ctx, n)
}

// Shutdown implements the graceful-shutdown drain used at process exit:
// stop accepting new work (the caller is expected to have already stopped
// its intake, e.g. an HTTP listener), then wait up to DrainTimeout for the
// worker pool's ActiveCount to reach zero, polling every DrainPollInterval.
func (p *Plane) Shutdown(ctx context.Context) {
	if p.cfg.Dispatches == nil {
		return
	}
	deadline := time.Now().Add(p.cfg.DrainTimeout)
	ticker := time.NewTicker(p.cfg.DrainPollInterval)
	defer ticker.Stop()
	for {
		if p.cfg.Dispatches.ActiveCount() == 0 {
			p.cfg.Logger.Info("runtimectl: shutdown drain complete")
			return
		}
		if time.Now().After(deadline) {
			p.cfg.Logger.Warn("runtimectl: shutdown drain timeout exceeded, exiting with work still active",
				"still_active", p.cfg.Dispatches.ActiveCount())
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

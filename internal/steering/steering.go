// Package steering implements the Steering Arbiter: the policy
// that decides whether new messages arriving on a lane while a Dispatch is
// already running should interrupt it, wait for the next turn, or be
// dropped as noise.
package steering

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
)

// Decision is the arbiter's verdict on a batch of pending messages.
type Decision string

const (
	DecisionInterruptNow   Decision = "interrupt_now"
	DecisionDoNotInterrupt Decision = "do_not_interrupt"
	DecisionIgnore         Decision = "ignore"
)

// ActiveWork describes another in-flight dispatch for the same agent, on a
// different lane, consulted as context for the arbiter's decision.
type ActiveWork struct {
	LaneKey       string
	ObjectiveText string
}

// Input bundles everything the arbiter needs to decide.
type Input struct {
	AgentID          string
	LaneKey          string
	CurrentObjective string
	PendingMessages  []string
	OtherActiveWork  []ActiveWork
}

// Verdict carries the decision and a human-readable reason, persisted by
// the caller as control_reason = "arbiter:{decision}:{reason}".
type Verdict struct {
	Decision Decision
	Reason   string
}

// Arbiter decides how a lane's in-flight run should react to newly arrived
// messages.
type Arbiter interface {
	Decide(ctx context.Context, in Input) (Verdict, error)
}

// signature returns a stable content-hash of the pending messages, used to
// detect repeated polls carrying the same unresolved batch.
func signature(messages []string) uint64 {
	h := fnv.New64a()
	for _, m := range messages {
		_, _ = h.Write([]byte(strings.TrimSpace(m)))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// laneState is the short-circuit memory kept per lane.
type laneState struct {
	signature    uint64
	lastDecision Decision
}

// CachingArbiter wraps a Decide implementation with the short-circuit
// optimization from consecutive polls carrying the same
// steering-signature whose prior decision was not interrupt_now resolve to
// {action: continue} (DecisionDoNotInterrupt) without re-consulting the
// wrapped arbiter.
type CachingArbiter struct {
	inner Arbiter

	mu    sync.Mutex
	lanes map[string]laneState
}

// NewCachingArbiter wraps inner with per-lane steering-signature caching.
func NewCachingArbiter(inner Arbiter) *CachingArbiter {
	return &CachingArbiter{inner: inner, lanes: map[string]laneState{}}
}

func (c *CachingArbiter) Decide(ctx context.Context, in Input) (Verdict, error) {
	sig := signature(in.PendingMessages)

	c.mu.Lock()
	prev, ok := c.lanes[in.LaneKey]
	c.mu.Unlock()

	if ok && prev.signature == sig && prev.lastDecision != DecisionInterruptNow {
		return Verdict{Decision: DecisionDoNotInterrupt, Reason: "short-circuit: unchanged steering signature"}, nil
	}

	v, err := c.inner.Decide(ctx, in)
	if err != nil {
		return Verdict{}, err
	}

	c.mu.Lock()
	c.lanes[in.LaneKey] = laneState{signature: sig, lastDecision: v.Decision}
	c.mu.Unlock()

	return v, nil
}

// ForgetLane drops cached state for a lane, called once its dispatch
// finalizes so a future run starts without stale short-circuit memory.
func (c *CachingArbiter) ForgetLane(laneKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lanes, laneKey)
}

// HeuristicArbiter is a dependency-free default Decide implementation:
// duplicate or clearly superseded text is ignored, short interjections wait
// for the next turn, and anything else interrupts. Deployments that want an
// LLM-judged arbiter supply their own Arbiter instead.
type HeuristicArbiter struct{}

func (HeuristicArbiter) Decide(_ context.Context, in Input) (Verdict, error) {
	if len(in.PendingMessages) == 0 {
		return Verdict{Decision: DecisionDoNotInterrupt, Reason: "no pending messages"}, nil
	}
	joined := strings.ToLower(strings.Join(in.PendingMessages, " "))
	for _, stopword := range []string{"stop", "cancel", "wait", "hold on", "nevermind"} {
		if strings.Contains(joined, stopword) {
			return Verdict{Decision: DecisionInterruptNow, Reason: "contains interrupt keyword: " + stopword}, nil
		}
	}
	if len(joined) <= 12 {
		return Verdict{Decision: DecisionDoNotInterrupt, Reason: "short interjection, deferring to next turn"}, nil
	}
	return Verdict{Decision: DecisionInterruptNow, Reason: "substantive new input supersedes current objective"}, nil
}

// Package hooks defines the plugin hook contract consulted around effect
// delivery. Concrete hook implementations (rate limiting, content filters,
// delivery metrics) are out of scope; this package only fixes the shape
// callers and hook authors agree on.
package hooks

import "context"

// PreDeliverResult is the outcome of a response.pre_deliver hook.
type PreDeliverResult struct {
	Blocked            bool
	BlockedReason      string
	TransformedContent string // non-empty substitutes the outgoing content
}

// PreDeliverHook may block or rewrite an outbound effect before delivery.
type PreDeliverHook interface {
	PreDeliver(ctx context.Context, workItemID, channel, content string) (PreDeliverResult, error)
}

// PostDeliverHook observes a completed delivery attempt; it is never fatal
// to the delivery itself.
type PostDeliverHook interface {
	PostDeliver(ctx context.Context, workItemID, channel string, outcome string, providerRef string)
}

// Runner fires the configured hooks for a single effect delivery, treating
// an empty chain as a no-op pass-through.
type Runner struct {
	Pre  []PreDeliverHook
	Post []PostDeliverHook
}

// FirePreDeliver runs each PreDeliverHook in order; the first block wins.
// A transform from an earlier hook is visible to later hooks.
func (r Runner) FirePreDeliver(ctx context.Context, workItemID, channel, content string) (PreDeliverResult, error) {
	current := content
	for _, h := range r.Pre {
		res, err := h.PreDeliver(ctx, workItemID, channel, current)
		if err != nil {
			return PreDeliverResult{}, err
		}
		if res.Blocked {
			return res, nil
		}
		if res.TransformedContent != "" {
			current = res.TransformedContent
		}
	}
	if current != content {
		return PreDeliverResult{TransformedContent: current}, nil
	}
	return PreDeliverResult{}, nil
}

// FirePostDeliver notifies every PostDeliverHook; panics and errors from
// individual hooks are the hook's own concern, never surfaced here.
func (r Runner) FirePostDeliver(ctx context.Context, workItemID, channel, outcome, providerRef string) {
	for _, h := range r.Post {
		h.PostDeliver(ctx, workItemID, channel, outcome, providerRef)
	}
}

package hooks

import (
	"context"
	"errors"
	"testing"
)

type blockingHook struct{ reason string }

func (h blockingHook) PreDeliver(ctx context.Context, workItemID, channel, content string) (PreDeliverResult, error) {
	return PreDeliverResult{Blocked: true, BlockedReason: h.reason}, nil
}

type transformHook struct{ suffix string }

func (h transformHook) PreDeliver(ctx context.Context, workItemID, channel, content string) (PreDeliverResult, error) {
	return PreDeliverResult{TransformedContent: content + h.suffix}, nil
}

type erroringHook struct{}

func (erroringHook) PreDeliver(ctx context.Context, workItemID, channel, content string) (PreDeliverResult, error) {
	return PreDeliverResult{}, errors.New("boom")
}

type recordingPostHook struct {
	calls []string
}

func (h *recordingPostHook) PostDeliver(ctx context.Context, workItemID, channel, outcome, providerRef string) {
	h.calls = append(h.calls, outcome)
}

func TestRunner_FirePreDeliver_NoHooksPassesThrough(t *testing.T) {
	r := Runner{}
	res, err := r.FirePreDeliver(context.Background(), "wi-1", "telegram", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Blocked || res.TransformedContent != "" {
		t.Fatalf("expected pass-through result, got %+v", res)
	}
}

func TestRunner_FirePreDeliver_ChainsTransforms(t *testing.T) {
	r := Runner{Pre: []PreDeliverHook{transformHook{suffix: "-a"}, transformHook{suffix: "-b"}}}
	res, err := r.FirePreDeliver(context.Background(), "wi-1", "telegram", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TransformedContent != "hello-a-b" {
		t.Fatalf("expected chained transform, got %q", res.TransformedContent)
	}
}

func TestRunner_FirePreDeliver_FirstBlockWins(t *testing.T) {
	r := Runner{Pre: []PreDeliverHook{
		transformHook{suffix: "-a"},
		blockingHook{reason: "policy violation"},
		transformHook{suffix: "-c"},
	}}
	res, err := r.FirePreDeliver(context.Background(), "wi-1", "telegram", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Blocked || res.BlockedReason != "policy violation" {
		t.Fatalf("expected block from second hook, got %+v", res)
	}
}

func TestRunner_FirePreDeliver_PropagatesHookError(t *testing.T) {
	r := Runner{Pre: []PreDeliverHook{erroringHook{}}}
	_, err := r.FirePreDeliver(context.Background(), "wi-1", "telegram", "hello")
	if err == nil {
		t.Fatalf("expected error from hook")
	}
}

func TestRunner_FirePostDeliver_NotifiesAllHooksInOrder(t *testing.T) {
	a := &recordingPostHook{}
	b := &recordingPostHook{}
	r := Runner{Post: []PostDeliverHook{a, b}}
	r.FirePostDeliver(context.Background(), "wi-1", "telegram", "sent", "provider-ref-1")
	if len(a.calls) != 1 || a.calls[0] != "sent" {
		t.Fatalf("expected hook a notified once with 'sent', got %v", a.calls)
	}
	if len(b.calls) != 1 || b.calls[0] != "sent" {
		t.Fatalf("expected hook b notified once with 'sent', got %v", b.calls)
	}
}

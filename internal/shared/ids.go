package shared

import (
	"context"

	"github.com/google/uuid"
)

type (
	runKeyType   struct{}
	taskKeyType  struct{}
	agentKeyType struct{}
)

// WithRunID attaches a run_id to the context, scoping one execution of a
// dispatch or task within its trace.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKeyType{}, runID)
}

// RunID extracts run_id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runKeyType{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task_id to the context, so tools can build
// idempotency keys scoped to the task they were invoked from.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKeyType{}, taskID)
}

// TaskID extracts task_id from context. Returns "-" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskKeyType{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithAgentID attaches an agent_id to the context, so a tool call can tell
// which agent invoked it.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKeyType{}, agentID)
}

// AgentID extracts agent_id from context. Returns "-" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentKeyType{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

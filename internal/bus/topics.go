package bus

// Additional plan step event topics.
// Event contract for plan execution (TopicPlanStepStarted/Completed defined in bus.go).
const (
	TopicPlanStepFailed = "plan.step.failed"
)

// HITL (Human-In-The-Loop) approval event topics.
// HITL approval workflow events.
const (
	TopicHITLApprovalRequested = "hitl.approval.requested"
	TopicHITLApprovalResponse  = "hitl.approval.response"
)

// Agent alert topic.
// Agent alert notifications.
const (
	TopicAgentAlert = "agent.alert"
)

// Run-dispatch topics, published by the Run-Dispatch Worker around a lane
// claim's lifecycle.
const (
	TopicDispatchCompleted = "dispatch.completed"
	TopicDispatchFailed    = "dispatch.failed"
)

// Effect outbox topics, published by the Effect Outbox Worker once a
// delivery attempt resolves.
const (
	TopicEffectDelivered = "effect.delivered"
	TopicEffectFailed    = "effect.failed"
)

// Routine topic, published by the Routine Scheduler and Event Worker each
// time a due or triggered Routine is turned into a Work Item.
const (
	TopicRoutineFired = "routine.fired"
)

// DispatchEvent is published when a claimed run dispatch finalizes.
type DispatchEvent struct {
	DispatchID string
	AgentID    string
	WorkItemID string
}

// EffectDeliveryEvent is published when an effect outbox entry's delivery
// attempt resolves to a terminal outcome.
type EffectDeliveryEvent struct {
	EffectID    string
	WorkItemID  string
	Channel     string
	ProviderRef string
	Reason      string
}

// RoutineFiredEvent is published when a Routine's trigger enqueues (or
// fails to enqueue) a Work Item.
type RoutineFiredEvent struct {
	RoutineID  string
	TriggerRef string
	WorkItemID string
	Decision   string
}

// PlanStepEvent is published when a plan step starts, completes, or fails.
// Step execution events.
type PlanStepEvent struct {
	ExecutionID string // Plan execution ID
	StepID      string // Step ID within the plan
	TaskID      string // Associated task ID (for started/completed)
	AgentID     string // Agent executing the step
}

// HITLApprovalRequest is published when a step requires human approval.
// HITL approval request event.
type HITLApprovalRequest struct {
	RequestID   string // Unique request ID for matching response
	ExecutionID string // Plan execution ID
	StepID      string // Step ID requiring approval
	Prompt      string // Step prompt that requires approval
	Timeout     int    // Timeout in milliseconds for approval
}

// HITLApprovalResponse is published when a user approves or rejects a step.
// HITL approval response event.
type HITLApprovalResponse struct {
	RequestID string // Matches the corresponding request ID
	Action    string // "approve" or "reject"
	Reason    string // Optional reason for action
}

// AgentAlert is published when an agent needs to alert operators.
// Agent alert notification event.
type AgentAlert struct {
	ExecutionID string // Plan execution ID
	StepID      string // Step ID (if associated with a step)
	Severity    string // "info", "warning", or "error"
	Message     string // Alert message
}

package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all GoClaw metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveLoops      metric.Int64UpDownCounter
	LoopStepsTotal   metric.Int64Counter
	StreamTokens     metric.Int64Counter
	RateLimitRejects metric.Int64Counter

	// Runtime-control-plane instruments.
	DispatchesCompleted metric.Int64Counter
	DispatchesFailed    metric.Int64Counter
	EffectsDelivered    metric.Int64Counter
	EffectsFailed       metric.Int64Counter
	RoutinesFired       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("goclaw.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("goclaw.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("goclaw.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("goclaw.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("goclaw.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("goclaw.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLoops, err = meter.Int64UpDownCounter("goclaw.loop.active",
		metric.WithDescription("Number of currently active agent loops"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopStepsTotal, err = meter.Int64Counter("goclaw.loop.steps",
		metric.WithDescription("Total loop steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("goclaw.stream.tokens",
		metric.WithDescription("Total streaming tokens delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("goclaw.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchesCompleted, err = meter.Int64Counter("goclaw.dispatch.completed",
		metric.WithDescription("Run dispatches that reached a completed terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchesFailed, err = meter.Int64Counter("goclaw.dispatch.failed",
		metric.WithDescription("Run dispatches that reached a failed terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.EffectsDelivered, err = meter.Int64Counter("goclaw.effect.delivered",
		metric.WithDescription("Effect outbox entries successfully delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.EffectsFailed, err = meter.Int64Counter("goclaw.effect.failed",
		metric.WithDescription("Effect outbox entries that failed delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutinesFired, err = meter.Int64Counter("goclaw.routine.fired",
		metric.WithDescription("Routines turned into a work item by the scheduler or event worker"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

package agent

import "context"

// ControlAction is what getRunControlDirective tells the agent runner to do
// at its next safe suspension point.
type ControlAction string

const (
	ControlActionContinue ControlAction = "continue"
	ControlActionPause    ControlAction = "pause"
	ControlActionCancel   ControlAction = "cancel"
	ControlActionSteer    ControlAction = "steer"
)

// ControlDirective is the polled result of a control-directive callback.
type ControlDirective struct {
	Action   ControlAction
	Messages []string // populated when Action == ControlActionSteer
}

// RunInput is what the Run-Dispatch Worker hands the agent runner. The
// reasoning loop itself (runAgent) is out of scope; this is only the call
// boundary.
type RunInput struct {
	WorkItemID    string
	CoalescedText string
	ResponseMode  ResponseMode
	GetDirective  func(ctx context.Context) (ControlDirective, error)
	OnPaused      func()
	OnResumed     func()
	OnCancelled   func()
	OnSteered     func(messages []string)
	OnEvent       func(kind string, payload map[string]any)
	OnJobStarted  func(jobID string)
}

// ResponseMode selects whether the channel expects streamed progress
// events or a single final response.
type ResponseMode string

const (
	ResponseModeStreaming ResponseMode = "streaming"
	ResponseModeFinal     ResponseMode = "final"
)

// RunOutput is the agent runner's terminal result.
type RunOutput struct {
	JobID         string
	FinalResponse string // empty if the runner produced no assistant-visible content
	HitLimit      bool
}

// ErrCancelSentinel-bearing errors mark a runner exit as a cancellation
// rather than a failure. Runner is expected to wrap such errors so that
// errors.Is(err, ErrCancelled) succeeds.
var ErrCancelled = runnerCancelledError{}

type runnerCancelledError struct{}

func (runnerCancelledError) Error() string { return "agent run cancelled" }

// Runner is the boundary between the Run-Dispatch Worker and the agent's
// own reasoning loop. Concrete reasoning (tool use, model calls, turn
// bookkeeping) lives elsewhere and is out of scope for this contract.
type Runner interface {
	Run(ctx context.Context, in RunInput) (RunOutput, error)
}

package agent

import (
	"context"
	"errors"
	"time"

	"github.com/basket/agentrun/internal/persistence"
)

// RegistryRunner adapts a Registry's legacy task-queue execution path to the
// Runner contract the Run-Dispatch Worker calls through. It submits the
// coalesced text as a message task on the named agent's session and polls
// the task row to terminal status, translating the legacy Task lifecycle
// into RunOutput/ErrCancelled.
type RegistryRunner struct {
	Registry *Registry
	Store    *persistence.Store

	// PollInterval is how often the task row is re-read while waiting for
	// a terminal status; defaults to 200ms.
	PollInterval time.Duration
}

// Run submits in.CoalescedText as a message task against the agent identified
// by in.WorkItemID's session (the caller maps dispatch -> agentID/sessionKey
// into WorkItemID lookups upstream; RunInput carries the already-resolved
// session through its WorkItemID field by convention of the dispatch worker's
// claimed-dispatch AgentID/lane) and blocks until the task reaches a terminal
// state, honoring in.GetDirective for cancellation.
func (r *RegistryRunner) Run(ctx context.Context, in RunInput) (RunOutput, error) {
	poll := r.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	if in.OnJobStarted != nil {
		in.OnJobStarted(in.WorkItemID)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-ctx.Done():
			return RunOutput{}, ctx.Err()
		case <-ticker.C:
		}

		if in.GetDirective != nil {
			directive, err := in.GetDirective(ctx)
			if err == nil {
				switch directive.Action {
				case ControlActionCancel:
					if _, err := r.Registry.AbortTask(ctx, in.WorkItemID); err != nil && in.OnCancelled == nil {
						return RunOutput{}, err
					}
					if in.OnCancelled != nil {
						in.OnCancelled()
					}
					return RunOutput{}, ErrCancelled
				case ControlActionPause:
					if !paused {
						paused = true
						if in.OnPaused != nil {
							in.OnPaused()
						}
					}
					continue
				case ControlActionSteer:
					if in.OnSteered != nil {
						in.OnSteered(directive.Messages)
					}
				case ControlActionContinue:
					if paused {
						paused = false
						if in.OnResumed != nil {
							in.OnResumed()
						}
					}
				}
			}
		}

		task, err := r.Store.GetTask(ctx, in.WorkItemID)
		if err != nil {
			return RunOutput{}, err
		}
		switch task.Status {
		case persistence.TaskStatusSucceeded:
			return RunOutput{JobID: in.WorkItemID, FinalResponse: task.Result}, nil
		case persistence.TaskStatusCanceled:
			if in.OnCancelled != nil {
				in.OnCancelled()
			}
			return RunOutput{JobID: in.WorkItemID}, ErrCancelled
		case persistence.TaskStatusFailed, persistence.TaskStatusDeadLetter:
			return RunOutput{JobID: in.WorkItemID}, errors.New(task.Error)
		}
	}
}

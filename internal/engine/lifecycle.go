package engine

import (
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// ValidRunTransitions defines the allowed lifecycle transitions for runs.
var ValidRunTransitions = map[flow.RunStatus][]flow.RunStatus{
	flow.RunStatusPending:   {flow.RunStatusActive, flow.RunStatusFailed},
	flow.RunStatusActive:    {flow.RunStatusSucceeded, flow.RunStatusFailed},
	flow.RunStatusSucceeded: {},
	flow.RunStatusFailed:    {},
}

// TransitionRun validates a run lifecycle transition.
func TransitionRun(from, to flow.RunStatus) error {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return flow.NewErrorf(flow.ErrCodeInvalidTransition, "unknown run status %q", from)
	}
	for _, a := range allowed {
		if a == to {
			return nil
		}
	}
	return flow.NewErrorf(flow.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", from, to)
}

package control

import (
	"fmt"
	"slices"

	"github.com/vietddude/healer/internal/core/domain"
)

// transitions lists the allowed moves of the pipeline state machine.
var transitions = map[domain.PipelineState][]domain.PipelineState{
	domain.StateIdle: {domain.StateSubmitted},
	domain.StateSubmitted: {
		domain.StateRunning,
		domain.StateFailed,
		domain.StateIdle,
	},
	domain.StateRunning: {
		domain.StateSucceeded,
		domain.StateFailed,
		domain.StatePartialSuccess,
		domain.StateIdle,
	},
	domain.StateSucceeded:      {domain.StateIdle},
	domain.StatePartialSuccess: {domain.StateIdle},
	domain.StateFailed: {
		domain.StateSubmitted,
		domain.StateEscalated,
		domain.StateIdle,
	},
	domain.StateEscalated: {domain.StateIdle},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to domain.PipelineState) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionError is returned for an illegal move.
type TransitionError struct {
	From, To domain.PipelineState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// busy reports whether an attempt is in flight or pending a retry.
func busy(s domain.PipelineState) bool {
	switch s {
	case domain.StateSubmitted, domain.StateRunning, domain.StateFailed:
		return true
	}
	return false
}

// Package call defines the call-session domain model shared by the gateway
// and the monitoring SDK: the call state machine, transcripts, and the
// intervention taxonomies.
package call

// State is the lifecycle state of a call session.
type State string

const (
	StateInitiated     State = "initiated"
	StateAIHandling    State = "ai_handling"
	StateHumanTakeover State = "human_takeover"
	StateEscalated     State = "escalated"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateAbandoned     State = "abandoned"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateInitiated, StateAIHandling, StateHumanTakeover, StateEscalated,
		StateCompleted, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a session may move from one state to another.
// Terminal states never transition; any non-terminal state may fail or be
// abandoned. Escalation does not end a call, so an escalated session may
// still be taken over by an operator before completion.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateAbandoned {
		return true
	}
	switch from {
	case StateInitiated:
		return to == StateAIHandling || to == StateHumanTakeover ||
			to == StateEscalated || to == StateCompleted
	case StateAIHandling:
		return to == StateHumanTakeover || to == StateEscalated || to == StateCompleted
	case StateHumanTakeover:
		return to == StateEscalated || to == StateCompleted
	case StateEscalated:
		return to == StateHumanTakeover || to == StateCompleted
	default:
		return false
	}
}

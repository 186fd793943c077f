package call

import (
	"testing"
)

func TestTerminalStatesNeverTransition(t *testing.T) {
	all := []State{
		StateInitiated, StateAIHandling, StateHumanTakeover, StateEscalated,
		StateCompleted, StateFailed, StateAbandoned,
	}
	for _, from := range []State{StateCompleted, StateFailed, StateAbandoned} {
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestAnyNonTerminalMayFailOrAbandon(t *testing.T) {
	for _, from := range []State{StateInitiated, StateAIHandling, StateHumanTakeover, StateEscalated} {
		if !CanTransition(from, StateFailed) {
			t.Fatalf("%s -> failed should be allowed", from)
		}
		if !CanTransition(from, StateAbandoned) {
			t.Fatalf("%s -> abandoned should be allowed", from)
		}
	}
}

func TestForwardGraph(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateInitiated, StateAIHandling, true},
		{StateInitiated, StateHumanTakeover, true},
		{StateAIHandling, StateHumanTakeover, true},
		{StateAIHandling, StateEscalated, true},
		{StateAIHandling, StateCompleted, true},
		{StateHumanTakeover, StateCompleted, true},
		{StateHumanTakeover, StateEscalated, true},
		{StateEscalated, StateCompleted, true},
		{StateEscalated, StateHumanTakeover, true},

		{StateAIHandling, StateInitiated, false},
		{StateHumanTakeover, StateAIHandling, false},
		{StateEscalated, StateAIHandling, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s, %s)=%v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStateForwardOnlyUnderAnySequence(t *testing.T) {
	// Walk every accepted edge repeatedly: once a terminal state is reached,
	// no outgoing edge may exist, so no sequence can regress.
	states := []State{
		StateInitiated, StateAIHandling, StateHumanTakeover, StateEscalated,
		StateCompleted, StateFailed, StateAbandoned,
	}
	for _, s := range states {
		if !s.Terminal() {
			continue
		}
		for _, to := range states {
			if CanTransition(s, to) {
				t.Fatalf("terminal %s has outgoing edge to %s", s, to)
			}
		}
	}
}

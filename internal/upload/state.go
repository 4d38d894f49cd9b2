package upload

import "fmt"

// State is the state of a blob upload session.
type State int

const (
	// StateUninitiated is the state of a session that hasn't been created in the registry yet.
	StateUninitiated State = iota
	// StateSessionOpen is the state of a session the registry accepted. Chunks can be transferred to it.
	StateSessionOpen
	// StateCommitted is the final state of a session whose blob the registry stored under its digest.
	StateCommitted
	// StateFailed is the final state of a session that couldn't be created or whose transfer failed.
	StateFailed
)

// transitions lists the states reachable from each state. Committed and Failed are terminal.
var transitions = map[State][]State{
	StateUninitiated: {StateSessionOpen, StateFailed},
	StateSessionOpen: {StateCommitted, StateFailed},
}

func (s State) String() string {
	switch s {
	case StateUninitiated:
		return "uninitiated"
	case StateSessionOpen:
		return "session-open"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CanTransition reports whether a session in state s may move to the state to.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition is possible from s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

package plan

// State is the lifecycle position of a plan.
type State int

const (
	StateProposed State = iota
	StateApproved
	StateRejected
	StateExecuted
	StateExpired
)

// String returns the wire representation of a state.
func (s State) String() string {
	switch s {
	case StateProposed:
		return "PROPOSED"
	case StateApproved:
		return "APPROVED"
	case StateRejected:
		return "REJECTED"
	case StateExecuted:
		return "EXECUTED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true if no further transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateExecuted || s == StateExpired
}

// validTransitions defines the plan state machine. Approval commits the
// reviewer: the only way forward from APPROVED is execution.
var validTransitions = map[State][]State{
	StateProposed: {StateApproved, StateRejected, StateExpired},
	StateApproved: {StateExecuted},
}

// CanTransition checks whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

package labels

// State is the lifecycle facet of a work item. It is the single
// authoritative progress marker; an item without a state label is treated as
// StatePending.
type State string

const (
	StatePending      State = "pending"
	StateAnalyzing    State = "analyzing"
	StateImplementing State = "implementing"
	StateReviewing    State = "reviewing"
	StateDone         State = "done"
	StateBlocked      State = "blocked"
	StatePaused       State = "paused"
)

// States lists every lifecycle state.
var States = []State{
	StatePending,
	StateAnalyzing,
	StateImplementing,
	StateReviewing,
	StateDone,
	StateBlocked,
	StatePaused,
}

// activeStates are the non-terminal states an item progresses through. They
// can be paused, blocked, or advanced; paused items resume into one of them.
var activeStates = []State{StatePending, StateAnalyzing, StateImplementing, StateReviewing}

// forward is the happy-path progression.
var forward = map[State]State{
	StatePending:      StateAnalyzing,
	StateAnalyzing:    StateImplementing,
	StateImplementing: StateReviewing,
	StateReviewing:    StateDone,
}

// IsTerminal reports whether no transition leaves the state. Paused is not
// terminal: it resumes into the state it interrupted.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateBlocked
}

// IsActive reports whether the state is on the happy path and dispatchable.
func (s State) IsActive() bool {
	for _, a := range activeStates {
		if s == a {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// ValidateTransition reports whether from → to is a legal edge:
//
//	pending → analyzing → implementing → reviewing → done
//	any active state → blocked
//	any active state → paused, paused → any active state
func ValidateTransition(from, to State) bool {
	if from == to {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if from == StatePaused {
		return to.IsActive()
	}
	// from is active here
	if to == StateBlocked || to == StatePaused {
		return true
	}
	return forward[from] == to
}

// NextAgentFor maps the state of an open item to the agent responsible for
// advancing it. Terminal and paused states have no next agent.
func NextAgentFor(state State) (AgentKind, bool) {
	switch state {
	case StatePending:
		return AgentIssue, true
	case StateAnalyzing:
		return AgentCodeGen, true
	case StateImplementing:
		return AgentReview, true
	case StateReviewing:
		return AgentPR, true
	default:
		return "", false
	}
}

// StateAfter returns the state an item enters once the given agent has
// completed its work, following the forward progression. Agents outside the
// pipeline chain leave the state alone.
func StateAfter(agent AgentKind) (State, bool) {
	switch agent {
	case AgentIssue:
		return StateAnalyzing, true
	case AgentCodeGen:
		return StateImplementing, true
	case AgentReview:
		return StateReviewing, true
	case AgentPR:
		return StateDone, true
	default:
		return "", false
	}
}

// AgentAfterMerge is dispatched once a pull request for the item has merged.
const AgentAfterMerge = AgentDeploy

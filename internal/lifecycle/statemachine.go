package lifecycle

// allowedTransitions is the closed transition table. UNKNOWN is reachable
// from every non-terminal state and can move to any state — it is the
// escape hatch for an event the gate cannot otherwise classify, not a
// distinct business state.
var allowedTransitions = map[State]map[State]bool{
	StateSubmitted: {
		StateAccepted: true,
		StateRejected: true,
		StateCanceled: true,
		StateExpired:  true,
		StateUnknown:  true,
	},
	StateAccepted: {
		StatePartiallyFilled: true,
		StateFilled:          true,
		StateCanceled:        true,
		StateExpired:         true,
		StateUnknown:         true,
	},
	StatePartiallyFilled: {
		StatePartiallyFilled: true,
		StateFilled:          true,
		StateCanceled:        true,
		StateExpired:         true,
		StateUnknown:         true,
	},
}

// TransitionResult reports whether a state change is allowed by the
// transition table. A disallowed transition is not rejected outright — the
// event is still ingested with has_violations=true so the state machine
// violation itself becomes part of the audited record.
type TransitionResult struct {
	Allowed bool
	Reason  string
}

// CheckTransition validates moving from -> to. UNKNOWN as a source is the
// universal escape hatch (any destination is allowed); UNKNOWN as a
// destination is still subject to the terminal-state rule, since the
// source states' own transition rows already list it as a legal target.
func CheckTransition(from, to State) TransitionResult {
	if from == StateUnknown {
		return TransitionResult{Allowed: true}
	}
	if IsTerminal(from) {
		return TransitionResult{Allowed: false, Reason: "no transitions out of a terminal state"}
	}
	if allowedTransitions[from][to] {
		return TransitionResult{Allowed: true}
	}
	return TransitionResult{Allowed: false, Reason: "transition not permitted: " + string(from) + " -> " + string(to)}
}

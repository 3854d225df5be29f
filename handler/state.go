package handler

import "strconv"

// State is the lifecycle phase of a Handler
type State int

const (
	// StateNone is the initial state before any dependency was observed
	StateNone State = iota
	// StateWorking means every dependency is available
	StateWorking
	// StateSuspended means a required dependency is temporarily absent
	StateSuspended
	// StatePartiallySuspended means a dependency is absent for a long time;
	// actions fed by the remaining sources keep being evaluated
	StatePartiallySuspended
	// StateFatal is terminal: the handler stopped and its data may be invalid
	StateFatal
	// StateDisposed is terminal: the handler was torn down
	StateDisposed
)

var stateNames = map[State]string{
	StateNone:               "None",
	StateWorking:            "Working",
	StateSuspended:          "Suspended",
	StatePartiallySuspended: "PartiallySuspended",
	StateFatal:              "Fatal",
	StateDisposed:           "Disposed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// IsTerminal reports whether no transition can leave s
func (s State) IsTerminal() bool {
	return s == StateFatal || s == StateDisposed
}

// Evaluates reports whether actions are evaluated while in s
func (s State) Evaluates() bool {
	return s == StateWorking || s == StatePartiallySuspended
}

// MarshalText renders the state name, used by the status API
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

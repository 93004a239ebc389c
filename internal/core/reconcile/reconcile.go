// Package reconcile decides how to move a named container from whatever state
// the container engine reports to "freshly started from the new image".
//
// The decision is a pure lookup in a transition table; the imperative shell
// (internal/shell/lifecycle) executes the resulting plan against the engine.
package reconcile

import (
	"errors"
	"fmt"
)

// ErrUnknownState is returned for engine states missing from the table.
var ErrUnknownState = errors.New("unknown container state")

// =============================================================================
// States
// =============================================================================

// State is the container state as reported by the engine.
type State string

const (
	StateAbsent     State = "absent"
	StateCreated    State = "created"
	StatePaused     State = "paused"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateRemoving   State = "removing"
	StateExited     State = "exited"
	StateDead       State = "dead"
)

// AllStates lists every state the table must cover.
var AllStates = []State{
	StateAbsent,
	StateCreated,
	StatePaused,
	StateRunning,
	StateRestarting,
	StateRemoving,
	StateExited,
	StateDead,
}

// ParseState maps an engine state string onto State. An empty string means
// no container was found.
func ParseState(s string) (State, error) {
	if s == "" {
		return StateAbsent, nil
	}
	st := State(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	return st, nil
}

// =============================================================================
// Actions
// =============================================================================

// Action is a single engine call.
type Action string

const (
	ActionCreate Action = "create"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionRemove Action = "remove"
)

// =============================================================================
// Transition Table
// =============================================================================

// transitions maps the observed state to the engine calls that end with a
// started container. Stopped or paused containers are restarted in place;
// running or crashed ones are replaced so the new image is used. A container
// that is being removed is left to the engine and only started, which
// surfaces the engine's error if removal has not finished.
var transitions = map[State][]Action{
	StateAbsent:     {ActionCreate, ActionStart},
	StateCreated:    {ActionStop, ActionStart},
	StatePaused:     {ActionStop, ActionStart},
	StateRunning:    {ActionStop, ActionRemove, ActionCreate, ActionStart},
	StateRestarting: {ActionStop, ActionRemove, ActionCreate, ActionStart},
	StateRemoving:   {ActionStart},
	StateExited:     {ActionRemove, ActionCreate, ActionStart},
	StateDead:       {ActionRemove, ActionCreate, ActionStart},
}

// Plan returns the ordered actions for state. The returned slice is a copy.
func Plan(state State) ([]Action, error) {
	actions, ok := transitions[state]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	return append([]Action(nil), actions...), nil
}

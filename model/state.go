package model

import "strings"

// RunState is the local lifecycle of a remote load test run.
type RunState uint8

const (
	RunStateUnknown RunState = iota
	RunStateQueued
	RunStateInitializing
	RunStateRunning
	RunStateStopping
	RunStatePassed
	RunStateFailed
	RunStateAborted
)

var runStateNames = map[RunState]string{
	RunStateUnknown:      "Unknown",
	RunStateQueued:       "Queued",
	RunStateInitializing: "Initializing",
	RunStateRunning:      "Running",
	RunStateStopping:     "Stopping",
	RunStatePassed:       "Passed",
	RunStateFailed:       "Failed",
	RunStateAborted:      "Aborted",
}

func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// ParseRunState is the inverse of String. Unrecognised names map to Unknown.
func ParseRunState(name string) RunState {
	for state, n := range runStateNames {
		if strings.EqualFold(n, name) {
			return state
		}
	}
	return RunStateUnknown
}

// IsTerminal reports whether no further transition can happen from s.
func (s RunState) IsTerminal() bool {
	return s == RunStatePassed || s == RunStateFailed || s == RunStateAborted
}

// IsSuccess reports whether s is the passing terminal state.
func (s RunState) IsSuccess() bool {
	return s == RunStatePassed
}

// Rank orders the lifecycle. Transitions only ever move to a higher rank.
// Unknown has no rank and never replaces a known state.
func (s RunState) Rank() int {
	switch s {
	case RunStateQueued:
		return 1
	case RunStateInitializing:
		return 2
	case RunStateRunning:
		return 3
	case RunStateStopping:
		return 4
	case RunStatePassed, RunStateFailed, RunStateAborted:
		return 5
	default:
		return 0
	}
}

// MarshalText encodes the state by name so run records stay readable.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *RunState) UnmarshalText(text []byte) error {
	*s = ParseRunState(string(text))
	return nil
}

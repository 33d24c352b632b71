package store

import (
	"fmt"
	"strings"
)

// RunState is the lifecycle state of a run. The integer values are persisted.
type RunState int

const (
	StateSaved RunState = iota
	StateLaunched
	StateStarted
	StateFinished
	StateFailed
	StateAborted
)

var runStateNames = map[RunState]string{
	StateSaved:    "saved",
	StateLaunched: "launched",
	StateStarted:  "started",
	StateFinished: "finished",
	StateFailed:   "failed",
	StateAborted:  "aborted",
}

// String returns the lowercase state name.
func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further execution happens in this state.
func (s RunState) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateAborted
}

// Active reports whether the run is queued or executing.
func (s RunState) Active() bool {
	return s == StateLaunched || s == StateStarted
}

// MarshalText implements encoding.TextMarshaler so states render by name in JSON.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RunState) UnmarshalText(b []byte) error {
	v, err := ParseRunState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseRunState parses a state name, case-insensitively.
func ParseRunState(name string) (RunState, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for state, n := range runStateNames {
		if n == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown run state %q", name)
}

func stateIn(s RunState, set []RunState) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

package router

import (
	"fmt"
	"sync"
)

// ============================================================================
// LINK STATE MACHINE
// ============================================================================

// LinkState is the router link's position in its connection lifecycle.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateDraining
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the link can never leave this state.
func (s LinkState) Terminal() bool { return s == StateClosed }

// validTransitions is the closed set of legal state changes. Every state
// may drain or close; only the dial path reaches Authenticating.
var validTransitions = map[LinkState][]LinkState{
	StateDisconnected:   {StateConnecting, StateReconnecting, StateDraining, StateClosed},
	StateConnecting:     {StateAuthenticating, StateDisconnected, StateDraining, StateClosed},
	StateAuthenticating: {StateConnected, StateReconnecting, StateDisconnected, StateDraining, StateClosed},
	StateConnected:      {StateReconnecting, StateDraining, StateClosed},
	StateReconnecting:   {StateAuthenticating, StateDisconnected, StateDraining, StateClosed},
	StateDraining:       {StateDisconnected, StateClosed},
}

// machine serializes link state transitions and fans each one out to an
// observer. The observer runs outside the lock.
type machine struct {
	mu       sync.RWMutex
	current  LinkState
	onChange func(from, to LinkState)
}

func newMachine(onChange func(from, to LinkState)) *machine {
	return &machine{current: StateDisconnected, onChange: onChange}
}

// State returns the current position.
func (m *machine) State() LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// is reports whether the current state is one of the given states.
func (m *machine) is(states ...LinkState) bool {
	cur := m.State()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// to moves the machine to target, rejecting transitions outside
// validTransitions. A self-transition is a no-op.
func (m *machine) to(target LinkState) error {
	m.mu.Lock()
	from := m.current
	if from == target {
		m.mu.Unlock()
		return nil
	}
	if !transitionAllowed(from, target) {
		m.mu.Unlock()
		return fmt.Errorf("invalid link transition: %s -> %s", from, target)
	}
	m.current = target
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, target)
	}
	return nil
}

func transitionAllowed(from, to LinkState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

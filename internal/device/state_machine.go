package device

import (
	"fmt"
	"sync"
	"time"
)

// Transition records one lifecycle edge.
type Transition struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Error     error
}

// StateMachine guards the device lifecycle. Connect is the only path
// into CONNECTING, faults land in ERROR, and ERROR is absorbing: only
// a disconnect leaves it.
type StateMachine struct {
	mu sync.RWMutex

	deviceID string
	current  State

	// State history for debugging
	history []Transition

	lastError error
}

// NewStateMachine starts a machine in DISCONNECTED.
func NewStateMachine(deviceID string) *StateMachine {
	return &StateMachine{
		deviceID: deviceID,
		current:  StateDisconnected,
		history:  make([]Transition, 0),
	}
}

// Transition moves from an expected state to a target state. It fails
// when the machine is not in the expected state or the edge is not a
// legal lifecycle transition.
func (sm *StateMachine) Transition(from, to State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != from {
		err := fmt.Errorf("device %s: invalid transition: expected %s, got %s", sm.deviceID, from, sm.current)
		sm.lastError = err
		return err
	}

	if !sm.isValidTransition(from, to) {
		err := fmt.Errorf("device %s: invalid transition: %s -> %s", sm.deviceID, from, to)
		sm.lastError = err
		return err
	}

	sm.history = append(sm.history, Transition{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
	})
	sm.current = to

	return nil
}

// isValidTransition checks whether an edge is part of the lifecycle.
func (sm *StateMachine) isValidTransition(from, to State) bool {
	validTransitions := map[State][]State{
		StateDisconnected: {StateConnecting},
		StateConnecting:   {StateConnected, StateDisconnected, StateError},
		StateConnected:    {StateStreaming, StateDisconnected, StateError},
		StateStreaming:    {StateConnected, StateDisconnected, StateError},
		StateError:        {StateDisconnected},
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, state := range allowed {
		if state == to {
			return true
		}
	}

	return false
}

// Fail records a fault edge into ERROR from whatever state the machine
// is in. A fault while already in ERROR only updates the last error.
func (sm *StateMachine) Fail(err error) (from State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from = sm.current
	sm.lastError = err

	if sm.current == StateError {
		return from
	}

	sm.history = append(sm.history, Transition{
		FromState: from,
		ToState:   StateError,
		Timestamp: time.Now(),
		Error:     err,
	})
	sm.current = StateError

	return from
}

// Current returns the current state.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// History returns a copy of the recorded transitions.
func (sm *StateMachine) History() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	history := make([]Transition, len(sm.history))
	copy(history, sm.history)
	return history
}

// LastError returns the most recent fault or rejected transition.
func (sm *StateMachine) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastError
}

package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine("dev-1")
	assert.Equal(t, StateDisconnected, sm.Current())

	require.NoError(t, sm.Transition(StateDisconnected, StateConnecting))
	require.NoError(t, sm.Transition(StateConnecting, StateConnected))
	require.NoError(t, sm.Transition(StateConnected, StateStreaming))
	require.NoError(t, sm.Transition(StateStreaming, StateConnected))
	require.NoError(t, sm.Transition(StateConnected, StateDisconnected))

	history := sm.History()
	require.Len(t, history, 5)
	assert.Equal(t, StateDisconnected, history[0].FromState)
	assert.Equal(t, StateConnecting, history[0].ToState)
	assert.Equal(t, StateConnected, history[4].FromState)
	assert.Equal(t, StateDisconnected, history[4].ToState)
}

func TestStateMachineRejectsIllegalEdges(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"disconnected to connected skips connecting", StateDisconnected, StateConnected},
		{"disconnected to streaming", StateDisconnected, StateStreaming},
		{"connecting to streaming", StateConnecting, StateStreaming},
		{"error to connecting", StateError, StateConnecting},
		{"error to streaming", StateError, StateStreaming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine("dev-1")
			assert.False(t, sm.isValidTransition(tt.from, tt.to))
		})
	}
}

func TestStateMachineExpectedStateMismatch(t *testing.T) {
	sm := NewStateMachine("dev-1")

	err := sm.Transition(StateConnected, StateStreaming)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected CONNECTED")
	assert.Equal(t, StateDisconnected, sm.Current())
	assert.Error(t, sm.LastError())
}

func TestStateMachineErrorIsAbsorbing(t *testing.T) {
	sm := NewStateMachine("dev-1")
	require.NoError(t, sm.Transition(StateDisconnected, StateConnecting))
	require.NoError(t, sm.Transition(StateConnecting, StateConnected))
	require.NoError(t, sm.Transition(StateConnected, StateStreaming))

	fault := errors.New("electrode detached")
	from := sm.Fail(fault)
	assert.Equal(t, StateStreaming, from)
	assert.Equal(t, StateError, sm.Current())
	assert.Equal(t, fault, sm.LastError())

	// Everything but a disconnect is rejected.
	assert.Error(t, sm.Transition(StateError, StateConnected))
	assert.Error(t, sm.Transition(StateError, StateStreaming))
	require.NoError(t, sm.Transition(StateError, StateDisconnected))
	assert.Equal(t, StateDisconnected, sm.Current())
}

func TestStateMachineDoubleFaultRecordsOnce(t *testing.T) {
	sm := NewStateMachine("dev-1")
	sm.Fail(errors.New("first"))
	sm.Fail(errors.New("second"))

	history := sm.History()
	require.Len(t, history, 1)
	assert.Equal(t, StateError, history[0].ToState)
	assert.EqualError(t, sm.LastError(), "second")
}

func TestStateMachineHistoryIsACopy(t *testing.T) {
	sm := NewStateMachine("dev-1")
	require.NoError(t, sm.Transition(StateDisconnected, StateConnecting))

	history := sm.History()
	history[0].ToState = StateError
	assert.Equal(t, StateConnecting, sm.History()[0].ToState)
}

package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_FullTable(t *testing.T) {
	allowed := map[State]map[State]bool{
		StateSubmitted:     {StateWorking: true, StateCanceled: true, StateFailed: true},
		StateWorking:       {StateCompleted: true, StateFailed: true, StateCanceled: true, StateInputRequired: true},
		StateInputRequired: {StateWorking: true, StateCanceled: true, StateFailed: true},
	}

	for _, from := range States {
		for _, to := range States {
			want := allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateSubmitted, false},
		{StateWorking, false},
		{StateInputRequired, false},
		{StateCompleted, true},
		{StateFailed, true},
		{StateCanceled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.IsTerminal())
			if tt.want {
				assert.Empty(t, AllowedTransitions(tt.state))
			}
		})
	}
}

func TestParseState(t *testing.T) {
	st, err := ParseState("input-required")
	require.NoError(t, err)
	assert.Equal(t, StateInputRequired, st)

	_, err = ParseState("paused")
	assert.Error(t, err)
}

func TestAllowedTransitions_ReturnsCopy(t *testing.T) {
	out := AllowedTransitions(StateSubmitted)
	require.NotEmpty(t, out)
	out[0] = StateCompleted

	assert.False(t, CanTransition(StateSubmitted, StateCompleted))
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, CheckTransition("t1", StateSubmitted, StateWorking))

	err := CheckTransition("t1", StateCompleted, StateWorking)
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "t1", te.TaskID)
	assert.Equal(t, StateCompleted, te.From)
	assert.Equal(t, StateWorking, te.To)
	assert.Contains(t, err.Error(), "completed")
}

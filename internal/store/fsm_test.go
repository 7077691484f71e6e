package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantor/mmexec/pkg/types"
)

func TestNextState_ValidTransitions(t *testing.T) {
	cases := []struct {
		from  types.OrderState
		event types.EventType
		to    types.OrderState
	}{
		{types.StatePending, types.EventOrderAck, types.StateOpen},
		{types.StatePending, types.EventOrderReject, types.StateRejected},
		{types.StateOpen, types.EventPartialFill, types.StatePartiallyFilled},
		{types.StateOpen, types.EventFullFill, types.StateFilled},
		{types.StateOpen, types.EventCancelAck, types.StateCanceled},
		{types.StatePartiallyFilled, types.EventPartialFill, types.StatePartiallyFilled},
		{types.StatePartiallyFilled, types.EventFullFill, types.StateFilled},
		{types.StatePartiallyFilled, types.EventCancelAck, types.StateCanceled},
	}
	for _, tc := range cases {
		next, err := NextState(tc.from, tc.event)
		require.NoError(t, err, "%s + %s", tc.from, tc.event)
		assert.Equal(t, tc.to, next)
	}
}

func TestNextState_TerminalStatesReject(t *testing.T) {
	terminals := []types.OrderState{types.StateFilled, types.StateCanceled, types.StateRejected}
	events := []types.EventType{
		types.EventOrderAck, types.EventOrderReject, types.EventPartialFill,
		types.EventFullFill, types.EventCancelAck,
	}
	for _, state := range terminals {
		for _, event := range events {
			_, err := NextState(state, event)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s + %s", state, event)
		}
	}
}

func TestNextState_InvalidFromPending(t *testing.T) {
	_, err := NextState(types.StatePending, types.EventPartialFill)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = NextState(types.StatePending, types.EventCancelAck)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionEvent(t *testing.T) {
	event, err := TransitionEvent(types.StatePending, types.StateOpen)
	require.NoError(t, err)
	assert.Equal(t, types.EventOrderAck, event)

	event, err = TransitionEvent(types.StateOpen, types.StateCanceled)
	require.NoError(t, err)
	assert.Equal(t, types.EventCancelAck, event)

	_, err = TransitionEvent(types.StateFilled, types.StateCanceled)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = TransitionEvent(types.StateOpen, types.StatePending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

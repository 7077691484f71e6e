// Package store owns the order lifecycle: the state machine, the in-memory
// store for tests and the durable KV-backed store with an append-only
// journal. Every mutation is idempotent under a caller-supplied key.
package store

import (
	"errors"
	"fmt"

	"github.com/quantor/mmexec/pkg/types"
)

// ErrInvalidTransition is returned when an event is not legal in the order's
// current state.
var ErrInvalidTransition = errors.New("invalid_transition")

// ErrOrderNotFound names the unknown-order condition. The stores do not
// return it: a mutation on an unknown order yields a failed MutationResult
// whose message starts with "Order not found".
var ErrOrderNotFound = errors.New("order not found")

// transitions is the order lifecycle table. Terminal states have no entries.
var transitions = map[types.OrderState]map[types.EventType]types.OrderState{
	types.StatePending: {
		types.EventOrderAck:    types.StateOpen,
		types.EventOrderReject: types.StateRejected,
	},
	types.StateOpen: {
		types.EventPartialFill: types.StatePartiallyFilled,
		types.EventFullFill:    types.StateFilled,
		types.EventCancelAck:   types.StateCanceled,
	},
	types.StatePartiallyFilled: {
		types.EventPartialFill: types.StatePartiallyFilled,
		types.EventFullFill:    types.StateFilled,
		types.EventCancelAck:   types.StateCanceled,
	},
	types.StateFilled:   {},
	types.StateCanceled: {},
	types.StateRejected: {},
}

// NextState applies event to current and returns the resulting state.
func NextState(current types.OrderState, event types.EventType) (types.OrderState, error) {
	valid, ok := transitions[current]
	if !ok {
		return "", fmt.Errorf("%w: unknown state %s", ErrInvalidTransition, current)
	}
	next, ok := valid[event]
	if !ok {
		return "", fmt.Errorf("%w: %s + %s", ErrInvalidTransition, current, event)
	}
	return next, nil
}

// TransitionEvent resolves the event implied by moving an order from current
// to target, validating it against the table.
func TransitionEvent(current, target types.OrderState) (types.EventType, error) {
	var event types.EventType
	switch target {
	case types.StateOpen:
		event = types.EventOrderAck
	case types.StateRejected:
		event = types.EventOrderReject
	case types.StatePartiallyFilled:
		event = types.EventPartialFill
	case types.StateFilled:
		event = types.EventFullFill
	case types.StateCanceled:
		event = types.EventCancelAck
	default:
		return "", fmt.Errorf("%w: no event reaches state %s", ErrInvalidTransition, target)
	}
	if _, err := NextState(current, event); err != nil {
		return "", err
	}
	return event, nil
}

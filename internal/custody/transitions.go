package custody

import (
	"errors"
	"fmt"
)

// State is the custody state of an item.
type State string

const (
	StateNotInCustody    State = "not_in_custody"
	StatePendingDeposit  State = "pending_deposit"
	StateInCustody       State = "in_custody"
	StateListedForSale   State = "listed_for_sale"
	StatePendingDelivery State = "pending_delivery"
	StateDelivered       State = "delivered"
)

// ErrIllegalTransition signals a custody transition the table forbids.
// It is log-and-drop for callers: duplicates and replays produce it
// innocuously, so it must never escalate to a process failure.
var ErrIllegalTransition = errors.New("illegal custody transition")

// Terminal reports whether a record in this state no longer reserves the
// item. A new custody record may be opened for the item afterwards.
func (s State) Terminal() bool {
	return s == StateNotInCustody || s == StateDelivered
}

// transitions is the custody state machine. Absent entries are illegal.
var transitions = map[State][]State{
	StateNotInCustody:    {StatePendingDeposit},
	StatePendingDeposit:  {StateInCustody, StateNotInCustody},
	StateInCustody:       {StateListedForSale, StatePendingDelivery},
	StateListedForSale:   {StateInCustody, StatePendingDelivery},
	StatePendingDelivery: {StateDelivered, StateInCustody},
	StateDelivered:       {},
}

// Transition validates moving a record from cur to next. The returned bool
// is false when cur == next: re-applying a transition from a duplicate event
// is a no-op success, not an error.
func Transition(cur, next State) (changed bool, err error) {
	if cur == next {
		return false, nil
	}
	for _, allowed := range transitions[cur] {
		if allowed == next {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, next)
}

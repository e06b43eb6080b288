package custody_test

import (
	"errors"
	"testing"

	"ItemVault/internal/custody"
)

func TestTransition_LegalPaths(t *testing.T) {
	cases := []struct {
		from, to custody.State
	}{
		{custody.StateNotInCustody, custody.StatePendingDeposit},
		{custody.StatePendingDeposit, custody.StateInCustody},
		{custody.StatePendingDeposit, custody.StateNotInCustody},
		{custody.StateInCustody, custody.StateListedForSale},
		{custody.StateInCustody, custody.StatePendingDelivery},
		{custody.StateListedForSale, custody.StateInCustody},
		{custody.StateListedForSale, custody.StatePendingDelivery},
		{custody.StatePendingDelivery, custody.StateDelivered},
		{custody.StatePendingDelivery, custody.StateInCustody},
	}

	for _, tc := range cases {
		changed, err := custody.Transition(tc.from, tc.to)
		if err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !changed {
			t.Errorf("%s -> %s: expected changed=true", tc.from, tc.to)
		}
	}
}

func TestTransition_IllegalPaths(t *testing.T) {
	cases := []struct {
		from, to custody.State
	}{
		{custody.StateNotInCustody, custody.StateDelivered},
		{custody.StateNotInCustody, custody.StateInCustody},
		{custody.StatePendingDeposit, custody.StateDelivered},
		{custody.StateDelivered, custody.StateInCustody},
		{custody.StateDelivered, custody.StatePendingDeposit},
		{custody.StateInCustody, custody.StateNotInCustody},
	}

	for _, tc := range cases {
		_, err := custody.Transition(tc.from, tc.to)
		if !errors.Is(err, custody.ErrIllegalTransition) {
			t.Errorf("%s -> %s: got %v, want ErrIllegalTransition", tc.from, tc.to, err)
		}
	}
}

func TestTransition_SelfIsNoop(t *testing.T) {
	states := []custody.State{
		custody.StateNotInCustody,
		custody.StatePendingDeposit,
		custody.StateInCustody,
		custody.StateListedForSale,
		custody.StatePendingDelivery,
		custody.StateDelivered,
	}

	for _, s := range states {
		changed, err := custody.Transition(s, s)
		if err != nil {
			t.Errorf("%s -> %s: duplicate re-apply must succeed, got %v", s, s, err)
		}
		if changed {
			t.Errorf("%s -> %s: duplicate re-apply must be a no-op", s, s)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	if !custody.StateNotInCustody.Terminal() {
		t.Error("not_in_custody should be terminal")
	}
	if !custody.StateDelivered.Terminal() {
		t.Error("delivered should be terminal")
	}
	if custody.StatePendingDeposit.Terminal() {
		t.Error("pending_deposit should not be terminal")
	}
	if custody.StateListedForSale.Terminal() {
		t.Error("listed_for_sale should not be terminal")
	}
}

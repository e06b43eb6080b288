// Package order owns the fulfillment lifecycle of a purchase. All status
// changes go through the transition table here; nothing else writes order
// state, including the reconciler, which applies Transition results rather
// than raw field updates.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the fulfillment status of an order.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPaid           Status = "paid"
	StatusDelivering     Status = "delivering"
	StatusDelivered      Status = "delivered"
	StatusDeliveryFailed Status = "delivery_failed"
	StatusDisputed       Status = "disputed"
)

// ErrIllegalTransition signals a fulfillment transition the table forbids.
var ErrIllegalTransition = errors.New("illegal order transition")

// Terminal reports whether the order lifecycle has ended.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDeliveryFailed || s == StatusDisputed
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusPaid},
	StatusPaid:       {StatusDelivering, StatusDisputed},
	StatusDelivering: {StatusDelivered, StatusDeliveryFailed},
}

// Transition validates moving an order from cur to next. cur == next is a
// no-op success so duplicate events reconcile cleanly.
func Transition(cur, next Status) (changed bool, err error) {
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

// Order is the purchase record as this engine sees it. The wider order
// management surface (pricing, refunds, disputes UI) lives elsewhere; the
// engine reads the item linkage and writes Status through the machine.
type Order struct {
	ID           uuid.UUID
	BuyerUserID  string
	BuyerTradeID string
	Status       Status
	PriceCents   int64
	CreatedAt    time.Time
	DeliveredAt  *time.Time
}

// Store is the persistence the machine needs: read current status, write a
// guarded update that only succeeds when the row still holds the expected
// status.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to Status) error
}

// Machine applies fulfillment transitions for request-driven callers
// (payment confirmation, delivery requests). The reconciler drives the same
// table transactionally through its own store.
type Machine struct {
	store Store
}

func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

// MarkPaid records payment capture: Pending -> Paid.
func (m *Machine) MarkPaid(ctx context.Context, id uuid.UUID) error {
	return m.apply(ctx, id, StatusPaid)
}

// MarkDelivering records an outstanding delivery offer: Paid -> Delivering.
func (m *Machine) MarkDelivering(ctx context.Context, id uuid.UUID) error {
	return m.apply(ctx, id, StatusDelivering)
}

// MarkDelivered records a completed handover: Delivering -> Delivered.
// Normally the reconciler applies this inside its transaction; the machine
// path exists for manual settlement by an operator.
func (m *Machine) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return m.apply(ctx, id, StatusDelivered)
}

// MarkDeliveryFailed records a failed handover: Delivering -> DeliveryFailed.
func (m *Machine) MarkDeliveryFailed(ctx context.Context, id uuid.UUID) error {
	return m.apply(ctx, id, StatusDeliveryFailed)
}

// MarkDisputed records a deposit-side failure before any delivery attempt:
// Paid -> Disputed.
func (m *Machine) MarkDisputed(ctx context.Context, id uuid.UUID) error {
	return m.apply(ctx, id, StatusDisputed)
}

func (m *Machine) apply(ctx context.Context, id uuid.UUID, next Status) error {
	ord, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("load order %s: %w", id, err)
	}

	changed, err := Transition(ord.Status, next)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return m.store.UpdateOrderStatus(ctx, id, ord.Status, next)
}

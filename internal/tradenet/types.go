package tradenet

import (
	"context"
	"time"
)

// OfferState is the protocol-level state of a trade offer as reported by the
// external trading network. The enumeration is owned by the network, not by
// this engine; states outside this set are mapped to OfferStateUnknown.
type OfferState int32

const (
	OfferStateUnknown OfferState = iota
	OfferStateActive
	OfferStateAccepted
	OfferStateDeclined
	OfferStateExpired
	OfferStateCanceled
	OfferStateInvalidItems
)

func (s OfferState) String() string {
	switch s {
	case OfferStateActive:
		return "active"
	case OfferStateAccepted:
		return "accepted"
	case OfferStateDeclined:
		return "declined"
	case OfferStateExpired:
		return "expired"
	case OfferStateCanceled:
		return "canceled"
	case OfferStateInvalidItems:
		return "invalid_items"
	default:
		return "unknown"
	}
}

// ParseOfferState maps a wire state string to an OfferState.
func ParseOfferState(s string) OfferState {
	switch s {
	case "active":
		return OfferStateActive
	case "accepted":
		return OfferStateAccepted
	case "declined":
		return OfferStateDeclined
	case "expired":
		return OfferStateExpired
	case "canceled":
		return OfferStateCanceled
	case "invalid_items":
		return OfferStateInvalidItems
	default:
		return OfferStateUnknown
	}
}

// Outcome buckets a protocol state for reconciliation. Every protocol state,
// including ones this engine has never seen, lands in exactly one bucket.
type Outcome int32

const (
	// OutcomePending: the offer is still open, nothing to reconcile.
	OutcomePending Outcome = iota
	// OutcomeSuccess: the counterparty accepted, items moved.
	OutcomeSuccess
	// OutcomeFailed: terminal without acceptance (declined, expired,
	// canceled, invalid items). Items did not move.
	OutcomeFailed
)

// Outcome returns the reconciliation bucket for a protocol state.
// Unknown states are treated as pending: the network will eventually report
// a terminal state, and guessing terminality would release custody early.
func (s OfferState) Outcome() Outcome {
	switch s {
	case OfferStateAccepted:
		return OutcomeSuccess
	case OfferStateDeclined, OfferStateExpired, OfferStateCanceled, OfferStateInvalidItems:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// Terminal reports whether the state can never transition again.
func (s OfferState) Terminal() bool {
	return s.Outcome() != OutcomePending
}

// ItemRef identifies one item instance on the trading network.
type ItemRef struct {
	AppID      int32  `json:"app_id"`
	ContextID  int32  `json:"context_id"`
	AssetID    string `json:"asset_id"`
	ClassID    string `json:"class_id"`
	InstanceID string `json:"instance_id"`
}

// OfferEvent is one state-change notification from the network's event
// stream. Events may arrive duplicated or out of order; consumers must
// reconcile idempotently.
type OfferEvent struct {
	OfferID    string     `json:"offer_id"`
	OldState   OfferState `json:"old_state"`
	NewState   OfferState `json:"new_state"`
	ObservedAt time.Time  `json:"observed_at"`
}

// OfferRequest describes a transfer to create on the network. Give is what
// the bot account sends, Take is what it requests from the counterparty.
// Exactly one of Give/Take is populated for this engine's offers.
type OfferRequest struct {
	CounterpartyID string
	Give           []ItemRef
	Take           []ItemRef
	Message        string
}

// Client is the engine's view of the external trading network. The wire
// protocol behind it is a black box; implementations must deliver every
// state change for offers created through them on the Events channel.
type Client interface {
	// Login authenticates the bot session. Blocking; respects ctx.
	Login(ctx context.Context) error

	// CreateOffer submits a transfer request and returns the
	// network-assigned offer ID. Blocking; respects ctx deadlines.
	CreateOffer(ctx context.Context, req OfferRequest) (string, error)

	// Events returns the offer state-change stream. The channel is closed
	// when the underlying connection dies; callers must then discard the
	// client and dial a fresh one.
	Events() <-chan OfferEvent

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Credentials authenticate the bot account. SharedSecret seeds the one-time
// code generator.
type Credentials struct {
	AccountName  string
	Password     string
	SharedSecret string
}

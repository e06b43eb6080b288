// Package offer issues trade offers and owns the mapping from network offer
// IDs to internal item/order pairs. Offer creation (synchronous, request
// driven) and event reconciliation (asynchronous) meet only through this
// persisted mapping; identifiers are never smuggled through offer message
// text.
package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ItemVault/internal/custody"
	"ItemVault/internal/observability"
	"ItemVault/internal/tradenet"
)

// Direction distinguishes custody intake from release.
type Direction string

const (
	// DirectionDeposit: counterparty -> platform account.
	DirectionDeposit Direction = "deposit"
	// DirectionDelivery: platform account -> counterparty.
	DirectionDelivery Direction = "delivery"
)

var (
	// ErrCreationFailed wraps transient network failures during offer
	// creation. Retryable.
	ErrCreationFailed = errors.New("offer creation failed")

	// ErrUnknownOffer is returned by Resolve for offer IDs this tracker
	// never recorded. Consumers log and drop; offers created outside the
	// engine's bookkeeping are not an error condition.
	ErrUnknownOffer = errors.New("unknown offer")

	// ErrItemReserved rejects a second concurrent deposit or delivery
	// attempt while a non-terminal custody record exists for the item.
	ErrItemReserved = errors.New("item already reserved")
)

// Record is the persisted offer bookkeeping row.
type Record struct {
	ID             string
	Direction      Direction
	Item           custody.ItemKey
	OrderID        *uuid.UUID
	CounterpartyID string
	LastState      tradenet.OfferState
	CreatedAt      time.Time
	LastObservedAt time.Time
}

// Store is the transactional persistence the tracker needs. Reservations
// are atomic units: the DB-level uniqueness constraint on non-terminal
// custody records is what serializes concurrent attempts, not application
// locks.
type Store interface {
	// ReserveForDeposit registers the item and opens a custody record in
	// pending_deposit. Fails with ErrItemReserved if a non-terminal record
	// already exists.
	ReserveForDeposit(ctx context.Context, item custody.Item, sellerUserID string) error

	// ReleaseDepositReservation rolls pending_deposit back to
	// not_in_custody after a failed send.
	ReleaseDepositReservation(ctx context.Context, key custody.ItemKey) error

	// ReserveForDelivery moves the item to pending_delivery and the order
	// paid -> delivering in one transaction.
	ReserveForDelivery(ctx context.Context, key custody.ItemKey, orderID uuid.UUID) error

	// ReleaseDeliveryReservation undoes ReserveForDelivery after a failed
	// send: item back to in_custody, order back to paid.
	ReleaseDeliveryReservation(ctx context.Context, key custody.ItemKey, orderID uuid.UUID) error

	// InsertOffer persists the offer mapping under the network-assigned ID.
	InsertOffer(ctx context.Context, rec Record) error

	// GetOffer loads a mapping; ErrUnknownOffer when absent.
	GetOffer(ctx context.Context, offerID string) (*Record, error)
}

// Session exposes the live network client. The session manager fails this
// closed with session.ErrNotReady while disconnected.
type Session interface {
	Client() (tradenet.Client, error)
}

// Config tunes the tracker.
type Config struct {
	// CreateTimeout bounds the network call; past it the creation fails
	// retryable rather than hanging a web request.
	CreateTimeout time.Duration
}

// Tracker issues offers through the session manager and keeps the ID
// mapping current.
type Tracker struct {
	sess    Session
	store   Store
	metrics *observability.Metrics
	cfg     Config
	log     zerolog.Logger
}

func NewTracker(sess Session, store Store, metrics *observability.Metrics, cfg Config, log zerolog.Logger) *Tracker {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 30 * time.Second
	}
	return &Tracker{sess: sess, store: store, metrics: metrics, cfg: cfg, log: log}
}

// CreateDepositOffer requests the named item from the external user into
// platform custody. Returns the network offer ID.
func (t *Tracker) CreateDepositOffer(ctx context.Context, externalUserID string, item custody.Item, sellerUserID string) (string, error) {
	started := time.Now()

	client, err := t.sess.Client()
	if err != nil {
		t.countFailure(DirectionDeposit, "not_ready")
		return "", err
	}

	// Reserve first: the partial unique index rejects a concurrent second
	// deposit for the same item before anything touches the network.
	if err := t.store.ReserveForDeposit(ctx, item, sellerUserID); err != nil {
		t.countFailure(DirectionDeposit, "reserved")
		return "", err
	}

	offerID, err := t.send(ctx, client, tradenet.OfferRequest{
		CounterpartyID: externalUserID,
		Take:           []tradenet.ItemRef{item.Key.Ref()},
		Message:        "Deposit to platform custody",
	})
	if err != nil {
		t.countFailure(DirectionDeposit, "send")
		if relErr := t.store.ReleaseDepositReservation(ctx, item.Key); relErr != nil {
			t.log.Error().Err(relErr).
				Str("asset_id", item.Key.AssetID).
				Msg("failed to release deposit reservation after send failure")
		}
		return "", err
	}

	rec := Record{
		ID:             offerID,
		Direction:      DirectionDeposit,
		Item:           item.Key,
		CounterpartyID: externalUserID,
		LastState:      tradenet.OfferStateActive,
		CreatedAt:      time.Now(),
		LastObservedAt: time.Now(),
	}
	if err := t.store.InsertOffer(ctx, rec); err != nil {
		t.countFailure(DirectionDeposit, "persist")
		return "", fmt.Errorf("persist deposit offer %s: %w", offerID, err)
	}

	t.countSuccess(DirectionDeposit, started)
	t.log.Info().Str("offer_id", offerID).Str("asset_id", item.Key.AssetID).
		Str("counterparty", externalUserID).Msg("deposit offer created")
	return offerID, nil
}

// CreateDeliveryOffer sends the item from platform custody to the buyer and
// tags the offer with the order it fulfills. Moves the order to delivering.
func (t *Tracker) CreateDeliveryOffer(ctx context.Context, externalUserID string, key custody.ItemKey, orderID uuid.UUID) (string, error) {
	started := time.Now()

	client, err := t.sess.Client()
	if err != nil {
		t.countFailure(DirectionDelivery, "not_ready")
		return "", err
	}

	if err := t.store.ReserveForDelivery(ctx, key, orderID); err != nil {
		t.countFailure(DirectionDelivery, "reserved")
		return "", err
	}

	offerID, err := t.send(ctx, client, tradenet.OfferRequest{
		CounterpartyID: externalUserID,
		Give:           []tradenet.ItemRef{key.Ref()},
		Message:        "Delivery from platform custody",
	})
	if err != nil {
		t.countFailure(DirectionDelivery, "send")
		if relErr := t.store.ReleaseDeliveryReservation(ctx, key, orderID); relErr != nil {
			t.log.Error().Err(relErr).
				Str("asset_id", key.AssetID).
				Stringer("order_id", orderID).
				Msg("failed to release delivery reservation after send failure")
		}
		return "", err
	}

	rec := Record{
		ID:             offerID,
		Direction:      DirectionDelivery,
		Item:           key,
		OrderID:        &orderID,
		CounterpartyID: externalUserID,
		LastState:      tradenet.OfferStateActive,
		CreatedAt:      time.Now(),
		LastObservedAt: time.Now(),
	}
	if err := t.store.InsertOffer(ctx, rec); err != nil {
		t.countFailure(DirectionDelivery, "persist")
		return "", fmt.Errorf("persist delivery offer %s: %w", offerID, err)
	}

	t.countSuccess(DirectionDelivery, started)
	t.log.Info().Str("offer_id", offerID).Str("asset_id", key.AssetID).
		Stringer("order_id", orderID).Msg("delivery offer created")
	return offerID, nil
}

// Resolve maps a network offer ID to its bookkeeping record.
func (t *Tracker) Resolve(ctx context.Context, offerID string) (*Record, error) {
	return t.store.GetOffer(ctx, offerID)
}

func (t *Tracker) countSuccess(dir Direction, started time.Time) {
	if t.metrics == nil {
		return
	}
	t.metrics.OffersCreated.WithLabelValues(string(dir)).Inc()
	t.metrics.OfferCreateLatency.WithLabelValues(string(dir)).Observe(time.Since(started).Seconds())
}

func (t *Tracker) countFailure(dir Direction, reason string) {
	if t.metrics == nil {
		return
	}
	t.metrics.OfferCreateFailed.WithLabelValues(string(dir), reason).Inc()
}

func (t *Tracker) send(ctx context.Context, client tradenet.Client, req tradenet.OfferRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CreateTimeout)
	defer cancel()

	offerID, err := client.CreateOffer(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	return offerID, nil
}

// Package reconcile consumes offer state-change events from the trading
// network and drives the custody ledger and order fulfillment machine
// forward. Events may be duplicated, delayed, or out of order; every apply
// is idempotent and a failure on one offer never blocks another.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ItemVault/internal/custody"
	"ItemVault/internal/observability"
	"ItemVault/internal/offer"
	"ItemVault/internal/order"
	"ItemVault/internal/tradenet"
)

// Apply is one atomic reconciliation unit: the offer's observed state plus
// the ledger and order transitions it implies. Stores execute all three
// writes in a single transaction: both succeed or both roll back, so
// custody and order state can never split-brain.
type Apply struct {
	OfferID     string
	NewState    tradenet.OfferState
	Item        custody.ItemKey
	CustodyNext custody.State
	OrderID     *uuid.UUID
	OrderNext   order.Status // ignored when OrderID is nil
}

// Result reports what an Apply actually changed.
type Result struct {
	// Duplicate: the offer was already terminal. Nothing was changed and
	// no side effects (notifications) may fire.
	Duplicate bool

	// FirstTerminal: this event is the first observation of a terminal
	// state for the offer. Exactly one notification is owed.
	FirstTerminal bool

	// CustodyChanged / OrderChanged: the transitions were not no-ops.
	CustodyChanged bool
	OrderChanged   bool
}

// DeadLetter parks an event that could not be reconciled after bounded
// retries, for operator inspection instead of infinite retry or silent loss.
type DeadLetter struct {
	ID        uuid.UUID
	OfferID   string
	OldState  tradenet.OfferState
	NewState  tradenet.OfferState
	Reason    string
	CreatedAt time.Time
}

// Store is the transactional persistence the reconciler needs.
type Store interface {
	// ApplyOutcome executes one Apply atomically. Transition validation
	// uses the custody and order tables; an illegal transition fails the
	// whole unit with custody.ErrIllegalTransition or
	// order.ErrIllegalTransition.
	ApplyOutcome(ctx context.Context, apply Apply) (Result, error)

	// InsertDeadLetter records an unprocessable event.
	InsertDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Resolver maps offer IDs to bookkeeping records (the offer tracker).
type Resolver interface {
	Resolve(ctx context.Context, offerID string) (*offer.Record, error)
}

// Notifier delivers fire-and-forget notifications on the first terminal
// observation of an offer.
type Notifier interface {
	OfferResolved(ctx context.Context, rec offer.Record, newState tradenet.OfferState)
}

// Config tunes the reconciler.
type Config struct {
	// Workers is the size of the bounded pool. Events are sharded to
	// workers by offer ID, serializing reconciliation per offer while
	// distinct offers proceed in parallel.
	Workers int

	// ResolveAttempts bounds the lookup retries for an event whose offer
	// row is not yet visible (the create/event race).
	ResolveAttempts int
	ResolveDelay    time.Duration

	// ApplyAttempts bounds transient apply retries before dead-lettering.
	ApplyAttempts int
	ApplyDelay    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.ResolveAttempts <= 0 {
		c.ResolveAttempts = 4
	}
	if c.ResolveDelay <= 0 {
		c.ResolveDelay = 250 * time.Millisecond
	}
	if c.ApplyAttempts <= 0 {
		c.ApplyAttempts = 3
	}
	if c.ApplyDelay <= 0 {
		c.ApplyDelay = 200 * time.Millisecond
	}
}

// Reconciler applies protocol events to internal state.
type Reconciler struct {
	resolver Resolver
	store    Store
	notifier Notifier
	metrics  *observability.Metrics
	cfg      Config
	log      zerolog.Logger
}

func New(resolver Resolver, store Store, notifier Notifier, metrics *observability.Metrics, cfg Config, log zerolog.Logger) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		resolver: resolver,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
	}
}

// Handle reconciles a single event. Exported for the worker pool and tests;
// production traffic goes through Pool.Run.
func (r *Reconciler) Handle(ctx context.Context, evt tradenet.OfferEvent) {
	r.metrics.EventsReceived.Inc()
	started := time.Now()

	rec, err := r.resolveWithRetry(ctx, evt.OfferID)
	if err != nil {
		if errors.Is(err, offer.ErrUnknownOffer) {
			// Offers created outside this engine's bookkeeping are not
			// ours to manage. Log it, park it, and move on; never crash the loop.
			r.log.Info().Str("offer_id", evt.OfferID).
				Stringer("new_state", evt.NewState).
				Msg("event for unknown offer, dropping")
			r.metrics.EventsDropped.WithLabelValues("unknown_offer").Inc()
			r.deadLetter(ctx, evt, "unresolved", "offer unknown after bounded retries")
			return
		}
		r.log.Error().Err(err).Str("offer_id", evt.OfferID).Msg("offer resolution failed")
		r.metrics.EventsDropped.WithLabelValues("resolve_error").Inc()
		r.deadLetter(ctx, evt, "resolve_error", "resolve: "+err.Error())
		return
	}

	apply := r.plan(rec, evt.NewState)
	result, err := r.applyWithRetry(ctx, apply)
	if err != nil {
		if errors.Is(err, custody.ErrIllegalTransition) || errors.Is(err, order.ErrIllegalTransition) {
			// Duplicate or replayed event observed through a stale lens,
			// or a logic bug. Either way: log and drop, never fatal.
			r.log.Warn().Err(err).Str("offer_id", evt.OfferID).
				Stringer("new_state", evt.NewState).
				Msg("illegal transition, dropping event")
			r.metrics.EventsDropped.WithLabelValues("illegal_transition").Inc()
			return
		}
		r.log.Error().Err(err).Str("offer_id", evt.OfferID).Msg("apply failed, dead-lettering")
		r.deadLetter(ctx, evt, "apply_error", "apply: "+err.Error())
		return
	}

	direction := string(rec.Direction)
	r.metrics.ReconcileDuration.WithLabelValues(direction).Observe(time.Since(started).Seconds())

	if result.Duplicate {
		r.log.Debug().Str("offer_id", evt.OfferID).
			Stringer("new_state", evt.NewState).
			Msg("duplicate terminal event absorbed")
		r.metrics.EventsDuplicate.WithLabelValues(direction).Inc()
		return
	}

	r.metrics.EventsApplied.WithLabelValues(direction, outcomeLabel(evt.NewState.Outcome())).Inc()
	if result.CustodyChanged {
		r.metrics.CustodyTransitions.WithLabelValues(string(apply.CustodyNext)).Inc()
	}
	if result.OrderChanged {
		r.metrics.OrderTransitions.WithLabelValues(string(apply.OrderNext)).Inc()
	}

	if result.FirstTerminal && r.notifier != nil {
		r.notifier.OfferResolved(ctx, *rec, evt.NewState)
	}
}

// plan maps (direction, protocol state) to the custody and order targets:
//
//	deposit  accepted  -> in_custody              (order untouched)
//	deposit  failed    -> not_in_custody          (linked order, if any, disputed)
//	delivery accepted  -> delivered               (order delivered)
//	delivery failed    -> in_custody, back in the pool (order delivery_failed)
//	active / unknown   -> no-op on both
func (r *Reconciler) plan(rec *offer.Record, newState tradenet.OfferState) Apply {
	apply := Apply{
		OfferID:  rec.ID,
		NewState: newState,
		Item:     rec.Item,
		OrderID:  rec.OrderID,
	}

	switch rec.Direction {
	case offer.DirectionDeposit:
		switch newState.Outcome() {
		case tradenet.OutcomeSuccess:
			apply.CustodyNext = custody.StateInCustody
		case tradenet.OutcomeFailed:
			apply.CustodyNext = custody.StateNotInCustody
			if rec.OrderID != nil {
				apply.OrderNext = order.StatusDisputed
			}
		default:
			apply.CustodyNext = custody.StatePendingDeposit
		}
		if apply.OrderNext == "" {
			apply.OrderID = nil
		}

	case offer.DirectionDelivery:
		switch newState.Outcome() {
		case tradenet.OutcomeSuccess:
			apply.CustodyNext = custody.StateDelivered
			apply.OrderNext = order.StatusDelivered
		case tradenet.OutcomeFailed:
			apply.CustodyNext = custody.StateInCustody
			apply.OrderNext = order.StatusDeliveryFailed
		default:
			apply.CustodyNext = custody.StatePendingDelivery
			apply.OrderNext = order.StatusDelivering
		}
	}

	return apply
}

func (r *Reconciler) resolveWithRetry(ctx context.Context, offerID string) (*offer.Record, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.ResolveAttempts; attempt++ {
		if attempt > 0 {
			r.metrics.ResolveRetries.Inc()
			select {
			case <-time.After(r.cfg.ResolveDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err := r.resolver.Resolve(ctx, offerID)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		// An event can beat the offer row to visibility when the create
		// call is still committing; retry before declaring it unknown.
		if !errors.Is(err, offer.ErrUnknownOffer) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *Reconciler) applyWithRetry(ctx context.Context, apply Apply) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.ApplyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.cfg.ApplyDelay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		result, err := r.store.ApplyOutcome(ctx, apply)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, custody.ErrIllegalTransition) || errors.Is(err, order.ErrIllegalTransition) {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, lastErr
}

func (r *Reconciler) deadLetter(ctx context.Context, evt tradenet.OfferEvent, label, reason string) {
	dl := DeadLetter{
		ID:        uuid.New(),
		OfferID:   evt.OfferID,
		OldState:  evt.OldState,
		NewState:  evt.NewState,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if err := r.store.InsertDeadLetter(ctx, dl); err != nil {
		r.log.Error().Err(err).Str("offer_id", evt.OfferID).Msg("dead-letter insert failed")
		return
	}
	r.metrics.EventsDeadLettered.WithLabelValues(label).Inc()
}

func outcomeLabel(o tradenet.Outcome) string {
	switch o {
	case tradenet.OutcomeSuccess:
		return "success"
	case tradenet.OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

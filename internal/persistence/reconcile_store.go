package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ItemVault/internal/custody"
	"ItemVault/internal/offer"
	"ItemVault/internal/order"
	"ItemVault/internal/reconcile"
	"ItemVault/internal/tradenet"
)

// ApplyOutcome executes one reconciliation unit atomically: offer
// last-observed state, custody transition, and order transition commit or
// roll back together. The offer row is locked first, so concurrent events
// for the same offer serialize here even if the worker sharding ever lets
// two through.
func (p *Postgres) ApplyOutcome(ctx context.Context, apply reconcile.Apply) (reconcile.Result, error) {
	var result reconcile.Result

	err := p.withinTx(ctx, func(tx *sql.Tx) error {
		var prevRaw string
		err := tx.QueryRowContext(ctx, `
			SELECT protocol_state FROM custody.trade_offers
			WHERE id = $1
			FOR UPDATE`,
			apply.OfferID,
		).Scan(&prevRaw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", offer.ErrUnknownOffer, apply.OfferID)
		}
		if err != nil {
			return fmt.Errorf("lock offer %s: %w", apply.OfferID, err)
		}

		if tradenet.ParseOfferState(prevRaw).Terminal() {
			// Terminal states never transition again; this is a replay.
			result.Duplicate = true
			return nil
		}

		recordID, cur, found, err := activeCustodyState(ctx, tx, apply.Item)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: item %s has no open custody record", custody.ErrIllegalTransition, apply.Item.AssetID)
		}

		custodyChanged, err := transitionCustodyRecord(ctx, tx, recordID, cur, apply.CustodyNext)
		if err != nil {
			return err
		}
		result.CustodyChanged = custodyChanged

		if apply.OrderID != nil && apply.OrderNext != "" {
			orderChanged, err := applyOrderTransition(ctx, tx, apply)
			if err != nil {
				return err
			}
			result.OrderChanged = orderChanged
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE custody.trade_offers
			SET protocol_state = $2, last_observed_at = NOW()
			WHERE id = $1`,
			apply.OfferID, apply.NewState.String(),
		)
		if err != nil {
			return fmt.Errorf("mark offer %s: %w", apply.OfferID, err)
		}

		result.FirstTerminal = apply.NewState.Terminal()
		return nil
	})
	if err != nil {
		return reconcile.Result{}, err
	}
	return result, nil
}

func applyOrderTransition(ctx context.Context, tx *sql.Tx, apply reconcile.Apply) (bool, error) {
	var cur order.Status
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM custody.orders
		WHERE id = $1
		FOR UPDATE`,
		*apply.OrderID,
	).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: linked order %s not found", order.ErrIllegalTransition, *apply.OrderID)
	}
	if err != nil {
		return false, fmt.Errorf("lock order %s: %w", *apply.OrderID, err)
	}

	changed, err := order.Transition(cur, apply.OrderNext)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE custody.orders
		SET status = $2,
		    delivered_at = CASE WHEN $2 = 'delivered' THEN NOW() ELSE delivered_at END,
		    updated_at = NOW()
		WHERE id = $1`,
		*apply.OrderID, apply.OrderNext,
	)
	if err != nil {
		return false, fmt.Errorf("update order %s: %w", *apply.OrderID, err)
	}
	return true, nil
}

// InsertDeadLetter parks an unprocessable event for operator inspection.
func (p *Postgres) InsertDeadLetter(ctx context.Context, dl reconcile.DeadLetter) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO custody.dead_letters
			(id, offer_id, old_state, new_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		dl.ID, dl.OfferID, dl.OldState.String(), dl.NewState.String(),
		dl.Reason, dl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter for offer %s: %w", dl.OfferID, err)
	}
	return nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ItemVault/internal/custody"
	"ItemVault/internal/offer"
	"ItemVault/internal/order"
	"ItemVault/internal/tradenet"
)

// ReserveForDeposit registers the item and opens a pending_deposit custody
// record. The partial unique index over non-terminal records turns a
// concurrent second attempt into offer.ErrItemReserved.
func (p *Postgres) ReserveForDeposit(ctx context.Context, item custody.Item, sellerUserID string) error {
	err := p.withinTx(ctx, func(tx *sql.Tx) error {
		if err := upsertItem(ctx, tx, item); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO custody.records
				(app_id, context_id, asset_id, seller_user_id, state)
			VALUES ($1, $2, $3, $4, 'pending_deposit')`,
			item.Key.AppID, item.Key.ContextID, item.Key.AssetID, sellerUserID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return offer.ErrItemReserved
			}
			return fmt.Errorf("insert custody record: %w", err)
		}
		return nil
	})
	return err
}

// ReleaseDepositReservation rolls a failed deposit send back to
// not_in_custody. Idempotent: a record no longer in pending_deposit is left
// alone.
func (p *Postgres) ReleaseDepositReservation(ctx context.Context, key custody.ItemKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE custody.records
		SET state = 'not_in_custody', revision = revision + 1, updated_at = NOW()
		WHERE app_id = $1 AND context_id = $2 AND asset_id = $3
		  AND state = 'pending_deposit'`,
		key.AppID, key.ContextID, key.AssetID,
	)
	if err != nil {
		return fmt.Errorf("release deposit reservation for %s: %w", key.AssetID, err)
	}
	return nil
}

// ReserveForDelivery moves the item to pending_delivery and the order
// paid -> delivering in one transaction. Either both happen or neither.
func (p *Postgres) ReserveForDelivery(ctx context.Context, key custody.ItemKey, orderID uuid.UUID) error {
	return p.withinTx(ctx, func(tx *sql.Tx) error {
		recordID, cur, found, err := activeCustodyState(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: item %s has no open custody record", custody.ErrIllegalTransition, key.AssetID)
		}

		if _, err := transitionCustodyRecord(ctx, tx, recordID, cur, custody.StatePendingDelivery); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE custody.orders
			SET status = 'delivering', updated_at = NOW()
			WHERE id = $1 AND status = 'paid'`,
			orderID,
		)
		if err != nil {
			return fmt.Errorf("update order %s: %w", orderID, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("%w: order %s is not paid", order.ErrIllegalTransition, orderID)
		}
		return nil
	})
}

// ReleaseDeliveryReservation undoes ReserveForDelivery after a failed send.
func (p *Postgres) ReleaseDeliveryReservation(ctx context.Context, key custody.ItemKey, orderID uuid.UUID) error {
	return p.withinTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE custody.records
			SET state = 'in_custody', revision = revision + 1, updated_at = NOW()
			WHERE app_id = $1 AND context_id = $2 AND asset_id = $3
			  AND state = 'pending_delivery'`,
			key.AppID, key.ContextID, key.AssetID,
		)
		if err != nil {
			return fmt.Errorf("release delivery reservation for %s: %w", key.AssetID, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE custody.orders
			SET status = 'paid', updated_at = NOW()
			WHERE id = $1 AND status = 'delivering'`,
			orderID,
		)
		if err != nil {
			return fmt.Errorf("revert order %s: %w", orderID, err)
		}
		return nil
	})
}

// InsertOffer persists the offer mapping keyed by the network-assigned ID.
// Replaying the same insert is a no-op.
func (p *Postgres) InsertOffer(ctx context.Context, rec offer.Record) error {
	var orderID interface{}
	if rec.OrderID != nil {
		orderID = *rec.OrderID
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO custody.trade_offers
			(id, direction, app_id, context_id, asset_id, order_id,
			 counterparty_id, protocol_state, created_at, last_observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Direction,
		rec.Item.AppID, rec.Item.ContextID, rec.Item.AssetID,
		orderID, rec.CounterpartyID, rec.LastState.String(),
		rec.CreatedAt, rec.LastObservedAt,
	)
	if err != nil {
		return fmt.Errorf("insert offer %s: %w", rec.ID, err)
	}
	return nil
}

// GetOffer loads an offer mapping; offer.ErrUnknownOffer when absent.
func (p *Postgres) GetOffer(ctx context.Context, offerID string) (*offer.Record, error) {
	rec, err := scanOffer(p.db.QueryRowContext(ctx, `
		SELECT o.id, o.direction, o.app_id, o.context_id, o.asset_id,
		       COALESCE(i.class_id, ''), COALESCE(i.instance_id, ''),
		       o.order_id, o.counterparty_id, o.protocol_state,
		       o.created_at, o.last_observed_at
		FROM custody.trade_offers o
		LEFT JOIN custody.items i
		  ON i.app_id = o.app_id AND i.context_id = o.context_id AND i.asset_id = o.asset_id
		WHERE o.id = $1`,
		offerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", offer.ErrUnknownOffer, offerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", offerID, err)
	}
	return rec, nil
}

// SetListed toggles in_custody <-> listed_for_sale for an item the platform
// holds. Invoked by the web layer when the seller lists or pulls the item.
func (p *Postgres) SetListed(ctx context.Context, key custody.ItemKey, listed bool) error {
	return p.withinTx(ctx, func(tx *sql.Tx) error {
		recordID, cur, found, err := activeCustodyState(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: item %s has no open custody record", custody.ErrIllegalTransition, key.AssetID)
		}

		next := custody.StateListedForSale
		if !listed {
			next = custody.StateInCustody
		}
		_, err = transitionCustodyRecord(ctx, tx, recordID, cur, next)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(row rowScanner) (*offer.Record, error) {
	var (
		rec     offer.Record
		state   string
		orderID uuid.NullUUID
	)
	err := row.Scan(
		&rec.ID, &rec.Direction,
		&rec.Item.AppID, &rec.Item.ContextID, &rec.Item.AssetID,
		&rec.Item.ClassID, &rec.Item.InstanceID,
		&orderID, &rec.CounterpartyID, &state,
		&rec.CreatedAt, &rec.LastObservedAt,
	)
	if err != nil {
		return nil, err
	}
	if orderID.Valid {
		rec.OrderID = &orderID.UUID
	}
	rec.LastState = tradenet.ParseOfferState(state)
	return &rec, nil
}

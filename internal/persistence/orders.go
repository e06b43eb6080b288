package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ItemVault/internal/custody"
	"ItemVault/internal/order"
)

// InsertOrder records a purchase linking a buyer to a custodied item. The
// wider order surface is owned by the marketplace layer; the engine only
// needs the row to exist before payment confirmation reaches it.
func (p *Postgres) InsertOrder(ctx context.Context, ord order.Order, item custody.ItemKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO custody.orders
			(id, buyer_user_id, buyer_trade_id, app_id, context_id, asset_id,
			 price_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		ord.ID, ord.BuyerUserID, ord.BuyerTradeID,
		item.AppID, item.ContextID, item.AssetID,
		ord.PriceCents, ord.Status, ord.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", ord.ID, err)
	}
	return nil
}

// GetOrder loads an order by ID.
func (p *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	var (
		ord         order.Order
		deliveredAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_user_id, buyer_trade_id, price_cents, status,
		       created_at, delivered_at
		FROM custody.orders
		WHERE id = $1`,
		id,
	).Scan(
		&ord.ID, &ord.BuyerUserID, &ord.BuyerTradeID,
		&ord.PriceCents, &ord.Status, &ord.CreatedAt, &deliveredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if deliveredAt.Valid {
		ord.DeliveredAt = &deliveredAt.Time
	}
	return &ord, nil
}

// UpdateOrderStatus applies a guarded status change: the update succeeds
// only while the row still holds the expected status, so two writers can
// never race the machine past its own table.
func (p *Postgres) UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to order.Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE custody.orders
		SET status = $3,
		    delivered_at = CASE WHEN $3 = 'delivered' THEN NOW() ELSE delivered_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: order %s left %s concurrently", order.ErrIllegalTransition, id, from)
	}
	return nil
}

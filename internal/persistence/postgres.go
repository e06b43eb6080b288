// Package persistence implements the engine's store contracts on Postgres.
// All multi-entity updates (reservations, reconciliation applies) run inside
// a single transaction; idempotent writes use ON CONFLICT guards; row-level
// exclusivity is enforced by a partial unique index, not application locks.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ItemVault/internal/custody"
)

const uniqueViolation = "23505"

// Postgres implements the offer tracker, order machine, and reconciler
// store interfaces over one *sql.DB.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres with the engine's pool settings.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// withinTx runs fn in a transaction, rolling back on error.
func (p *Postgres) withinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// upsertItem registers the item catalog entry, refreshing mutable fields.
func upsertItem(ctx context.Context, tx *sql.Tx, item custody.Item) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody.items
			(app_id, context_id, asset_id, class_id, instance_id,
			 name, market_name, estimated_value_cents, tradable, marketable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (app_id, context_id, asset_id) DO UPDATE SET
			class_id = EXCLUDED.class_id,
			instance_id = EXCLUDED.instance_id,
			name = EXCLUDED.name,
			market_name = EXCLUDED.market_name,
			estimated_value_cents = EXCLUDED.estimated_value_cents,
			tradable = EXCLUDED.tradable,
			marketable = EXCLUDED.marketable`,
		item.Key.AppID, item.Key.ContextID, item.Key.AssetID,
		item.Key.ClassID, item.Key.InstanceID,
		item.Name, item.MarketName, item.EstimatedValueCents,
		item.Tradable, item.Marketable,
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.Key.AssetID, err)
	}
	return nil
}

// activeCustodyState locks and returns the item's non-terminal custody
// record. found is false when the item has no open record.
func activeCustodyState(ctx context.Context, tx *sql.Tx, key custody.ItemKey) (id int64, state custody.State, found bool, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT id, state FROM custody.records
		WHERE app_id = $1 AND context_id = $2 AND asset_id = $3
		  AND state NOT IN ('not_in_custody', 'delivered')
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`,
		key.AppID, key.ContextID, key.AssetID,
	).Scan(&id, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("lock custody record for %s: %w", key.AssetID, err)
	}
	return id, state, true, nil
}

// transitionCustodyRecord validates and applies cur -> next on a locked
// record. Returns whether the row changed.
func transitionCustodyRecord(ctx context.Context, tx *sql.Tx, recordID int64, cur, next custody.State) (bool, error) {
	changed, err := custody.Transition(cur, next)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE custody.records
		SET state = $2, revision = revision + 1, updated_at = NOW()
		WHERE id = $1`,
		recordID, next,
	)
	if err != nil {
		return false, fmt.Errorf("update custody record %d: %w", recordID, err)
	}
	return true, nil
}

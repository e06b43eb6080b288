// Package custody is the authoritative record of which items the platform
// holds. Custody state is independent of any in-flight trade offer: offers
// come and go, the custody record is the ledger.
package custody

import (
	"time"

	"ItemVault/internal/tradenet"
)

// ItemKey is the composite identity of one item instance within a game
// context. Asset/class/instance IDs are opaque strings assigned by the
// trading network.
type ItemKey struct {
	AppID      int32
	ContextID  int32
	AssetID    string
	ClassID    string
	InstanceID string
}

// Ref converts the key to the trading network's item reference.
func (k ItemKey) Ref() tradenet.ItemRef {
	return tradenet.ItemRef{
		AppID:      k.AppID,
		ContextID:  k.ContextID,
		AssetID:    k.AssetID,
		ClassID:    k.ClassID,
		InstanceID: k.InstanceID,
	}
}

// Item is the catalog entry for a deposited item.
type Item struct {
	Key                 ItemKey
	Name                string
	MarketName          string
	EstimatedValueCents int64
	Tradable            bool
	Marketable          bool
}

// Record is one custody record for an item. Records are never deleted, only
// transitioned; Revision increments on every state change so the row history
// is auditable.
type Record struct {
	ID           int64
	Item         ItemKey
	SellerUserID string
	State        State
	Revision     int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

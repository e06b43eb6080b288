// Package notify publishes fire-and-forget engine notifications for
// downstream consumers (the web layer's realtime fan-out, operator alerting).
// Exactly one notification is owed per first terminal observation of an
// offer; replays are suppressed here as a second line of defense behind the
// reconciler's in-transaction terminal check.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ItemVault/internal/observability"
	"ItemVault/internal/offer"
	"ItemVault/internal/tradenet"
)

const (
	streamName    = "VAULT_EVENTS"
	subjectRoot   = "vault"
	dedupKeyTTL   = 24 * time.Hour
	publishExpiry = 5 * time.Second
)

// OfferNotification is the payload published on offer resolution.
type OfferNotification struct {
	NotificationID string     `json:"notification_id"`
	OfferID        string     `json:"offer_id"`
	Direction      string     `json:"direction"`
	AssetID        string     `json:"asset_id"`
	OrderID        *uuid.UUID `json:"order_id,omitempty"`
	NewState       string     `json:"new_state"`
	Outcome        string     `json:"outcome"`
	ObservedAt     time.Time  `json:"observed_at"`
}

// SessionAlert is the payload published when login keeps failing.
type SessionAlert struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error"`
	RaisedAt            time.Time `json:"raised_at"`
}

// Publisher emits notifications to NATS JetStream with a Redis SETNX guard
// against cross-restart duplicates.
type Publisher struct {
	js      jetstream.JetStream
	rdb     *redis.Client
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, rdb *redis.Client, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, rdb: rdb, metrics: metrics, log: log}
}

// EnsureStream creates the notification stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}

// OfferResolved publishes the terminal-offer notification. Fire and forget:
// failures are counted and logged, never propagated; downstream consumers
// can always re-read engine state from the store.
func (p *Publisher) OfferResolved(ctx context.Context, rec offer.Record, newState tradenet.OfferState) {
	if !p.markFirst(ctx, "notify:offer:"+rec.ID) {
		p.metrics.NotificationsSuppressed.Inc()
		p.log.Debug().Str("offer_id", rec.ID).Msg("notification suppressed as duplicate")
		return
	}

	outcome := outcomeLabel(newState.Outcome())
	n := OfferNotification{
		NotificationID: uuid.NewString(),
		OfferID:        rec.ID,
		Direction:      string(rec.Direction),
		AssetID:        rec.Item.AssetID,
		OrderID:        rec.OrderID,
		NewState:       newState.String(),
		Outcome:        outcome,
		ObservedAt:     time.Now(),
	}

	subject := fmt.Sprintf("%s.offers.%s.%s", subjectRoot, n.Direction, outcome)
	if err := p.publish(ctx, subject, n); err != nil {
		p.metrics.NotificationErrors.Inc()
		p.log.Warn().Err(err).Str("offer_id", rec.ID).Msg("notification publish failed")
		return
	}
	p.metrics.NotificationsPublished.WithLabelValues(n.Direction, outcome).Inc()
}

// SessionAuthAlert publishes an operator alert for persistent login failure.
func (p *Publisher) SessionAuthAlert(ctx context.Context, consecutiveFailures int, lastErr error) {
	alert := SessionAlert{
		ConsecutiveFailures: consecutiveFailures,
		LastError:           lastErr.Error(),
		RaisedAt:            time.Now(),
	}
	if err := p.publish(ctx, subjectRoot+".alerts.session", alert); err != nil {
		p.metrics.NotificationErrors.Inc()
		p.log.Warn().Err(err).Msg("session alert publish failed")
	}
}

// markFirst returns true when this process is the first to claim the key.
// Without Redis configured the in-transaction terminal check is the only
// guard, which is still correct within a single store.
func (p *Publisher) markFirst(ctx context.Context, key string) bool {
	if p.rdb == nil {
		return true
	}
	ok, err := p.rdb.SetNX(ctx, key, 1, dedupKeyTTL).Result()
	if err != nil {
		// Guard unavailable: prefer a possible duplicate notification
		// over a missed one.
		p.log.Warn().Err(err).Msg("notification dedup check failed")
		return true
	}
	return ok
}

func (p *Publisher) publish(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishExpiry)
	defer cancel()

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
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

// Package session owns the single authenticated connection to the trading
// network. Exactly one live client exists at a time; the previous client is
// fully torn down before a reconnect so two sockets can never deliver the
// same event twice.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ItemVault/internal/tradenet"
)

// ErrNotReady is returned for any outbound call while the session is down.
// Retryable: callers back off and try again, they do not fail the operation
// permanently.
var ErrNotReady = errors.New("session not ready")

// Status is the session readiness, observable without blocking.
type Status int32

const (
	StatusNotReady Status = iota
	StatusReady
)

func (s Status) String() string {
	if s == StatusReady {
		return "ready"
	}
	return "not_ready"
}

// Dialer establishes a fresh, unauthenticated client.
type Dialer func(ctx context.Context) (tradenet.Client, error)

// Config tunes the reconnect loop.
type Config struct {
	// BackoffBase is the first reconnect delay; doubles per consecutive
	// failure up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// AlertThreshold is the consecutive-failure count at which OnAuthAlert
	// fires. Login keeps retrying regardless; the alert is for operators.
	AlertThreshold int

	// OnAuthAlert is invoked (once per threshold crossing) when login has
	// failed AlertThreshold times in a row. Optional.
	OnAuthAlert func(consecutiveFailures int, lastErr error)

	// OnStatusChange is invoked on every Ready/NotReady flip. Optional.
	OnStatusChange func(Status)
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 10
	}
}

// Manager runs the connect/login/pump loop and exposes the live client.
type Manager struct {
	dial Dialer
	cfg  Config
	log  zerolog.Logger

	mu     sync.RWMutex
	client tradenet.Client
	status Status

	events chan tradenet.OfferEvent
}

func NewManager(dial Dialer, cfg Config, log zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		dial:   dial,
		cfg:    cfg,
		log:    log,
		events: make(chan tradenet.OfferEvent, 256),
	}
}

// Events is the merged offer event stream across reconnects. It stays open
// for the life of the manager; Run closes it on shutdown.
func (m *Manager) Events() <-chan tradenet.OfferEvent {
	return m.events
}

// Status returns the current readiness. Non-blocking.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Client returns the live network client, or ErrNotReady. Callers must not
// retain the client across calls: it may be torn down at any moment.
func (m *Manager) Client() (tradenet.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusReady || m.client == nil {
		return nil, ErrNotReady
	}
	return m.client, nil
}

// Run drives the session until ctx is cancelled. Authentication failures are
// never fatal: the loop retries with capped exponential backoff forever,
// escalating to an operator alert past the configured threshold.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.events)

	backoff := m.cfg.BackoffBase
	consecutiveFailures := 0

	for {
		client, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			consecutiveFailures++
			m.log.Warn().Err(err).
				Int("consecutive_failures", consecutiveFailures).
				Dur("backoff", backoff).
				Msg("session login failed, retrying")

			if consecutiveFailures%m.cfg.AlertThreshold == 0 && m.cfg.OnAuthAlert != nil {
				m.cfg.OnAuthAlert(consecutiveFailures, err)
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, m.cfg.BackoffCap)
			continue
		}

		consecutiveFailures = 0
		backoff = m.cfg.BackoffBase
		m.setClient(client)
		m.log.Info().Msg("session ready")

		// Pump events until the client's stream closes (disconnect) or we
		// are shut down. Fail closed first, then tear down, then redial.
		disconnected := m.pump(ctx, client)
		m.clearClient()
		client.Close()

		if !disconnected {
			return ctx.Err()
		}
		m.log.Warn().Msg("session disconnected, reconnecting")
	}
}

func (m *Manager) connect(ctx context.Context) (tradenet.Client, error) {
	client, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := client.Login(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// pump forwards client events into the merged stream. Returns true when the
// client stream closed (disconnect), false on ctx cancellation.
func (m *Manager) pump(ctx context.Context, client tradenet.Client) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-client.Events():
			if !ok {
				return true
			}
			select {
			case m.events <- evt:
			case <-ctx.Done():
				return false
			}
		}
	}
}

func (m *Manager) setClient(client tradenet.Client) {
	m.mu.Lock()
	m.client = client
	m.status = StatusReady
	m.mu.Unlock()
	if m.cfg.OnStatusChange != nil {
		m.cfg.OnStatusChange(StatusReady)
	}
}

func (m *Manager) clearClient() {
	m.mu.Lock()
	m.client = nil
	m.status = StatusNotReady
	m.mu.Unlock()
	if m.cfg.OnStatusChange != nil {
		m.cfg.OnStatusChange(StatusNotReady)
	}
}

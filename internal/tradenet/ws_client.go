package tradenet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultLoginTimeout = 20 * time.Second
	pingInterval        = 25 * time.Second
	writeDeadline       = 10 * time.Second
	eventBufferSize     = 256
)

// wire frame shared by requests, responses and events. Only the fields
// relevant to the frame type are populated.
type frame struct {
	Type           string     `json:"type"`
	RequestID      string     `json:"request_id,omitempty"`
	Account        string     `json:"account,omitempty"`
	Password       string     `json:"password,omitempty"`
	OneTimeCode    string     `json:"one_time_code,omitempty"`
	CounterpartyID string     `json:"counterparty_id,omitempty"`
	Give           []ItemRef  `json:"give,omitempty"`
	Take           []ItemRef  `json:"take,omitempty"`
	Message        string     `json:"message,omitempty"`
	OfferID        string     `json:"offer_id,omitempty"`
	OldState       string     `json:"old_state,omitempty"`
	NewState       string     `json:"new_state,omitempty"`
	Error          string     `json:"error,omitempty"`
}

const (
	frameAuth         = "auth"
	frameAuthOK       = "auth_ok"
	frameCreateOffer  = "create_offer"
	frameOfferCreated = "offer_created"
	frameOfferChanged = "offer_changed"
	frameError        = "error"
)

// WSClient is the websocket implementation of Client. One WSClient maps to
// one socket; after the read loop exits the client is dead and must be
// replaced, never re-dialed in place.
type WSClient struct {
	url   string
	creds Credentials
	log   zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	events    chan OfferEvent
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the trading network endpoint. The returned client is not
// authenticated until Login succeeds.
func Dial(ctx context.Context, url string, creds Credentials, log zerolog.Logger) (*WSClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &WSClient{
		url:     url,
		creds:   creds,
		log:     log,
		conn:    conn,
		pending: make(map[string]chan frame),
		events:  make(chan OfferEvent, eventBufferSize),
		done:    make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Login sends the auth frame with a fresh one-time code and waits for the
// network's acknowledgement.
func (c *WSClient) Login(ctx context.Context) error {
	code, err := GenerateAuthCode(c.creds.SharedSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate auth code: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultLoginTimeout)
	defer cancel()

	resp, err := c.roundTrip(ctx, frame{
		Type:        frameAuth,
		Account:     c.creds.AccountName,
		Password:    c.creds.Password,
		OneTimeCode: code,
	})
	if err != nil {
		return err
	}
	if resp.Type != frameAuthOK {
		return fmt.Errorf("auth rejected: %s", resp.Error)
	}
	c.log.Info().Str("account", c.creds.AccountName).Msg("session authenticated")
	return nil
}

// CreateOffer submits a transfer request and waits for the assigned offer ID.
func (c *WSClient) CreateOffer(ctx context.Context, req OfferRequest) (string, error) {
	resp, err := c.roundTrip(ctx, frame{
		Type:           frameCreateOffer,
		CounterpartyID: req.CounterpartyID,
		Give:           req.Give,
		Take:           req.Take,
		Message:        req.Message,
	})
	if err != nil {
		return "", err
	}
	if resp.Type != frameOfferCreated || resp.OfferID == "" {
		return "", fmt.Errorf("offer rejected: %s", resp.Error)
	}
	return resp.OfferID, nil
}

// Events returns the state-change stream. Closed when the socket dies.
func (c *WSClient) Events() <-chan OfferEvent {
	return c.events
}

// Close tears down the socket and unblocks all in-flight round trips.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// roundTrip sends a request frame tagged with a fresh request ID and waits
// for the matching response, the context, or connection death.
func (c *WSClient) roundTrip(ctx context.Context, f frame) (frame, error) {
	f.RequestID = uuid.NewString()

	respCh := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[f.RequestID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(f); err != nil {
		return frame{}, fmt.Errorf("write %s: %w", f.Type, err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, fmt.Errorf("connection closed during %s", f.Type)
	}
}

func (c *WSClient) writeFrame(f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop dispatches inbound frames: responses to their waiting round trip,
// offer state changes to the events channel. Exits on socket error and
// closes the events channel so the session manager notices the disconnect.
func (c *WSClient) readLoop() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("connection read failed")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}

		if f.RequestID != "" {
			c.pendingMu.Lock()
			respCh := c.pending[f.RequestID]
			c.pendingMu.Unlock()
			if respCh != nil {
				respCh <- f
			}
			continue
		}

		if f.Type == frameOfferChanged {
			evt := OfferEvent{
				OfferID:    f.OfferID,
				OldState:   ParseOfferState(f.OldState),
				NewState:   ParseOfferState(f.NewState),
				ObservedAt: time.Now(),
			}
			select {
			case c.events <- evt:
			case <-c.done:
				return
			}
		}
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

package tradenet_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ItemVault/internal/observability"
	"ItemVault/internal/tradenet"
)

// wireFrame mirrors the client's JSON frames for the fake network.
type wireFrame struct {
	Type           string             `json:"type"`
	RequestID      string             `json:"request_id,omitempty"`
	Account        string             `json:"account,omitempty"`
	OneTimeCode    string             `json:"one_time_code,omitempty"`
	CounterpartyID string             `json:"counterparty_id,omitempty"`
	Give           []tradenet.ItemRef `json:"give,omitempty"`
	Take           []tradenet.ItemRef `json:"take,omitempty"`
	OfferID        string             `json:"offer_id,omitempty"`
	OldState       string             `json:"old_state,omitempty"`
	NewState       string             `json:"new_state,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// fakeNetwork is an in-process trading network endpoint.
type fakeNetwork struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	// dropOffers: swallow create_offer requests instead of answering,
	// simulating a connection that dies mid-call.
	dropOffers bool
}

func (n *fakeNetwork) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wireFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			continue
		}

		switch f.Type {
		case "auth":
			if f.OneTimeCode == "" {
				n.write(wireFrame{Type: "error", RequestID: f.RequestID, Error: "missing code"})
				continue
			}
			n.write(wireFrame{Type: "auth_ok", RequestID: f.RequestID})
		case "create_offer":
			if n.dropOffers {
				conn.Close()
				continue
			}
			n.write(wireFrame{Type: "offer_created", RequestID: f.RequestID, OfferID: "900000001"})
		}
	}
}

func (n *fakeNetwork) write(f wireFrame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	payload, _ := json.Marshal(f)
	n.conn.WriteMessage(websocket.TextMessage, payload)
}

func (n *fakeNetwork) pushEvent(offerID, oldState, newState string) {
	n.write(wireFrame{Type: "offer_changed", OfferID: offerID, OldState: oldState, NewState: newState})
}

func dialTestClient(t *testing.T, network *fakeNetwork) (*tradenet.WSClient, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(network.handler))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	creds := tradenet.Credentials{
		AccountName:  "vault-bot",
		Password:     "hunter2",
		SharedSecret: testSecret,
	}
	log := observability.NewLoggerWithLevel("tradenet-test", zerolog.Disabled)

	client, err := tradenet.Dial(context.Background(), url, creds, log)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return client, func() {
		client.Close()
		srv.Close()
	}
}

func TestWSClient_LoginAndCreateOffer(t *testing.T) {
	client, teardown := dialTestClient(t, &fakeNetwork{})
	defer teardown()

	ctx := context.Background()
	if err := client.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}

	offerID, err := client.CreateOffer(ctx, tradenet.OfferRequest{
		CounterpartyID: "76561198000000002",
		Take:           []tradenet.ItemRef{{AppID: 730, ContextID: 2, AssetID: "111"}},
		Message:        "Deposit to platform custody",
	})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offerID != "900000001" {
		t.Errorf("offer ID: got %q, want network-assigned 900000001", offerID)
	}
}

func TestWSClient_DeliversOfferEvents(t *testing.T) {
	network := &fakeNetwork{}
	client, teardown := dialTestClient(t, network)
	defer teardown()

	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	network.pushEvent("900000001", "active", "accepted")

	select {
	case evt := <-client.Events():
		if evt.OfferID != "900000001" {
			t.Errorf("offer ID: got %q", evt.OfferID)
		}
		if evt.OldState != tradenet.OfferStateActive || evt.NewState != tradenet.OfferStateAccepted {
			t.Errorf("states: got %s -> %s, want active -> accepted", evt.OldState, evt.NewState)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

// A connection death during an in-flight CreateOffer must fail the call with
// an error, never hang it, and must close the event stream so the session
// manager reconnects.
func TestWSClient_DisconnectFailsInFlightCall(t *testing.T) {
	network := &fakeNetwork{dropOffers: true}
	client, teardown := dialTestClient(t, network)
	defer teardown()

	ctx := context.Background()
	if err := client.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := client.CreateOffer(ctx, tradenet.OfferRequest{
		CounterpartyID: "76561198000000002",
		Take:           []tradenet.ItemRef{{AppID: 730, ContextID: 2, AssetID: "111"}},
	})
	if err == nil {
		t.Fatal("CreateOffer succeeded over a dead connection")
	}

	select {
	case _, ok := <-client.Events():
		if ok {
			t.Error("expected the event stream to close on disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event stream never closed after disconnect")
	}
}

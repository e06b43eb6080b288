package offer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ItemVault/internal/custody"
	"ItemVault/internal/observability"
	"ItemVault/internal/offer"
	"ItemVault/internal/order"
	"ItemVault/internal/session"
	"ItemVault/internal/tradenet"
)

var testItem = custody.Item{
	Key: custody.ItemKey{
		AppID:     730,
		ContextID: 2,
		AssetID:   "111",
		ClassID:   "5",
	},
	Name:                "Test Skin",
	MarketName:          "Test Skin (Field-Tested)",
	EstimatedValueCents: 1250,
	Tradable:            true,
	Marketable:          true,
}

// fakeSession hands out a fixed client or fails closed.
type fakeSession struct {
	client tradenet.Client
	err    error
}

func (s *fakeSession) Client() (tradenet.Client, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

// stubClient returns scripted offer IDs or a scripted error.
type stubClient struct {
	mu      sync.Mutex
	nextID  int
	sendErr error
	sent    []tradenet.OfferRequest
}

func (c *stubClient) Login(ctx context.Context) error { return nil }

func (c *stubClient) CreateOffer(ctx context.Context, req tradenet.OfferRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.nextID++
	c.sent = append(c.sent, req)
	return fmt.Sprintf("offer-%d", c.nextID), nil
}

func (c *stubClient) Events() <-chan tradenet.OfferEvent { return nil }
func (c *stubClient) Close() error                       { return nil }

// memStore is an in-memory offer.Store enforcing the same exclusivity the
// partial unique index provides in Postgres.
type memStore struct {
	mu      sync.Mutex
	custody map[custody.ItemKey]custody.State
	orders  map[uuid.UUID]order.Status
	offers  map[string]offer.Record
}

func newMemStore() *memStore {
	return &memStore{
		custody: make(map[custody.ItemKey]custody.State),
		orders:  make(map[uuid.UUID]order.Status),
		offers:  make(map[string]offer.Record),
	}
}

func (s *memStore) ReserveForDeposit(_ context.Context, item custody.Item, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.custody[item.Key]; ok && !cur.Terminal() {
		return offer.ErrItemReserved
	}
	s.custody[item.Key] = custody.StatePendingDeposit
	return nil
}

func (s *memStore) ReleaseDepositReservation(_ context.Context, key custody.ItemKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.custody[key] == custody.StatePendingDeposit {
		s.custody[key] = custody.StateNotInCustody
	}
	return nil
}

func (s *memStore) ReserveForDelivery(_ context.Context, key custody.ItemKey, orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.custody[key]
	if !ok || cur.Terminal() {
		return custody.ErrIllegalTransition
	}
	if _, err := custody.Transition(cur, custody.StatePendingDelivery); err != nil {
		return err
	}
	if s.orders[orderID] != order.StatusPaid {
		return order.ErrIllegalTransition
	}
	s.custody[key] = custody.StatePendingDelivery
	s.orders[orderID] = order.StatusDelivering
	return nil
}

func (s *memStore) ReleaseDeliveryReservation(_ context.Context, key custody.ItemKey, orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.custody[key] == custody.StatePendingDelivery {
		s.custody[key] = custody.StateInCustody
	}
	if s.orders[orderID] == order.StatusDelivering {
		s.orders[orderID] = order.StatusPaid
	}
	return nil
}

func (s *memStore) InsertOffer(_ context.Context, rec offer.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.offers[rec.ID]; !exists {
		s.offers[rec.ID] = rec
	}
	return nil
}

func (s *memStore) GetOffer(_ context.Context, offerID string) (*offer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.offers[offerID]
	if !ok {
		return nil, offer.ErrUnknownOffer
	}
	copied := rec
	return &copied, nil
}

func testLogger() zerolog.Logger {
	return observability.NewLoggerWithLevel("offer-test", zerolog.Disabled)
}

func newTracker(sess offer.Session, store offer.Store) *offer.Tracker {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return offer.NewTracker(sess, store, metrics, offer.Config{}, testLogger())
}

func TestCreateDepositOffer_RequiresReadySession(t *testing.T) {
	tracker := newTracker(&fakeSession{err: session.ErrNotReady}, newMemStore())

	_, err := tracker.CreateDepositOffer(context.Background(), "U1", testItem, "seller-1")
	if !errors.Is(err, session.ErrNotReady) {
		t.Errorf("got %v, want ErrNotReady", err)
	}
}

func TestCreateDepositOffer_PersistsMapping(t *testing.T) {
	store := newMemStore()
	tracker := newTracker(&fakeSession{client: &stubClient{}}, store)

	offerID, err := tracker.CreateDepositOffer(context.Background(), "U1", testItem, "seller-1")
	if err != nil {
		t.Fatalf("CreateDepositOffer: %v", err)
	}
	if offerID == "" {
		t.Fatal("empty offer ID")
	}

	rec, err := tracker.Resolve(context.Background(), offerID)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", offerID, err)
	}
	if rec.Direction != offer.DirectionDeposit {
		t.Errorf("direction: got %s, want deposit", rec.Direction)
	}
	if rec.Item != testItem.Key {
		t.Errorf("item: got %+v, want %+v", rec.Item, testItem.Key)
	}
	if rec.OrderID != nil {
		t.Error("pure deposit must not carry an order reference")
	}
	if store.custody[testItem.Key] != custody.StatePendingDeposit {
		t.Errorf("custody: got %s, want pending_deposit", store.custody[testItem.Key])
	}
}

func TestCreateDepositOffer_ReleasesReservationOnSendFailure(t *testing.T) {
	store := newMemStore()
	client := &stubClient{sendErr: errors.New("network down")}
	tracker := newTracker(&fakeSession{client: client}, store)

	_, err := tracker.CreateDepositOffer(context.Background(), "U1", testItem, "seller-1")
	if !errors.Is(err, offer.ErrCreationFailed) {
		t.Fatalf("got %v, want ErrCreationFailed", err)
	}

	// After the rollback a retried deposit succeeds.
	client.mu.Lock()
	client.sendErr = nil
	client.mu.Unlock()
	if _, err := tracker.CreateDepositOffer(context.Background(), "U1", testItem, "seller-1"); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestCreateDepositOffer_RejectsConcurrentDuplicates(t *testing.T) {
	store := newMemStore()
	tracker := newTracker(&fakeSession{client: &stubClient{}}, store)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.CreateDepositOffer(context.Background(), "U1", testItem, "seller-1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, reserved int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, offer.ErrItemReserved):
			reserved++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("successful reservations: got %d, want exactly 1", succeeded)
	}
	if reserved != attempts-1 {
		t.Errorf("rejected attempts: got %d, want %d", reserved, attempts-1)
	}
}

func TestCreateDeliveryOffer_MovesOrderToDelivering(t *testing.T) {
	store := newMemStore()
	store.custody[testItem.Key] = custody.StateListedForSale
	orderID := uuid.New()
	store.orders[orderID] = order.StatusPaid

	tracker := newTracker(&fakeSession{client: &stubClient{}}, store)

	offerID, err := tracker.CreateDeliveryOffer(context.Background(), "U2", testItem.Key, orderID)
	if err != nil {
		t.Fatalf("CreateDeliveryOffer: %v", err)
	}

	rec, err := tracker.Resolve(context.Background(), offerID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Direction != offer.DirectionDelivery {
		t.Errorf("direction: got %s, want delivery", rec.Direction)
	}
	if rec.OrderID == nil || *rec.OrderID != orderID {
		t.Errorf("order reference: got %v, want %s", rec.OrderID, orderID)
	}
	if store.orders[orderID] != order.StatusDelivering {
		t.Errorf("order status: got %s, want delivering", store.orders[orderID])
	}
	if store.custody[testItem.Key] != custody.StatePendingDelivery {
		t.Errorf("custody: got %s, want pending_delivery", store.custody[testItem.Key])
	}
}

func TestCreateDeliveryOffer_RollsBackOnSendFailure(t *testing.T) {
	store := newMemStore()
	store.custody[testItem.Key] = custody.StateInCustody
	orderID := uuid.New()
	store.orders[orderID] = order.StatusPaid

	client := &stubClient{sendErr: errors.New("timeout")}
	tracker := newTracker(&fakeSession{client: client}, store)

	_, err := tracker.CreateDeliveryOffer(context.Background(), "U2", testItem.Key, orderID)
	if !errors.Is(err, offer.ErrCreationFailed) {
		t.Fatalf("got %v, want ErrCreationFailed", err)
	}

	if store.orders[orderID] != order.StatusPaid {
		t.Errorf("order not rolled back: got %s, want paid", store.orders[orderID])
	}
	if store.custody[testItem.Key] != custody.StateInCustody {
		t.Errorf("custody not rolled back: got %s, want in_custody", store.custody[testItem.Key])
	}
}

func TestResolve_UnknownOffer(t *testing.T) {
	tracker := newTracker(&fakeSession{client: &stubClient{}}, newMemStore())

	_, err := tracker.Resolve(context.Background(), "never-created")
	if !errors.Is(err, offer.ErrUnknownOffer) {
		t.Errorf("got %v, want ErrUnknownOffer", err)
	}
}

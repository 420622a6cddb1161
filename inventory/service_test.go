package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/timour/orderflow/common/broker"
	"github.com/timour/orderflow/common/metrics"
	"github.com/timour/orderflow/common/outbox"
)

// Shared across the package's tests; promauto registers globally.
var testMetrics = metrics.NewBusinessMetrics("inventory_test")

// memStore is an in-memory InventoryStore enforcing the same invariants as
// the postgres store: idempotency-key replay, one active reservation per
// order, non-negative stock, append-only audit.
type memStore struct {
	mu           sync.Mutex
	products     map[string]*Product
	reservations map[string]*Reservation
	byKey        map[string]string
	audit        []auditRow
	entries      []outbox.Entry
}

func newMemStore(products ...*Product) *memStore {
	s := &memStore{
		products:     make(map[string]*Product),
		reservations: make(map[string]*Reservation),
		byKey:        make(map[string]string),
	}
	for _, p := range products {
		clone := *p
		s.products[p.ProductID] = &clone
	}
	return s
}

func (s *memStore) GetProduct(ctx context.Context, productID string) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *memStore) ListProducts(ctx context.Context) ([]*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Product
	for _, p := range s.products {
		clone := *p
		out = append(out, &clone)
	}
	return out, nil
}

func (s *memStore) Reserve(ctx context.Context, orderID, productID string, quantity int32, idempotencyKey string) (*Reservation, int32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if id, ok := s.byKey[idempotencyKey]; ok {
			res := s.reservations[id]
			clone := *res
			return &clone, s.products[res.ProductID].Stock, true, nil
		}
	}

	for _, res := range s.reservations {
		if res.OrderID == orderID && res.Status == ReservationActive {
			return nil, 0, false, errors.New("active reservation already exists for order")
		}
	}

	p, ok := s.products[productID]
	if !ok {
		return nil, 0, false, ErrProductNotFound
	}
	if p.Stock < quantity {
		return nil, p.Stock, false, ErrInsufficientStock
	}

	prev := p.Stock
	p.Stock -= quantity

	res := &Reservation{
		ReservationID:  uuid.New().String(),
		OrderID:        orderID,
		ProductID:      productID,
		Quantity:       quantity,
		Status:         ReservationActive,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	s.reservations[res.ReservationID] = res
	if idempotencyKey != "" {
		s.byKey[idempotencyKey] = res.ReservationID
	}
	s.audit = append(s.audit, auditRow{
		ProductID:     productID,
		PreviousStock: prev,
		NewStock:      p.Stock,
		Change:        -quantity,
		Operation:     "reserve",
		OrderID:       orderID,
		ReservationID: res.ReservationID,
	})

	clone := *res
	return &clone, p.Stock, false, nil
}

func (s *memStore) Release(ctx context.Context, orderID, reservationID, reason string) (*Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res *Reservation
	if reservationID != "" {
		res = s.reservations[reservationID]
	} else {
		for _, r := range s.reservations {
			if r.OrderID == orderID && r.Status == ReservationActive {
				res = r
				break
			}
		}
	}
	if res == nil {
		return nil, false, ErrReservationNotFound
	}

	if res.Status != ReservationActive {
		clone := *res
		return &clone, false, nil
	}

	p := s.products[res.ProductID]
	prev := p.Stock
	p.Stock += res.Quantity
	res.Status = ReservationReleased
	s.audit = append(s.audit, auditRow{
		ProductID:     res.ProductID,
		PreviousStock: prev,
		NewStock:      p.Stock,
		Change:        res.Quantity,
		Operation:     "release",
		OrderID:       res.OrderID,
		ReservationID: res.ReservationID,
		Reason:        reason,
	})

	clone := *res
	return &clone, true, nil
}

func (s *memStore) FindActiveReservation(ctx context.Context, orderID string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reservations {
		if r.OrderID == orderID && r.Status == ReservationActive {
			clone := *r
			return &clone, nil
		}
	}
	return nil, ErrReservationNotFound
}

func (s *memStore) AppendOutbox(ctx context.Context, entries ...outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memStore) Ping(ctx context.Context) error {
	return nil
}

var _ InventoryStore = (*memStore)(nil)

func laptop(stock int32) *Product {
	return &Product{
		ProductID:         "laptop-pro",
		Name:              "Laptop Pro 15",
		Stock:             stock,
		LowStockThreshold: 5,
	}
}

func newTestService(store InventoryStore) *service {
	return NewService(store, zap.NewNop(), testMetrics)
}

func TestReserveDeductsStock(t *testing.T) {
	store := newMemStore(laptop(10))
	svc := newTestService(store)

	result, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 3, "key-1")
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, result.Outcome)
	assert.Equal(t, int32(7), result.RemainingStock)
	require.NotNil(t, result.Reservation)
	assert.Equal(t, ReservationActive, result.Reservation.Status)
}

func TestReserveIdempotence(t *testing.T) {
	store := newMemStore(laptop(10))
	svc := newTestService(store)

	first, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 3, "key-1")
	require.NoError(t, err)
	require.Equal(t, ReserveOK, first.Outcome)

	second, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 3, "key-1")
	require.NoError(t, err)
	assert.Equal(t, ReserveAlreadyExists, second.Outcome)
	assert.Equal(t, first.Reservation.ReservationID, second.Reservation.ReservationID)

	// Stock deducted exactly once.
	p, err := store.GetProduct(context.Background(), "laptop-pro")
	require.NoError(t, err)
	assert.Equal(t, int32(7), p.Stock)
}

func TestReserveInsufficientStock(t *testing.T) {
	store := newMemStore(laptop(2))
	svc := newTestService(store)

	result, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 5, "key-1")
	require.NoError(t, err)
	assert.Equal(t, ReserveInsufficientStock, result.Outcome)
	assert.Equal(t, int32(2), result.RemainingStock)

	// Nothing changed.
	p, _ := store.GetProduct(context.Background(), "laptop-pro")
	assert.Equal(t, int32(2), p.Stock)
}

func TestReserveProductNotFound(t *testing.T) {
	svc := newTestService(newMemStore())

	result, err := svc.Reserve(context.Background(), "order-1", "ghost", 1, "key-1")
	require.NoError(t, err)
	assert.Equal(t, ReserveProductNotFound, result.Outcome)
}

func TestReleaseRestoresStock(t *testing.T) {
	store := newMemStore(laptop(10))
	svc := newTestService(store)

	result, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 4, "key-1")
	require.NoError(t, err)

	released, _, err := svc.Release(context.Background(), "order-1", result.Reservation.ReservationID, "cancelled")
	require.NoError(t, err)
	assert.True(t, released)

	p, _ := store.GetProduct(context.Background(), "laptop-pro")
	assert.Equal(t, int32(10), p.Stock, "reserve then release must conserve stock")
}

func TestReleaseIdempotent(t *testing.T) {
	store := newMemStore(laptop(10))
	svc := newTestService(store)

	result, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 4, "key-1")
	require.NoError(t, err)

	released, _, err := svc.Release(context.Background(), "order-1", result.Reservation.ReservationID, "cancelled")
	require.NoError(t, err)
	require.True(t, released)

	again, msg, err := svc.Release(context.Background(), "order-1", result.Reservation.ReservationID, "cancelled")
	require.NoError(t, err)
	assert.False(t, again)
	assert.Contains(t, msg, "released")

	p, _ := store.GetProduct(context.Background(), "laptop-pro")
	assert.Equal(t, int32(10), p.Stock, "double release must not inflate stock")
}

func TestActiveReservationPerOrderIsUnique(t *testing.T) {
	store := newMemStore(laptop(10))
	svc := newTestService(store)

	_, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 1, "key-1")
	require.NoError(t, err)

	// A different key for the same order must not create a second active
	// reservation.
	_, err = svc.Reserve(context.Background(), "order-1", "laptop-pro", 1, "key-2")
	assert.Error(t, err)
}

func TestAuditReplayReproducesStock(t *testing.T) {
	store := newMemStore(laptop(20))
	svc := newTestService(store)

	r1, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 3, "key-1")
	require.NoError(t, err)
	_, err = svc.Reserve(context.Background(), "order-2", "laptop-pro", 5, "key-2")
	require.NoError(t, err)
	_, _, err = svc.Release(context.Background(), "order-1", r1.Reservation.ReservationID, "cancelled")
	require.NoError(t, err)

	replayed := int32(20)
	for _, a := range store.audit {
		assert.Equal(t, replayed, a.PreviousStock)
		replayed += a.Change
		assert.Equal(t, replayed, a.NewStock)
	}

	p, _ := store.GetProduct(context.Background(), "laptop-pro")
	assert.Equal(t, p.Stock, replayed)
}

func TestVerifyRecoversCommittedReservation(t *testing.T) {
	store := newMemStore(laptop(10))
	svc := newTestService(store)

	// The original RPC committed but its reply was lost.
	committed, err := svc.Reserve(context.Background(), "order-1", "laptop-pro", 2, "key-1")
	require.NoError(t, err)

	verdict, err := svc.Verify(context.Background(), broker.VerifyOrder{
		OrderID:        "order-1",
		ProductID:      "laptop-pro",
		Quantity:       2,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.VerifiedStatusConfirmed, verdict.Status)
	assert.True(t, verdict.RecoveredFromCrash)
	assert.Equal(t, committed.Reservation.ReservationID, verdict.ReservationID)

	// No double deduction.
	p, _ := store.GetProduct(context.Background(), "laptop-pro")
	assert.Equal(t, int32(8), p.Stock)
}

func TestVerifyMakesFreshReservation(t *testing.T) {
	store := newMemStore(laptop(10))
	svc := newTestService(store)

	verdict, err := svc.Verify(context.Background(), broker.VerifyOrder{
		OrderID:        "order-1",
		ProductID:      "laptop-pro",
		Quantity:       2,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.VerifiedStatusConfirmed, verdict.Status)
	assert.False(t, verdict.RecoveredFromCrash)
	assert.NotEmpty(t, verdict.ReservationID)

	p, _ := store.GetProduct(context.Background(), "laptop-pro")
	assert.Equal(t, int32(8), p.Stock)
}

func TestVerifyReportsNotFoundOnDomainFailure(t *testing.T) {
	store := newMemStore(laptop(1))
	svc := newTestService(store)

	verdict, err := svc.Verify(context.Background(), broker.VerifyOrder{
		OrderID:        "order-1",
		ProductID:      "laptop-pro",
		Quantity:       5,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.VerifiedStatusNotFound, verdict.Status)
	assert.NotEmpty(t, verdict.Reason)
}

func TestVerifyRedeliveryConverges(t *testing.T) {
	store := newMemStore(laptop(10))
	svc := newTestService(store)

	req := broker.VerifyOrder{
		OrderID:        "order-1",
		ProductID:      "laptop-pro",
		Quantity:       2,
		IdempotencyKey: "key-1",
	}

	first, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, broker.VerifiedStatusConfirmed, second.Status)
	assert.Equal(t, first.ReservationID, second.ReservationID)
	assert.True(t, second.RecoveredFromCrash, "redelivery finds the committed reservation")

	p, _ := store.GetProduct(context.Background(), "laptop-pro")
	assert.Equal(t, int32(8), p.Stock)
}

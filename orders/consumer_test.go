package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timour/orderflow/common/broker"
)

// fakeAck records the consumer's ack decision.
type fakeAck struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

func deliveryFor(t *testing.T, eventType string, payload interface{}) (amqp.Delivery, *fakeAck) {
	t.Helper()

	env, err := broker.NewEnvelope(eventType, payload)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	ack := &fakeAck{}
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		MessageId:    env.EventID,
	}, ack
}

func seedOrder(t *testing.T, store *fakeStore, status Status) *Order {
	t.Helper()

	o := &Order{
		OrderID:        uuid.New().String(),
		CustomerID:     "cust-1",
		ProductID:      "laptop-pro",
		Quantity:       1,
		Status:         status,
		IdempotencyKey: uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	store.orders[o.OrderID] = o
	store.byKey[o.IdempotencyKey] = o.OrderID
	return o
}

func TestConsumerStockReservedConfirms(t *testing.T) {
	store := newFakeStore()
	order := seedOrder(t, store, StatusPending)
	c := NewConsumer(store, testLogger(), testMetrics)

	d, ack := deliveryFor(t, broker.EventStockReserved, broker.StockReserved{
		OrderID:       order.OrderID,
		ReservationID: "res-1",
		ProductID:     order.ProductID,
		Quantity:      order.Quantity,
	})
	c.handle(nil, "q", d)

	assert.True(t, ack.acked)
	got, err := store.GetByID(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "res-1", got.ReservationID)
}

func TestConsumerDuplicateDeliveryIsNoOp(t *testing.T) {
	store := newFakeStore()
	order := seedOrder(t, store, StatusPending)
	c := NewConsumer(store, testLogger(), testMetrics)

	payload := broker.StockReserved{OrderID: order.OrderID, ReservationID: "res-1"}

	d1, ack1 := deliveryFor(t, broker.EventStockReserved, payload)
	c.handle(nil, "q", d1)
	require.True(t, ack1.acked)

	entriesBefore := len(store.entries)

	d2, ack2 := deliveryFor(t, broker.EventStockReserved, payload)
	c.handle(nil, "q", d2)

	assert.True(t, ack2.acked)
	assert.Len(t, store.entries, entriesBefore, "duplicate must not stage new events")
}

func TestConsumerOrderVerifiedConfirmed(t *testing.T) {
	store := newFakeStore()
	order := seedOrder(t, store, StatusPendingVerification)
	c := NewConsumer(store, testLogger(), testMetrics)

	d, ack := deliveryFor(t, broker.EventOrderVerified, broker.OrderVerified{
		OrderID:            order.OrderID,
		Status:             broker.VerifiedStatusConfirmed,
		ReservationID:      "res-9",
		RecoveredFromCrash: true,
	})
	c.handle(nil, "q", d)

	assert.True(t, ack.acked)
	got, _ := store.GetByID(context.Background(), order.OrderID)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "res-9", got.ReservationID)
}

func TestConsumerOrderVerifiedNotFoundFails(t *testing.T) {
	store := newFakeStore()
	order := seedOrder(t, store, StatusPendingVerification)
	c := NewConsumer(store, testLogger(), testMetrics)

	d, ack := deliveryFor(t, broker.EventOrderVerified, broker.OrderVerified{
		OrderID: order.OrderID,
		Status:  broker.VerifiedStatusNotFound,
		Reason:  "insufficient stock",
	})
	c.handle(nil, "q", d)

	assert.True(t, ack.acked)
	got, _ := store.GetByID(context.Background(), order.OrderID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "insufficient stock", got.ErrorMessage)
}

func TestConsumerVerdictIgnoredOutsideVerification(t *testing.T) {
	// The synchronous path still owns a pending order; a stray verdict must
	// not move it.
	store := newFakeStore()
	order := seedOrder(t, store, StatusPending)
	c := NewConsumer(store, testLogger(), testMetrics)

	d, ack := deliveryFor(t, broker.EventOrderVerified, broker.OrderVerified{
		OrderID: order.OrderID,
		Status:  broker.VerifiedStatusConfirmed,
	})
	c.handle(nil, "q", d)

	assert.True(t, ack.acked)
	got, _ := store.GetByID(context.Background(), order.OrderID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestConsumerLegacyVerificationComplete(t *testing.T) {
	store := newFakeStore()
	order := seedOrder(t, store, StatusPendingVerification)
	c := NewConsumer(store, testLogger(), testMetrics)

	d, ack := deliveryFor(t, broker.EventVerificationComplete, broker.VerificationComplete{
		OrderID:       order.OrderID,
		Verified:      true,
		ReservationID: "res-old",
	})
	c.handle(nil, "q", d)

	assert.True(t, ack.acked)
	got, _ := store.GetByID(context.Background(), order.OrderID)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "res-old", got.ReservationID)
}

func TestConsumerOrphanEventAcked(t *testing.T) {
	store := newFakeStore()
	c := NewConsumer(store, testLogger(), testMetrics)

	d, ack := deliveryFor(t, broker.EventStockReserved, broker.StockReserved{
		OrderID:       uuid.New().String(),
		ReservationID: "res-1",
	})
	c.handle(nil, "q", d)

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
}

func TestConsumerUnknownEventTypeDeadLetters(t *testing.T) {
	store := newFakeStore()
	c := NewConsumer(store, testLogger(), testMetrics)

	body, err := json.Marshal(map[string]interface{}{
		"eventType": "SomethingNew",
		"eventId":   uuid.New().String(),
		"timestamp": time.Now().UTC(),
		"data":      map[string]string{},
	})
	require.NoError(t, err)

	ack := &fakeAck{}
	c.handle(nil, "q", amqp.Delivery{Acknowledger: ack, Body: body})

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued, "poison messages go to the DLQ, not back on the queue")
}

func TestConsumerStockReleasedAcked(t *testing.T) {
	store := newFakeStore()
	order := seedOrder(t, store, StatusCancelled)
	c := NewConsumer(store, testLogger(), testMetrics)

	d, ack := deliveryFor(t, broker.EventStockReleased, broker.StockReleased{
		OrderID:       order.OrderID,
		ReservationID: "res-1",
	})
	c.handle(nil, "q", d)

	assert.True(t, ack.acked)
	got, _ := store.GetByID(context.Background(), order.OrderID)
	assert.Equal(t, StatusCancelled, got.Status)
}

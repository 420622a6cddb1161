package main

import (
	"context"
	"errors"
	"time"

	"github.com/timour/orderflow/common/broker"
	"github.com/timour/orderflow/common/outbox"
)

// Product is one row of owned stock. Stock never goes negative; the database
// check constraint backs up the store logic.
type Product struct {
	ProductID         string    `json:"productId"`
	Name              string    `json:"name"`
	Stock             int32     `json:"stock"`
	LowStockThreshold int32     `json:"lowStockThreshold"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationReleased  ReservationStatus = "released"
	ReservationCommitted ReservationStatus = "committed"
)

// Reservation records stock held for one order. At most one active
// reservation per order; the partial unique index enforces it.
type Reservation struct {
	ReservationID  string            `json:"reservationId"`
	OrderID        string            `json:"orderId"`
	ProductID      string            `json:"productId"`
	Quantity       int32             `json:"quantity"`
	Status         ReservationStatus `json:"status"`
	IdempotencyKey string            `json:"idempotencyKey"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReservationNotFound = errors.New("reservation not found")
)

// InventoryStore is the custodian's durable state. Reserve and Release write
// their stock audit rows and outbox events in the same transaction as the
// stock mutation.
type InventoryStore interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)
	// Reserve deducts stock and creates an active reservation. A repeated
	// idempotency key returns the original reservation with existed=true and
	// deducts nothing; an empty key skips the replay check. Domain failures
	// are ErrProductNotFound and ErrInsufficientStock.
	Reserve(ctx context.Context, orderID, productID string, quantity int32, idempotencyKey string) (res *Reservation, remaining int32, existed bool, err error)
	// Release returns reserved stock. Releasing a reservation that is not
	// active reports released=false and changes nothing.
	Release(ctx context.Context, orderID, reservationID, reason string) (res *Reservation, released bool, err error)
	FindActiveReservation(ctx context.Context, orderID string) (*Reservation, error)
	// AppendOutbox stages events outside a stock mutation, in its own
	// transaction.
	AppendOutbox(ctx context.Context, entries ...outbox.Entry) error
	Ping(ctx context.Context) error
}

// ReserveOutcome classifies a reservation attempt for the gRPC layer.
type ReserveOutcome int

const (
	ReserveOK ReserveOutcome = iota
	ReserveAlreadyExists
	ReserveInsufficientStock
	ReserveProductNotFound
)

type ReserveResult struct {
	Outcome        ReserveOutcome
	Reservation    *Reservation
	RemainingStock int32
	Message        string
}

// InventoryService is the custodian's business surface, shared by the gRPC
// handler and the verify-orders consumer.
type InventoryService interface {
	Reserve(ctx context.Context, orderID, productID string, quantity int32, idempotencyKey string) (*ReserveResult, error)
	Release(ctx context.Context, orderID, reservationID, reason string) (released bool, message string, err error)
	CheckStock(ctx context.Context, productID string) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)
	Verify(ctx context.Context, req broker.VerifyOrder) (broker.OrderVerified, error)
	AppendVerdict(ctx context.Context, verdict broker.OrderVerified) error
}

package main

import (
	"context"
	"errors"
	"time"

	"github.com/timour/orderflow/common/outbox"
)

// Status is the closed set of order states. Terminal states are absorbing.
type Status string

const (
	StatusPending             Status = "pending"
	StatusPendingVerification Status = "pending_verification"
	StatusConfirmed           Status = "confirmed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPendingVerification, StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Order is the coordinator's durable record. Never deleted; terminal orders
// are retained for audit.
type Order struct {
	OrderID        string     `json:"orderId"`
	CustomerID     string     `json:"customerId"`
	ProductID      string     `json:"productId"`
	Quantity       int32      `json:"quantity"`
	Status         Status     `json:"status"`
	IdempotencyKey string     `json:"idempotencyKey"`
	ReservationID  string     `json:"reservationId,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotCancellable = errors.New("order is in a terminal state")
	// ErrDuplicateIdempotencyKey signals a concurrent create with the same
	// key won the insert race; the caller re-reads the winner's order.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// OrdersStore is the coordinator's durable state. Create and ApplyTransition
// append outbox entries inside the same transaction as the order mutation.
type OrdersStore interface {
	Create(ctx context.Context, o *Order, entries ...outbox.Entry) error
	GetByID(ctx context.Context, orderID string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	List(ctx context.Context, status Status, limit int) ([]*Order, error)
	// ApplyTransition runs the transition function on the locked order row.
	// When the transition does not apply (absorbing terminal, wrong source
	// state) it returns the unchanged order and applied=false, and writes
	// nothing.
	ApplyTransition(ctx context.Context, orderID string, ev TransitionEvent, entries ...outbox.Entry) (*Order, bool, error)
}

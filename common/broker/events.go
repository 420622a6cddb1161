package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic and queue names shared by both services.
const (
	TopicOrderEvents     = "order-events"     // coordinator → observers
	TopicInventoryEvents = "inventory-events" // custodian → observers
	TopicSystemMetrics   = "system-metrics"   // informational fan-out
	QueueVerifyOrders    = "verify-orders"    // coordinator → custodian, point-to-point
)

// Event type discriminators carried in the envelope.
const (
	EventOrderCreated             = "OrderCreated"
	EventOrderConfirmed           = "OrderConfirmed"
	EventOrderFailed              = "OrderFailed"
	EventOrderCancelled           = "OrderCancelled"
	EventOrderPendingVerification = "OrderPendingVerification"
	EventStockReserved            = "StockReserved"
	EventStockReleased            = "StockReleased"
	EventLowStockAlert            = "LowStockAlert"
	EventOrderVerified            = "OrderVerified"
	// VerificationComplete is a legacy alias for OrderVerified. It is accepted
	// on ingress for wire compatibility but never emitted.
	EventVerificationComplete = "VerificationComplete"
	EventVerifyOrder          = "VerifyOrder"
)

// Envelope is the common shape of every bus message. Data is decoded against
// EventType by DecodeEvent.
type Envelope struct {
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps a typed payload with a fresh event id and UTC timestamp.
func NewEnvelope(eventType string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventType: eventType,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

type OrderCreated struct {
	OrderID        string `json:"orderId"`
	CustomerID     string `json:"customerId"`
	ProductID      string `json:"productId"`
	Quantity       int32  `json:"quantity"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type OrderConfirmed struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
}

type OrderFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type OrderPendingVerification struct {
	OrderID string `json:"orderId"`
}

type StockReserved struct {
	OrderID        string `json:"orderId"`
	ReservationID  string `json:"reservationId"`
	ProductID      string `json:"productId"`
	Quantity       int32  `json:"quantity"`
	RemainingStock int32  `json:"remainingStock"`
}

type StockReleased struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
	ProductID     string `json:"productId"`
	Quantity      int32  `json:"quantity"`
	Reason        string `json:"reason,omitempty"`
}

type LowStockAlert struct {
	ProductID string `json:"productId"`
	Stock     int32  `json:"stock"`
	Threshold int32  `json:"threshold"`
}

// Verification verdicts carried in OrderVerified.Status.
const (
	VerifiedStatusConfirmed = "confirmed"
	VerifiedStatusNotFound  = "not_found"
)

// OrderVerified closes the verification loop. Status is "confirmed" when a
// reservation exists (or was just made) and "not_found" when no reservation
// can be made for the order.
type OrderVerified struct {
	OrderID            string `json:"orderId"`
	Status             string `json:"status"`
	ReservationID      string `json:"reservationId,omitempty"`
	RecoveredFromCrash bool   `json:"recoveredFromCrash"`
	Reason             string `json:"reason,omitempty"`
}

// VerificationComplete is the legacy wire form of OrderVerified.
type VerificationComplete struct {
	OrderID       string `json:"orderId"`
	Verified      bool   `json:"verified"`
	ReservationID string `json:"reservationId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type VerifyOrder struct {
	OrderID             string    `json:"orderId"`
	ProductID           string    `json:"productId"`
	Quantity            int32     `json:"quantity"`
	IdempotencyKey      string    `json:"idempotencyKey"`
	OriginalRequestTime time.Time `json:"originalRequestTime"`
}

// ErrUnknownEventType is returned by DecodeEvent for event types outside the
// closed set above. Consumers must not ack-and-ignore silently; the caller
// decides whether an unknown variant is a poison message.
type ErrUnknownEventType struct {
	EventType string
}

func (e *ErrUnknownEventType) Error() string {
	return fmt.Sprintf("unknown event type %q", e.EventType)
}

// DecodeEvent parses a raw bus message into its envelope and typed payload.
func DecodeEvent(body []byte) (Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	payload, err := decodePayload(env.EventType, env.Data)
	if err != nil {
		return env, nil, err
	}
	return env, payload, nil
}

func decodePayload(eventType string, data json.RawMessage) (interface{}, error) {
	var dst interface{}
	switch eventType {
	case EventOrderCreated:
		dst = &OrderCreated{}
	case EventOrderConfirmed:
		dst = &OrderConfirmed{}
	case EventOrderFailed:
		dst = &OrderFailed{}
	case EventOrderCancelled:
		dst = &OrderCancelled{}
	case EventOrderPendingVerification:
		dst = &OrderPendingVerification{}
	case EventStockReserved:
		dst = &StockReserved{}
	case EventStockReleased:
		dst = &StockReleased{}
	case EventLowStockAlert:
		dst = &LowStockAlert{}
	case EventOrderVerified:
		dst = &OrderVerified{}
	case EventVerificationComplete:
		dst = &VerificationComplete{}
	case EventVerifyOrder:
		dst = &VerifyOrder{}
	default:
		return nil, &ErrUnknownEventType{EventType: eventType}
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", eventType, err)
	}
	return dst, nil
}

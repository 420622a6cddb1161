package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/timour/orderflow/common/broker"
)

// TelemetryMiddleware annotates the active span with service-level events.
// The otelgrpc stats handler owns the spans; this layer only adds the domain
// detail the raw RPC attributes miss.
type TelemetryMiddleware struct {
	next InventoryService
}

func NewTelemetryMiddleware(next InventoryService) InventoryService {
	return &TelemetryMiddleware{next}
}

func (m *TelemetryMiddleware) Reserve(ctx context.Context, orderID, productID string, quantity int32, idempotencyKey string) (*ReserveResult, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Reserve: order=%s product=%s quantity=%d", orderID, productID, quantity))

	return m.next.Reserve(ctx, orderID, productID, quantity, idempotencyKey)
}

func (m *TelemetryMiddleware) Release(ctx context.Context, orderID, reservationID, reason string) (bool, string, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Release: order=%s reservation=%s", orderID, reservationID))

	return m.next.Release(ctx, orderID, reservationID, reason)
}

func (m *TelemetryMiddleware) CheckStock(ctx context.Context, productID string) (*Product, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("CheckStock: product=%s", productID))

	return m.next.CheckStock(ctx, productID)
}

func (m *TelemetryMiddleware) ListProducts(ctx context.Context) ([]*Product, error) {
	return m.next.ListProducts(ctx)
}

func (m *TelemetryMiddleware) Verify(ctx context.Context, req broker.VerifyOrder) (broker.OrderVerified, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Verify: order=%s", req.OrderID))

	return m.next.Verify(ctx, req)
}

func (m *TelemetryMiddleware) AppendVerdict(ctx context.Context, verdict broker.OrderVerified) error {
	return m.next.AppendVerdict(ctx, verdict)
}

package main

import (
	"context"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/timour/orderflow/common/broker"
	"github.com/timour/orderflow/common/metrics"
	"github.com/timour/orderflow/common/outbox"
)

// subscription is this service's consumer group on the inventory-events
// topic. The queue name ("inventory-events.order-service-sub") is stable, so
// messages accumulate while the coordinator is down.
const subscription = "order-service-sub"

// consumer applies inventory outcomes to orders. It is the second writer of
// the order state machine next to the synchronous RPC-reply path; both funnel
// through the same transition function, so duplicate deliveries and races
// collapse into no-ops.
type consumer struct {
	store    OrdersStore
	logger   *slog.Logger
	business *metrics.BusinessMetrics
}

func NewConsumer(store OrdersStore, logger *slog.Logger, business *metrics.BusinessMetrics) *consumer {
	return &consumer{
		store:    store,
		logger:   logger,
		business: business,
	}
}

func (c *consumer) Listen(ch *amqp.Channel) error {
	queue, err := broker.DeclareSubscription(ch, broker.TopicInventoryEvents, subscription)
	if err != nil {
		return err
	}

	msgs, err := broker.Consume(ch, queue)
	if err != nil {
		return err
	}

	c.logger.Info("consuming inventory events", slog.String("queue", queue))

	for d := range msgs {
		c.handle(ch, queue, d)
	}
	return nil
}

func (c *consumer) handle(ch *amqp.Channel, queue string, d amqp.Delivery) {
	ctx := broker.ExtractTraceContext(context.Background(), d.Headers)
	ctx, span := otel.Tracer("orders").Start(ctx, "AMQP - consume - "+broker.TopicInventoryEvents)
	defer span.End()

	_, event, err := broker.DecodeEvent(d.Body)
	if err != nil {
		// Malformed or unknown payloads never become processable; straight
		// to the DLQ without burning retries.
		c.logger.Error("undecodable inventory event",
			slog.String("message_id", d.MessageId),
			slog.Any("error", err),
		)
		d.Nack(false, false)
		return
	}

	switch ev := event.(type) {
	case *broker.StockReserved:
		c.applyTransition(ctx, ch, queue, d, ev.OrderID, TransitionEvent{
			Kind:          TransitionConfirm,
			ReservationID: ev.ReservationID,
		}, broker.EventOrderConfirmed, broker.OrderConfirmed{
			OrderID:       ev.OrderID,
			ReservationID: ev.ReservationID,
		})

	case *broker.OrderVerified:
		c.applyVerification(ctx, ch, queue, d, *ev)

	case *broker.VerificationComplete:
		// Legacy wire form; fold into the current verdict shape.
		verdict := broker.OrderVerified{
			OrderID:       ev.OrderID,
			Status:        broker.VerifiedStatusNotFound,
			ReservationID: ev.ReservationID,
			Reason:        ev.Reason,
		}
		if ev.Verified {
			verdict.Status = broker.VerifiedStatusConfirmed
		}
		c.applyVerification(ctx, ch, queue, d, verdict)

	case *broker.StockReleased:
		// Informational for the coordinator; the cancel path already moved
		// the order.
		c.logger.Info("stock released",
			slog.String("order_id", ev.OrderID),
			slog.String("reservation_id", ev.ReservationID),
		)
		d.Ack(false)

	case *broker.LowStockAlert:
		c.logger.Warn("low stock",
			slog.String("product_id", ev.ProductID),
			slog.Int("stock", int(ev.Stock)),
		)
		d.Ack(false)

	default:
		// Decoded fine but not for us.
		d.Ack(false)
	}
}

// applyVerification resolves a pending_verification order from the
// custodian's verdict. VerifiedOnly keeps a late or duplicate verdict from
// touching an order the synchronous path still owns.
func (c *consumer) applyVerification(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, ev broker.OrderVerified) {
	if ev.RecoveredFromCrash {
		c.business.VerificationsRecovered.Inc()
	}

	switch ev.Status {
	case broker.VerifiedStatusConfirmed:
		c.applyTransition(ctx, ch, queue, d, ev.OrderID, TransitionEvent{
			Kind:          TransitionConfirm,
			ReservationID: ev.ReservationID,
			VerifiedOnly:  true,
		}, broker.EventOrderConfirmed, broker.OrderConfirmed{
			OrderID:       ev.OrderID,
			ReservationID: ev.ReservationID,
		})
	case broker.VerifiedStatusNotFound:
		c.applyTransition(ctx, ch, queue, d, ev.OrderID, TransitionEvent{
			Kind:         TransitionFail,
			Reason:       ev.Reason,
			VerifiedOnly: true,
		}, broker.EventOrderFailed, broker.OrderFailed{
			OrderID: ev.OrderID,
			Reason:  ev.Reason,
		})
	default:
		c.logger.Error("unknown verification status",
			slog.String("order_id", ev.OrderID),
			slog.String("status", ev.Status),
		)
		d.Nack(false, false)
	}
}

func (c *consumer) applyTransition(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, orderID string, tev TransitionEvent, eventType string, payload interface{}) {
	entry, err := outbox.NewEntry(broker.TopicOrderEvents, orderID, eventType, payload)
	if err != nil {
		c.logger.Error("failed to build outbox entry", slog.Any("error", err))
		d.Nack(false, false)
		return
	}

	updated, applied, err := c.store.ApplyTransition(ctx, orderID, tev, entry)
	if errors.Is(err, ErrOrderNotFound) {
		// An event for an order this database has never seen. Retrying will
		// not create it; drop the message.
		c.logger.Warn("event for unknown order, dropping",
			slog.String("order_id", orderID),
			slog.String("event_type", eventType),
		)
		d.Ack(false)
		return
	}
	if err != nil {
		c.logger.Error("failed to apply transition",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
		c.retryOrDeadLetter(ch, queue, d)
		return
	}

	if applied {
		switch tev.Kind {
		case TransitionConfirm:
			c.business.OrdersConfirmed.Inc()
		case TransitionFail:
			c.business.OrdersFailed.Inc()
		}
		c.logger.Info("order transitioned",
			slog.String("order_id", updated.OrderID),
			slog.String("status", string(updated.Status)),
			slog.String("event_type", eventType),
		)
	} else {
		c.logger.Info("transition already applied",
			slog.String("order_id", updated.OrderID),
			slog.String("status", string(updated.Status)),
		)
	}
	d.Ack(false)
}

func (c *consumer) retryOrDeadLetter(ch *amqp.Channel, queue string, d amqp.Delivery) {
	republished, err := broker.HandleRetry(ch, queue, &d)
	if err != nil {
		c.logger.Error("retry republish failed", slog.Any("error", err))
		d.Nack(false, true)
		return
	}
	if republished {
		d.Ack(false)
		return
	}
	d.Nack(false, false)
}

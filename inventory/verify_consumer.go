package main

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/timour/orderflow/common/broker"
)

// verifyConsumer drains the verify-orders queue. Each message asks: did the
// reservation for this order actually commit? The consumer answers with an
// OrderVerified event and acks only after the verdict is staged in the
// outbox, so a crash anywhere in between just causes a redelivery that
// converges on the same verdict.
type verifyConsumer struct {
	service InventoryService
	logger  *zap.Logger
}

func NewVerifyConsumer(service InventoryService, logger *zap.Logger) *verifyConsumer {
	return &verifyConsumer{
		service: service,
		logger:  logger,
	}
}

func (c *verifyConsumer) Listen(ch *amqp.Channel) error {
	msgs, err := broker.Consume(ch, broker.QueueVerifyOrders)
	if err != nil {
		return err
	}

	c.logger.Info("consuming verify-orders queue")

	for d := range msgs {
		c.handle(ch, d)
	}
	return nil
}

func (c *verifyConsumer) handle(ch *amqp.Channel, d amqp.Delivery) {
	ctx := broker.ExtractTraceContext(context.Background(), d.Headers)
	ctx, span := otel.Tracer("inventory").Start(ctx, "AMQP - consume - "+broker.QueueVerifyOrders)
	defer span.End()

	env, event, err := broker.DecodeEvent(d.Body)
	if err != nil {
		c.logger.Error("undecodable verify message",
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		d.Nack(false, false)
		return
	}

	req, ok := event.(*broker.VerifyOrder)
	if !ok {
		c.logger.Error("unexpected event type on verify queue",
			zap.String("event_type", env.EventType),
		)
		d.Nack(false, false)
		return
	}

	verdict, err := c.service.Verify(ctx, *req)
	if err != nil {
		c.logger.Error("verification failed",
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		c.retryOrDeadLetter(ch, d)
		return
	}

	if err := c.service.AppendVerdict(ctx, verdict); err != nil {
		c.logger.Error("failed to stage verdict",
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		c.retryOrDeadLetter(ch, d)
		return
	}

	c.logger.Info("order verified",
		zap.String("order_id", verdict.OrderID),
		zap.String("status", verdict.Status),
		zap.Bool("recovered_from_crash", verdict.RecoveredFromCrash),
	)
	d.Ack(false)
}

func (c *verifyConsumer) retryOrDeadLetter(ch *amqp.Channel, d amqp.Delivery) {
	republished, err := broker.HandleRetry(ch, broker.QueueVerifyOrders, &d)
	if err != nil {
		c.logger.Error("retry republish failed", zap.Error(err))
		d.Nack(false, true)
		return
	}
	if republished {
		d.Ack(false)
		return
	}
	d.Nack(false, false)
}

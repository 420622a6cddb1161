package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxRetryCount bounds in-queue redelivery before a message is routed to its
// dead-letter queue.
const MaxRetryCount = 3

// DLX is the dead-letter exchange shared by all consumer queues.
const DLX = "dlx"

// Connect opens a connection and channel to RabbitMQ and declares the
// exchange/queue topology both services rely on: one durable fanout exchange
// per topic, the verify-orders queue, and the DLX. The returned close
// function tears down channel and connection in that order.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}

	closeFn := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, closeFn, nil
}

func declareTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		DLX,      // name
		"direct", // routing key = original queue name
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	for _, topic := range []string{TopicOrderEvents, TopicInventoryEvents, TopicSystemMetrics} {
		err := ch.ExchangeDeclare(
			topic,
			"fanout", // every bound subscription queue gets a copy
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", topic, err)
		}
	}

	// verify-orders is point-to-point: a plain durable queue on the default
	// exchange, one consumer group.
	if _, err := declareQueueWithDLQ(ch, QueueVerifyOrders); err != nil {
		return err
	}

	return nil
}

// DeclareSubscription creates (or re-attaches to) a durable per-subscription
// queue bound to a topic exchange. The queue survives consumer restarts, so a
// subscription keeps accumulating messages while its consumer is down.
func DeclareSubscription(ch *amqp.Channel, topic, subscription string) (string, error) {
	queueName := fmt.Sprintf("%s.%s", topic, subscription)

	if _, err := declareQueueWithDLQ(ch, queueName); err != nil {
		return "", err
	}

	err := ch.QueueBind(
		queueName,
		"", // fanout ignores routing keys
		topic,
		false,
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("failed to bind %s to %s: %w", queueName, topic, err)
	}

	return queueName, nil
}

func declareQueueWithDLQ(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": DLX,
			// Fanout deliveries carry an empty routing key, so the DLX
			// needs an explicit key to route to this queue's DLQ.
			"x-dead-letter-routing-key": name,
		},
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	dlq := name + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
	}
	// DLX routes by the original queue name.
	if err := ch.QueueBind(dlq, name, DLX, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to bind DLQ %s: %w", dlq, err)
	}

	return q, nil
}

// PublishEvent fans an envelope out to every subscription of a topic.
// The AMQP message id is the event id; the correlation id carries the order
// id so observers can stitch per-order causality back together.
func PublishEvent(ctx context.Context, ch *amqp.Channel, topic string, env Envelope, correlationID string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return ch.PublishWithContext(
		ctx,
		topic, // fanout exchange
		"",    // routing key ignored
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			MessageId:     env.EventID,
			CorrelationId: correlationID,
			Timestamp:     env.Timestamp,
			DeliveryMode:  amqp.Persistent,
			Headers:       InjectTraceContext(ctx),
		},
	)
}

// PublishToQueue sends an envelope point-to-point via the default exchange.
func PublishToQueue(ctx context.Context, ch *amqp.Channel, queue string, env Envelope, correlationID string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return ch.PublishWithContext(
		ctx,
		"", // default exchange: routing key is the queue name
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			MessageId:     env.EventID,
			CorrelationId: correlationID,
			Timestamp:     env.Timestamp,
			DeliveryMode:  amqp.Persistent,
			Headers:       InjectTraceContext(ctx),
		},
	)
}

// Consume registers a manual-ack consumer on a queue.
func Consume(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	return ch.Consume(
		queue,
		"",    // consumer tag auto-generated
		false, // auto-ack off: handlers ack/nack explicitly
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
}

// HandleRetry republishes a failed delivery back onto its own queue with an
// incremented x-retry-count header. Returns true when the message was
// republished (the caller should ack the original), false when the retry
// budget is exhausted (the caller should Nack with requeue=false and let the
// DLX route the message to the queue's DLQ). The republish goes through the
// default exchange so a retry never fans out to the other subscriptions.
func HandleRetry(ch *amqp.Channel, queue string, d *amqp.Delivery) (bool, error) {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, ok := d.Headers["x-retry-count"].(int64)
	if !ok {
		retryCount = 0
	}
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	if retryCount >= MaxRetryCount {
		log.Printf("max retries reached for %s, routing to %s.dlq", queue, queue)
		return false, nil
	}

	// Linear backoff before redelivery gives a struggling dependency time to
	// recover.
	time.Sleep(time.Second * time.Duration(retryCount))

	err := ch.PublishWithContext(
		context.Background(),
		"", // default exchange: routing key is the queue name
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			Headers:       d.Headers,
			Body:          d.Body,
			MessageId:     d.MessageId,
			CorrelationId: d.CorrelationId,
			DeliveryMode:  amqp.Persistent,
		},
	)
	if err != nil {
		return false, fmt.Errorf("republish for retry: %w", err)
	}
	return true, nil
}

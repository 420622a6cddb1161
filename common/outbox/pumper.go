// Package outbox drains transactional outbox rows to the message broker.
// Services append rows in the same database transaction as the state change
// that warrants a publish; a single pumper goroutine per process moves them
// to RabbitMQ afterwards. At-least-once: a crash between publish and
// mark-published republishes the row; consumers absorb the duplicate through
// idempotent handling (order transitions re-apply as no-ops, reservation
// writes are keyed).
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/timour/orderflow/common/broker"
)

// Row is one pending publish. Destination is a topic exchange name, or a
// queue name for point-to-point messages.
type Row struct {
	ID            int64
	EventID       string
	EventType     string
	Destination   string
	CorrelationID string
	Payload       []byte // marshaled broker.Envelope
}

// Source is the database side of the outbox. FetchUnpublished must return
// rows in insertion order and skip rows locked by a concurrent pumper.
type Source interface {
	FetchUnpublished(ctx context.Context, limit int) ([]Row, error)
	MarkPublished(ctx context.Context, id int64) error
	CountUnpublished(ctx context.Context) (int, error)
}

// Publisher sends one row to the broker.
type Publisher func(ctx context.Context, row Row) error

// NewBrokerPublisher routes rows to a fanout topic or, for the verify-orders
// destination, to the point-to-point queue.
func NewBrokerPublisher(ch *amqp.Channel) Publisher {
	return func(ctx context.Context, row Row) error {
		var env broker.Envelope
		if err := json.Unmarshal(row.Payload, &env); err != nil {
			return fmt.Errorf("outbox row %d: unmarshal envelope: %w", row.ID, err)
		}
		if row.Destination == broker.QueueVerifyOrders {
			return broker.PublishToQueue(ctx, ch, row.Destination, env, row.CorrelationID)
		}
		return broker.PublishEvent(ctx, ch, row.Destination, env, row.CorrelationID)
	}
}

// Pumper polls the source and publishes pending rows in order.
type Pumper struct {
	source   Source
	publish  Publisher
	interval time.Duration
	batch    int
	lag      prometheus.Gauge
}

func NewPumper(source Source, publish Publisher) *Pumper {
	return &Pumper{
		source:   source,
		publish:  publish,
		interval: 200 * time.Millisecond,
		batch:    100,
	}
}

// WithInterval overrides the poll interval.
func (p *Pumper) WithInterval(d time.Duration) *Pumper {
	p.interval = d
	return p
}

// WithBatch overrides the per-tick batch size.
func (p *Pumper) WithBatch(n int) *Pumper {
	p.batch = n
	return p
}

// WithLagGauge reports the unpublished row count after every tick.
func (p *Pumper) WithLagGauge(g prometheus.Gauge) *Pumper {
	p.lag = g
	return p
}

// Run blocks until ctx is cancelled.
func (p *Pumper) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				log.Printf("outbox drain: %v", err)
			}
			if p.lag != nil {
				if n, err := p.source.CountUnpublished(ctx); err == nil {
					p.lag.Set(float64(n))
				}
			}
		}
	}
}

// Drain publishes one batch. A publish failure stops the batch so the failed
// row and everything after it stay unpublished and are retried next tick.
func (p *Pumper) Drain(ctx context.Context) error {
	rows, err := p.source.FetchUnpublished(ctx, p.batch)
	if err != nil {
		return fmt.Errorf("fetch unpublished: %w", err)
	}

	for _, row := range rows {
		if err := p.publish(ctx, row); err != nil {
			return fmt.Errorf("publish outbox row %d (%s): %w", row.ID, row.EventType, err)
		}
		if err := p.source.MarkPublished(ctx, row.ID); err != nil {
			// The event went out but stays unmarked; it will be republished
			// and the duplicate is a no-op for idempotent consumers.
			return fmt.Errorf("mark published row %d: %w", row.ID, err)
		}
	}
	return nil
}

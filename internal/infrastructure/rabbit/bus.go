// Package rabbit is the AMQP implementation of the bus contract. One
// connection is shared process-wide, established once at startup and torn
// down only at shutdown.
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shopfabric/fulfillment/internal/bus"
	"github.com/shopfabric/fulfillment/internal/domain/event"
	"github.com/shopfabric/fulfillment/internal/pkg/busmetrics"
	"github.com/shopfabric/fulfillment/internal/pkg/logging"
)

const retryCountHeader = "x-retry-count"

type Config struct {
	URL             string
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

type Bus struct {
	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	log    *zap.Logger
	dead   bus.DeadLetterSink
	tracer trace.Tracer

	closeOnce sync.Once
}

// Dial connects with retry/backoff and asserts all known exchanges as
// durable topic exchanges. A broker that stays unreachable after the
// configured attempts is fatal to service startup.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger, dead bus.DeadLetterSink) (*Bus, error) {
	log := logger.With(zap.String("component", "rabbit"))

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := cfg.ConnectBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for i := 1; i <= attempts; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		log.Warn("broker_connect_failed",
			zap.Int("attempt", i),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if i == attempts {
			return nil, fmt.Errorf("rabbit: connect after %d attempts: %w", attempts, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit: open publish channel: %w", err)
	}

	for _, exchange := range bus.Exchanges() {
		if err := pubCh.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("rabbit: declare exchange %s: %w", exchange, err)
		}
		log.Info("exchange_asserted", zap.String("exchange", exchange))
	}

	log.Info("broker_connected")
	return &Bus{
		conn:   conn,
		pubCh:  pubCh,
		log:    log,
		dead:   dead,
		tracer: otel.Tracer("fulfillment/bus"),
	}, nil
}

// Publish serializes the envelope and sends it marked persistent. The
// return acknowledges channel buffering, not remote durability.
func (b *Bus) Publish(ctx context.Context, exchange string, env event.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rabbit: marshal envelope: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = b.pubCh.PublishWithContext(ctx, exchange, env.RoutingKey(), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     env.Timestamp,
		CorrelationId: env.CorrelationID,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("rabbit: publish %s to %s: %w", env.RoutingKey(), exchange, err)
	}

	busmetrics.Published.WithLabelValues(exchange).Inc()
	b.log.Debug("event_published",
		zap.String("exchange", exchange),
		zap.String("routing_key", env.RoutingKey()),
	)
	return nil
}

// Subscribe declares the durable queue, binds it and consumes with
// manual acknowledgement on a dedicated channel. The handler's result
// drives ack, retry-republish or dead-letter.
func (b *Bus) Subscribe(exchange, queueName, routingKey string, handler bus.Handler, opts bus.SubscribeOptions) error {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = bus.DefaultMaxRetries
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit: open channel for %s: %w", queueName, err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbit: declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(queueName, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("rabbit: bind queue %s to %s: %w", queueName, exchange, err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbit: consume %s: %w", queueName, err)
	}

	go b.consume(ch, queueName, deliveries, handler, maxRetries)

	b.log.Info("queue_bound",
		zap.String("queue", queueName),
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
	)
	return nil
}

func (b *Bus) consume(ch *amqp.Channel, queueName string, deliveries <-chan amqp.Delivery, handler bus.Handler, maxRetries int) {
	for d := range deliveries {
		b.handle(ch, queueName, d, handler, maxRetries)
	}
}

func (b *Bus) handle(ch *amqp.Channel, queueName string, d amqp.Delivery, handler bus.Handler, maxRetries int) {
	ctx, span := b.tracer.Start(context.Background(), "consume "+queueName,
		trace.WithAttributes(
			attribute.String("messaging.destination", queueName),
			attribute.String("messaging.routing_key", d.RoutingKey),
		),
	)
	defer span.End()

	ctx = logging.ContextWithLogger(ctx, b.log.With(zap.String("queue", queueName)))

	var env event.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// Undecodable messages are poison; retrying cannot help.
		b.log.Error("envelope_decode_failed",
			zap.String("queue", queueName),
			zap.Error(err),
		)
		b.deadLetter(ctx, queueName, d.Body, err)
		_ = d.Reject(false)
		return
	}

	start := time.Now()
	res := handler(ctx, env)
	busmetrics.HandleDuration.WithLabelValues(queueName).Observe(time.Since(start).Seconds())
	busmetrics.Consumed.WithLabelValues(queueName, res.Outcome.String()).Inc()

	switch res.Outcome {
	case bus.OutcomeAck:
		if err := d.Ack(false); err != nil {
			b.log.Error("ack_failed", zap.String("queue", queueName), zap.Error(err))
		}
	case bus.OutcomeRetry:
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		count := retryCount(d.Headers)
		if count < maxRetries {
			if err := b.republish(ctx, ch, queueName, d, count+1); err != nil {
				b.log.Error("retry_republish_failed", zap.String("queue", queueName), zap.Error(err))
				// Leave the message to the broker's redelivery.
				_ = d.Nack(false, true)
				return
			}
			busmetrics.Retries.WithLabelValues(queueName).Inc()
			b.log.Warn("message_requeued",
				zap.String("queue", queueName),
				zap.Int("retry", count+1),
				zap.Int("max_retries", maxRetries),
				zap.Error(res.Err),
			)
			_ = d.Ack(false)
		} else {
			b.log.Error("message_rejected_max_retries",
				zap.String("queue", queueName),
				zap.Int("retries", count),
				zap.Error(res.Err),
			)
			b.deadLetter(ctx, queueName, d.Body, res.Err)
			_ = d.Reject(false)
		}
	case bus.OutcomeReject:
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		b.deadLetter(ctx, queueName, d.Body, res.Err)
		_ = d.Reject(false)
	}
}

// republish re-enqueues the message at the queue's tail via the default
// exchange with an incremented retry counter. A broker-side nack-requeue
// would not increment the header, so the counter lives on the republish.
func (b *Bus) republish(ctx context.Context, ch *amqp.Channel, queueName string, d amqp.Delivery, count int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(count)

	return ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     d.Timestamp,
		CorrelationId: d.CorrelationId,
		Headers:       headers,
		Body:          d.Body,
	})
}

func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (b *Bus) deadLetter(ctx context.Context, queueName string, payload []byte, cause error) {
	busmetrics.DeadLetters.WithLabelValues(queueName).Inc()
	if b.dead != nil {
		b.dead.Push(ctx, queueName, payload, cause)
	}
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
		b.log.Info("broker_connection_closed")
	})
	return err
}

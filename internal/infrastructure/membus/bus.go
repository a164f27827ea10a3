// Package membus is an in-memory topic bus with the same delivery
// contract as the AMQP implementation: wildcard bindings, FIFO per queue,
// competing consumers on a shared queue name, retry counting and
// dead-letter hand-off. It backs tests and broker-less runs.
package membus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shopfabric/fulfillment/internal/bus"
	"github.com/shopfabric/fulfillment/internal/domain/event"
	"github.com/shopfabric/fulfillment/internal/pkg/busmetrics"
	"github.com/shopfabric/fulfillment/internal/pkg/logging"
)

const queueBuffer = 1024

type binding struct {
	exchange string
	pattern  string
}

type delivery struct {
	env      event.Envelope
	attempts int
}

type queue struct {
	name       string
	bindings   []binding
	ch         chan delivery
	maxRetries int
}

type Bus struct {
	mu     sync.RWMutex
	queues map[string]*queue

	dead   bus.DeadLetterSink
	log    *zap.Logger
	tracer trace.Tracer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(logger *zap.Logger, dead bus.DeadLetterSink) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		queues: make(map[string]*queue),
		dead:   dead,
		log:    logger.With(zap.String("component", "membus")),
		tracer: otel.Tracer("fulfillment/bus"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish routes the envelope to every queue whose binding matches the
// exchange and routing key. It acknowledges local buffering only; a full
// queue drops the message with an error.
func (b *Bus) Publish(ctx context.Context, exchange string, env event.Envelope) error {
	_ = ctx

	b.mu.RLock()
	defer b.mu.RUnlock()

	busmetrics.Published.WithLabelValues(exchange).Inc()

	for _, q := range b.queues {
		if !q.matches(exchange, env.RoutingKey()) {
			continue
		}
		select {
		case q.ch <- delivery{env: env}:
		default:
			b.log.Warn("queue_buffer_full",
				zap.String("queue", q.name),
				zap.String("routing_key", env.RoutingKey()),
			)
		}
	}
	return nil
}

func (q *queue) matches(exchange, key string) bool {
	for _, bd := range q.bindings {
		if bd.exchange == exchange && bus.MatchTopic(bd.pattern, key) {
			return true
		}
	}
	return false
}

// Subscribe declares the queue if needed, binds it and starts a consumer
// goroutine. Repeated calls with the same queue name join a
// competing-consumer group sharing one FIFO channel; they must carry the
// same retry budget as the declaring call.
func (b *Bus) Subscribe(exchange, queueName, routingKey string, handler bus.Handler, opts bus.SubscribeOptions) error {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = bus.DefaultMaxRetries
	}

	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok {
		q = &queue{
			name:       queueName,
			ch:         make(chan delivery, queueBuffer),
			maxRetries: maxRetries,
		}
		b.queues[queueName] = q
	} else if q.maxRetries != maxRetries {
		// The retry budget is a queue property; consumers joining the
		// group must agree on it.
		b.mu.Unlock()
		return fmt.Errorf("membus: queue %s already declared with max retries %d", queueName, q.maxRetries)
	}
	q.bindings = append(q.bindings, binding{exchange: exchange, pattern: routingKey})
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(q, handler)

	b.log.Info("queue_bound",
		zap.String("queue", queueName),
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
	)
	return nil
}

func (b *Bus) consume(q *queue, handler bus.Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case d := <-q.ch:
			b.handle(q, handler, d)
		}
	}
}

func (b *Bus) handle(q *queue, handler bus.Handler, d delivery) {
	ctx, span := b.tracer.Start(b.ctx, "consume "+q.name,
		trace.WithAttributes(
			attribute.String("messaging.destination", q.name),
			attribute.String("event.type", string(d.env.Type)),
		),
	)
	defer span.End()

	ctx = logging.ContextWithLogger(ctx, b.log.With(zap.String("queue", q.name)))

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler_panic",
				zap.String("queue", q.name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			b.deadLetter(ctx, q, d.env, errPanic{})
		}
	}()

	start := time.Now()
	res := handler(ctx, d.env)
	busmetrics.HandleDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())
	busmetrics.Consumed.WithLabelValues(q.name, res.Outcome.String()).Inc()

	switch res.Outcome {
	case bus.OutcomeAck:
	case bus.OutcomeRetry:
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		if d.attempts < q.maxRetries {
			busmetrics.Retries.WithLabelValues(q.name).Inc()
			d.attempts++
			select {
			case q.ch <- d:
			default:
				b.deadLetter(ctx, q, d.env, res.Err)
			}
		} else {
			b.deadLetter(ctx, q, d.env, res.Err)
		}
	case bus.OutcomeReject:
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		b.deadLetter(ctx, q, d.env, res.Err)
	}
}

func (b *Bus) deadLetter(ctx context.Context, q *queue, env event.Envelope, cause error) {
	busmetrics.DeadLetters.WithLabelValues(q.name).Inc()
	if b.dead == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		b.log.Error("dead_letter_marshal_failed", zap.Error(err))
		return
	}
	b.dead.Push(ctx, q.name, payload, cause)
}

// Close stops every consumer and waits for in-flight handlers.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		b.log.Info("bus_stopped")
	})
}

type errPanic struct{}

func (errPanic) Error() string { return "handler panicked" }

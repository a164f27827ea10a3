package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shopfabric/fulfillment/internal/bus"
	"github.com/shopfabric/fulfillment/internal/domain/event"
	"github.com/shopfabric/fulfillment/internal/pkg/logging"
)

const (
	queueOrderCreated   = "inventory.order.created"
	queueOrderCancelled = "inventory.order.cancelled"
	queueReturnApproved = "inventory.return.approved"
)

// Worker binds the coordinator's queues and adapts service errors to
// handler results: business failures produce their own outcome events
// and ack, only unexpected errors ask for redelivery.
type Worker struct {
	bus        bus.Bus
	service    *Service
	maxRetries int
	log        *zap.Logger
}

func NewWorker(b bus.Bus, service *Service, maxRetries int, logger *zap.Logger) *Worker {
	return &Worker{
		bus:        b,
		service:    service,
		maxRetries: maxRetries,
		log:        logger.With(zap.String("component", "inventory_worker")),
	}
}

func (w *Worker) Start() error {
	opts := bus.SubscribeOptions{MaxRetries: w.maxRetries}

	if err := w.bus.Subscribe(bus.ExchangeOrder, queueOrderCreated,
		string(event.TypeOrderCreated), w.handleOrderCreated, opts); err != nil {
		return fmt.Errorf("inventory worker: subscribe order created: %w", err)
	}
	if err := w.bus.Subscribe(bus.ExchangeOrder, queueOrderCancelled,
		string(event.TypeOrderCancelled), w.handleOrderCancelled, opts); err != nil {
		return fmt.Errorf("inventory worker: subscribe order cancelled: %w", err)
	}
	if err := w.bus.Subscribe(bus.ExchangeReturn, queueReturnApproved,
		string(event.TypeReturnApproved), w.handleReturnApproved, opts); err != nil {
		return fmt.Errorf("inventory worker: subscribe return approved: %w", err)
	}
	return nil
}

func (w *Worker) handleOrderCreated(ctx context.Context, env event.Envelope) bus.Result {
	ev, res := payloadAs[event.OrderCreated](ctx, env)
	if res != nil {
		return *res
	}
	if err := w.service.ReserveOrder(ctx, ev); err != nil {
		return bus.Retry(err)
	}
	return bus.Ack()
}

func (w *Worker) handleOrderCancelled(ctx context.Context, env event.Envelope) bus.Result {
	ev, res := payloadAs[event.OrderCancelled](ctx, env)
	if res != nil {
		return *res
	}
	if err := w.service.ReleaseOrder(ctx, ev); err != nil {
		return bus.Retry(err)
	}
	return bus.Ack()
}

func (w *Worker) handleReturnApproved(ctx context.Context, env event.Envelope) bus.Result {
	ev, res := payloadAs[event.ReturnApproved](ctx, env)
	if res != nil {
		return *res
	}
	if err := w.service.RestockReturn(ctx, ev); err != nil {
		return bus.Retry(err)
	}
	return bus.Ack()
}

// payloadAs decodes the envelope into T. Messages that cannot decode are
// poison; the non-nil result rejects them straight to the dead letter.
func payloadAs[T any](ctx context.Context, env event.Envelope) (T, *bus.Result) {
	var zero T
	p, err := env.Payload()
	if err != nil {
		logging.FromContext(ctx).Error("payload_decode_failed", zap.String("type", string(env.Type)), zap.Error(err))
		res := bus.Reject(err)
		return zero, &res
	}
	ev, ok := p.(T)
	if !ok {
		err := errors.New("unexpected payload type")
		logging.FromContext(ctx).Error("payload_type_mismatch", zap.String("type", string(env.Type)))
		res := bus.Reject(err)
		return zero, &res
	}
	return ev, nil
}

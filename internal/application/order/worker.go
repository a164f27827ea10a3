package order

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shopfabric/fulfillment/internal/bus"
	"github.com/shopfabric/fulfillment/internal/domain/event"
)

const (
	queueStockReserved = "order.stock.reserved"
	queueStockFailed   = "order.stock.failed"
)

// Worker binds the saga's queues on the stock exchange. These are the
// only two events the saga consumes.
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
		log:        logger.With(zap.String("component", "order_worker")),
	}
}

func (w *Worker) Start() error {
	opts := bus.SubscribeOptions{MaxRetries: w.maxRetries}

	if err := w.bus.Subscribe(bus.ExchangeStock, queueStockReserved,
		string(event.TypeStockOrderReserved), w.handleStockReserved, opts); err != nil {
		return fmt.Errorf("order worker: subscribe stock reserved: %w", err)
	}
	if err := w.bus.Subscribe(bus.ExchangeStock, queueStockFailed,
		string(event.TypeStockOrderFailed), w.handleStockFailed, opts); err != nil {
		return fmt.Errorf("order worker: subscribe stock failed: %w", err)
	}
	return nil
}

func (w *Worker) handleStockReserved(ctx context.Context, env event.Envelope) bus.Result {
	p, err := env.Payload()
	if err != nil {
		w.log.Error("payload_decode_failed", zap.String("type", string(env.Type)), zap.Error(err))
		return bus.Reject(err)
	}
	ev, ok := p.(event.StockOrderReserved)
	if !ok {
		return bus.Reject(fmt.Errorf("order worker: unexpected payload for %s", env.Type))
	}

	if err := w.service.HandleStockReserved(ctx, ev); err != nil {
		return bus.Retry(err)
	}
	return bus.Ack()
}

func (w *Worker) handleStockFailed(ctx context.Context, env event.Envelope) bus.Result {
	p, err := env.Payload()
	if err != nil {
		w.log.Error("payload_decode_failed", zap.String("type", string(env.Type)), zap.Error(err))
		return bus.Reject(err)
	}
	ev, ok := p.(event.StockOrderFailed)
	if !ok {
		return bus.Reject(fmt.Errorf("order worker: unexpected payload for %s", env.Type))
	}

	if err := w.service.HandleStockFailed(ctx, ev); err != nil {
		return bus.Retry(err)
	}
	return bus.Ack()
}

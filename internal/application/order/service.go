// Package order hosts the order-side saga: order creation and the
// listener advancing or terminating orders on reservation outcomes.
package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shopfabric/fulfillment/internal/bus"
	"github.com/shopfabric/fulfillment/internal/domain/event"
	domorder "github.com/shopfabric/fulfillment/internal/domain/order"
	domoutbox "github.com/shopfabric/fulfillment/internal/domain/outbox"
	"github.com/shopfabric/fulfillment/internal/domain/saga"
)

type Service struct {
	orders domorder.Repository
	sagas  saga.Store
	outbox domoutbox.Store
	source string
	log    *zap.Logger
}

func NewService(orders domorder.Repository, sagas saga.Store, outboxStore domoutbox.Store, source string, logger *zap.Logger) *Service {
	return &Service{
		orders: orders,
		sagas:  sagas,
		outbox: outboxStore,
		source: source,
		log:    logger.With(zap.String("component", "order")),
	}
}

// CreateOrder persists a new pending order and appends order.created to
// the outbox in the same unit of work.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []domorder.Item) (*domorder.Order, error) {
	o, err := domorder.New(uuid.NewString(), newOrderNumber(), userID, items)
	if err != nil {
		return nil, err
	}

	if err := s.orders.Insert(ctx, o); err != nil {
		return nil, fmt.Errorf("order: insert: %w", err)
	}

	if err := s.emit(ctx, bus.ExchangeOrder, event.TypeOrderCreated, o.ID, event.OrderCreated{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Items:       toEventItems(o.Items),
		TotalAmount: o.Total(),
	}); err != nil {
		return nil, err
	}

	s.log.Info("order_created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
	)
	return o, nil
}

// HandleStockReserved confirms a pending order. Redeliveries for an
// order whose saga already reached a terminal outcome are no-ops.
func (s *Service) HandleStockReserved(ctx context.Context, ev event.StockOrderReserved) error {
	log := s.log.With(zap.String("order_id", ev.OrderID))

	if s.alreadyHandled(ctx, ev.OrderID) {
		log.Info("reservation_outcome_duplicate")
		return nil
	}

	o, err := s.orders.Get(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, domorder.ErrNotFound) {
			log.Warn("order_not_found")
			return nil
		}
		return fmt.Errorf("order: load: %w", err)
	}

	if o.Status == domorder.StatusPending {
		if err := o.Confirm("Stock reserved successfully"); err != nil {
			return fmt.Errorf("order: confirm: %w", err)
		}
		if err := s.orders.Update(ctx, o); err != nil {
			return fmt.Errorf("order: update: %w", err)
		}
		log.Info("order_confirmed")
	} else {
		log.Info("reservation_outcome_ignored", zap.String("status", string(o.Status)))
	}

	return s.saveSaga(ctx, &saga.State{OrderID: ev.OrderID, Outcome: saga.OutcomeReserved})
}

// HandleStockFailed cancels a pending order and publishes
// order.cancelled so the inventory releases whatever it still holds.
func (s *Service) HandleStockFailed(ctx context.Context, ev event.StockOrderFailed) error {
	log := s.log.With(zap.String("order_id", ev.OrderID))

	if s.alreadyHandled(ctx, ev.OrderID) {
		log.Info("reservation_outcome_duplicate")
		return nil
	}

	o, err := s.orders.Get(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, domorder.ErrNotFound) {
			log.Warn("order_not_found")
			return nil
		}
		return fmt.Errorf("order: load: %w", err)
	}

	compensationFired := false
	if o.Status == domorder.StatusPending {
		if err := o.Cancel("Cancellation due to stock failure: " + ev.Reason); err != nil {
			return fmt.Errorf("order: cancel: %w", err)
		}
		if err := s.orders.Update(ctx, o); err != nil {
			return fmt.Errorf("order: update: %w", err)
		}

		if err := s.emit(ctx, bus.ExchangeOrder, event.TypeOrderCancelled, o.ID, event.OrderCancelled{
			OrderID: o.ID,
			Items:   toEventItems(o.Items),
			Reason:  ev.Reason,
		}); err != nil {
			return err
		}
		compensationFired = true
		log.Warn("order_cancelled", zap.String("reason", ev.Reason))
	} else {
		log.Info("reservation_outcome_ignored", zap.String("status", string(o.Status)))
	}

	return s.saveSaga(ctx, &saga.State{
		OrderID:           ev.OrderID,
		Outcome:           saga.OutcomeFailed,
		CompensationFired: compensationFired,
	})
}

func (s *Service) alreadyHandled(ctx context.Context, orderID string) bool {
	st, err := s.sagas.Get(ctx, orderID)
	if err != nil {
		return false
	}
	return st.Terminal()
}

func (s *Service) saveSaga(ctx context.Context, st *saga.State) error {
	if err := s.sagas.Save(ctx, st); err != nil {
		return fmt.Errorf("order: save saga state: %w", err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, exchange string, t event.Type, correlationID string, payload any) error {
	env, err := event.New(t, s.source, payload)
	if err != nil {
		return err
	}
	env = env.WithCorrelation(correlationID)
	if err := s.outbox.Append(ctx, domoutbox.NewRecord(exchange, env)); err != nil {
		return fmt.Errorf("order: append outbox %s: %w", t, err)
	}
	return nil
}

func toEventItems(items []domorder.Item) []event.Item {
	out := make([]event.Item, 0, len(items))
	for _, it := range items {
		out = append(out, event.Item{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.Price,
		})
	}
	return out
}

func newOrderNumber() string {
	return fmt.Sprintf("ORD-%s-%04d", time.Now().UTC().Format("20060102150405"), rand.Intn(10000))
}

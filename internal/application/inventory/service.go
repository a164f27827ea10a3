// Package inventory hosts the stock reservation coordinator: the
// inventory-side half of the fulfillment saga. It reserves stock when
// orders are created, rolls partial reservations back on failure and
// releases stock on cancellation and returns.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shopfabric/fulfillment/internal/bus"
	"github.com/shopfabric/fulfillment/internal/domain/event"
	domoutbox "github.com/shopfabric/fulfillment/internal/domain/outbox"
	"github.com/shopfabric/fulfillment/internal/domain/stock"
)

type Service struct {
	stocks stock.Repository
	comps  stock.CompensationLog
	outbox domoutbox.Store
	source string
	log    *zap.Logger
}

func NewService(stocks stock.Repository, comps stock.CompensationLog, outboxStore domoutbox.Store, source string, logger *zap.Logger) *Service {
	return &Service{
		stocks: stocks,
		comps:  comps,
		outbox: outboxStore,
		source: source,
		log:    logger.With(zap.String("component", "inventory")),
	}
}

// ReserveOrder attempts to reserve every line of the order, stopping at
// the first failure. Partial reservations are rolled back through the
// compensation log before the failure event is emitted. The outcome
// event is emitted regardless of rollback success; a returned error
// means only that the outcome could not be recorded and the delivery
// should be retried.
func (s *Service) ReserveOrder(ctx context.Context, ev event.OrderCreated) error {
	log := s.log.With(zap.String("order_id", ev.OrderID))

	var reserved []event.Item
	var failReason string

	for _, it := range ev.Items {
		if err := s.reserveItem(ctx, ev.OrderID, it); err != nil {
			// Any item-level failure aborts the order, not just
			// insufficient stock.
			failReason = reasonFor(err, it)
			log.Warn("reservation_failed",
				zap.String("product_id", it.ProductID),
				zap.Int("quantity", it.Quantity),
				zap.Error(err),
			)
			break
		}
		reserved = append(reserved, it)
	}

	if failReason == "" {
		log.Info("order_stock_reserved", zap.Int("items", len(reserved)))
		return s.emit(ctx, bus.ExchangeStock, event.TypeStockOrderReserved, ev.OrderID,
			event.StockOrderReserved{OrderID: ev.OrderID})
	}

	s.rollback(ctx, ev.OrderID, reserved)

	log.Warn("order_stock_failed", zap.String("reason", failReason))
	return s.emit(ctx, bus.ExchangeStock, event.TypeStockOrderFailed, ev.OrderID,
		event.StockOrderFailed{OrderID: ev.OrderID, Reason: failReason, Items: ev.Items})
}

func (s *Service) reserveItem(ctx context.Context, orderID string, it event.Item) error {
	rec, err := s.stocks.GetOrCreate(ctx, it.ProductID)
	if err != nil {
		return fmt.Errorf("inventory: load stock: %w", err)
	}

	mv, err := rec.Reserve(it.Quantity, orderID)
	if err != nil {
		return err
	}

	if err := s.stocks.Save(ctx, rec, mv); err != nil {
		return fmt.Errorf("inventory: save stock: %w", err)
	}

	s.emitStockLevel(ctx, rec)
	return nil
}

// rollback records one compensation entry per reserved line, then drives
// the pending releases. Release failures are logged and left pending for
// Resume; they never abort the rollback walk.
func (s *Service) rollback(ctx context.Context, orderID string, reserved []event.Item) {
	for _, it := range reserved {
		if err := s.comps.Append(ctx, stock.Compensation{
			OrderID:   orderID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
		}); err != nil {
			s.log.Error("compensation_log_append_failed",
				zap.String("order_id", orderID),
				zap.String("product_id", it.ProductID),
				zap.Error(err),
			)
		}
	}
	s.Resume(ctx)
}

// Resume re-drives every pending compensation. Called during rollback
// and at startup to finish releases interrupted by a crash.
func (s *Service) Resume(ctx context.Context) {
	pending, err := s.comps.Pending(ctx)
	if err != nil {
		s.log.Error("compensation_log_read_failed", zap.Error(err))
		return
	}

	for _, c := range pending {
		if err := s.releaseItem(ctx, c.OrderID, c.ProductID, c.Quantity); err != nil {
			s.log.Error("compensation_release_failed",
				zap.String("order_id", c.OrderID),
				zap.String("product_id", c.ProductID),
				zap.Error(err),
			)
			continue
		}
		if err := s.comps.MarkDone(ctx, c.OrderID, c.ProductID); err != nil {
			s.log.Error("compensation_mark_done_failed",
				zap.String("order_id", c.OrderID),
				zap.String("product_id", c.ProductID),
				zap.Error(err),
			)
		}
	}
}

// ReleaseOrder releases only what the cancelled order still holds, per
// the ledger. An order whose reservation already failed or was rolled
// back holds nothing, so its cancellation is a no-op and never touches
// reservations owned by other orders. Failures are logged; the event is
// always acknowledged.
func (s *Service) ReleaseOrder(ctx context.Context, ev event.OrderCancelled) error {
	log := s.log.With(zap.String("order_id", ev.OrderID))

	for _, it := range ev.Items {
		held, err := s.stocks.ReservedFor(ctx, ev.OrderID, it.ProductID)
		if err != nil {
			log.Warn("release_skipped",
				zap.String("product_id", it.ProductID),
				zap.Error(err),
			)
			continue
		}
		if held == 0 {
			log.Info("release_noop", zap.String("product_id", it.ProductID))
			continue
		}
		if err := s.releaseItem(ctx, ev.OrderID, it.ProductID, held); err != nil {
			log.Warn("release_skipped",
				zap.String("product_id", it.ProductID),
				zap.Int("quantity", held),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) releaseItem(ctx context.Context, orderID, productID string, quantity int) error {
	rec, err := s.stocks.Get(ctx, productID)
	if err != nil {
		return fmt.Errorf("inventory: load stock: %w", err)
	}

	mv, err := rec.Release(quantity, orderID)
	if err != nil {
		return err
	}

	if err := s.stocks.Save(ctx, rec, mv); err != nil {
		return fmt.Errorf("inventory: save stock: %w", err)
	}

	s.emitStockLevel(ctx, rec)
	return nil
}

// RestockReturn puts quantities from an approved return back on the shelf.
func (s *Service) RestockReturn(ctx context.Context, ev event.ReturnApproved) error {
	for _, it := range ev.Items {
		rec, err := s.stocks.GetOrCreate(ctx, it.ProductID)
		if err != nil {
			return fmt.Errorf("inventory: load stock: %w", err)
		}

		mv, err := rec.Restock(it.Quantity, ev.OrderID)
		if err != nil {
			return fmt.Errorf("inventory: restock %s: %w", it.ProductID, err)
		}

		if err := s.stocks.Save(ctx, rec, mv); err != nil {
			return fmt.Errorf("inventory: save stock: %w", err)
		}

		s.emitStockLevel(ctx, rec)
	}
	return nil
}

// AddStock receives incoming stock for a product.
func (s *Service) AddStock(ctx context.Context, productID string, quantity int, reason, performedBy string) (*stock.Record, error) {
	return s.mutate(ctx, productID, func(rec *stock.Record) (stock.Movement, error) {
		return rec.Add(quantity, reason, performedBy)
	})
}

// RemoveStock ships unreserved stock out.
func (s *Service) RemoveStock(ctx context.Context, productID string, quantity int, reason, performedBy string) (*stock.Record, error) {
	return s.mutate(ctx, productID, func(rec *stock.Record) (stock.Movement, error) {
		return rec.Remove(quantity, reason, performedBy)
	})
}

// AdjustStock sets the absolute quantity after a manual count.
func (s *Service) AdjustStock(ctx context.Context, productID string, newQuantity int, reason, performedBy string) (*stock.Record, error) {
	return s.mutate(ctx, productID, func(rec *stock.Record) (stock.Movement, error) {
		return rec.Adjust(newQuantity, reason, performedBy)
	})
}

func (s *Service) mutate(ctx context.Context, productID string, op func(*stock.Record) (stock.Movement, error)) (*stock.Record, error) {
	rec, err := s.stocks.GetOrCreate(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("inventory: load stock: %w", err)
	}

	mv, err := op(rec)
	if err != nil {
		return nil, err
	}

	if err := s.stocks.Save(ctx, rec, mv); err != nil {
		return nil, fmt.Errorf("inventory: save stock: %w", err)
	}

	s.emitStockLevel(ctx, rec)
	return rec, nil
}

// emitStockLevel publishes stock.updated, plus stock.low when the level
// crossed the threshold. Level events are informational; failures are
// logged, never propagated.
func (s *Service) emitStockLevel(ctx context.Context, rec *stock.Record) {
	err := s.emit(ctx, bus.ExchangeStock, event.TypeStockUpdated, "", event.StockUpdated{
		ProductID: rec.ProductID,
		Quantity:  rec.Quantity,
		Reserved:  rec.Reserved,
		Available: rec.Available(),
		LowStock:  rec.IsLowStock(),
	})
	if err != nil {
		s.log.Warn("stock_updated_emit_failed", zap.String("product_id", rec.ProductID), zap.Error(err))
	}

	if !rec.IsLowStock() {
		return
	}
	err = s.emit(ctx, bus.ExchangeStock, event.TypeStockLow, "", event.StockLow{
		ProductID: rec.ProductID,
		Available: rec.Available(),
		Threshold: rec.LowStockThreshold,
	})
	if err != nil {
		s.log.Warn("stock_low_emit_failed", zap.String("product_id", rec.ProductID), zap.Error(err))
	}
}

func (s *Service) emit(ctx context.Context, exchange string, t event.Type, correlationID string, payload any) error {
	env, err := event.New(t, s.source, payload)
	if err != nil {
		return err
	}
	if correlationID != "" {
		env = env.WithCorrelation(correlationID)
	}
	if err := s.outbox.Append(ctx, domoutbox.NewRecord(exchange, env)); err != nil {
		return fmt.Errorf("inventory: append outbox %s: %w", t, err)
	}
	return nil
}

func reasonFor(err error, it event.Item) string {
	switch {
	case errors.Is(err, stock.ErrInsufficientStock):
		return fmt.Sprintf("insufficient stock for product %s", it.ProductID)
	case errors.Is(err, stock.ErrNotFound):
		return fmt.Sprintf("unknown product %s", it.ProductID)
	default:
		return err.Error()
	}
}

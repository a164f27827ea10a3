package inventory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopfabric/fulfillment/internal/bus"
	"github.com/shopfabric/fulfillment/internal/domain/event"
	domoutbox "github.com/shopfabric/fulfillment/internal/domain/outbox"
	"github.com/shopfabric/fulfillment/internal/domain/stock"
	"github.com/shopfabric/fulfillment/internal/infrastructure/deadletter"
	"github.com/shopfabric/fulfillment/internal/infrastructure/membus"
	"github.com/shopfabric/fulfillment/internal/infrastructure/memory"
)

type fixture struct {
	svc    *Service
	stocks *memory.StockRepository
	comps  *memory.CompensationLog
	outbox *memory.OutboxStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stocks: memory.NewStockRepository(),
		comps:  memory.NewCompensationLog(),
		outbox: memory.NewOutboxStore(),
	}
	f.svc = NewService(f.stocks, f.comps, f.outbox, "inventory-service", zap.NewNop())
	return f
}

func (f *fixture) seed(t *testing.T, productID string, quantity int) {
	t.Helper()
	rec, err := stock.NewRecord(productID, 0)
	require.NoError(t, err)
	mv, err := rec.Add(quantity, "initial stock", "test")
	require.NoError(t, err)
	require.NoError(t, f.stocks.Save(context.Background(), rec, mv))
}

func (f *fixture) eventsOfType(t *testing.T, et event.Type) []domoutbox.Record {
	t.Helper()
	pending, err := f.outbox.Pending(context.Background(), 0)
	require.NoError(t, err)
	var out []domoutbox.Record
	for _, rec := range pending {
		if rec.Envelope.Type == et {
			out = append(out, rec)
		}
	}
	return out
}

func TestReserveOrderSuccess(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 5)

	err := f.svc.ReserveOrder(context.Background(), event.OrderCreated{
		OrderID: "order-1",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 2}},
	})
	require.NoError(t, err)

	rec, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Quantity)
	assert.Equal(t, 2, rec.Reserved)
	assert.Equal(t, 3, rec.Available())

	reserved := f.eventsOfType(t, event.TypeStockOrderReserved)
	require.Len(t, reserved, 1)
	assert.Equal(t, "order-1", reserved[0].Envelope.CorrelationID)
	assert.Empty(t, f.eventsOfType(t, event.TypeStockOrderFailed))
}

func TestReserveOrderRollsBackOnPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 5)
	f.seed(t, "prod-y", 1)

	err := f.svc.ReserveOrder(context.Background(), event.OrderCreated{
		OrderID: "order-2",
		Items: []event.Item{
			{ProductID: "prod-x", Quantity: 2},
			{ProductID: "prod-y", Quantity: 3},
		},
	})
	require.NoError(t, err)

	// The first line was reserved and then released again.
	recX, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Zero(t, recX.Reserved)
	assert.Equal(t, 5, recX.Quantity)

	recY, err := f.stocks.Get(context.Background(), "prod-y")
	require.NoError(t, err)
	assert.Zero(t, recY.Reserved)

	failed := f.eventsOfType(t, event.TypeStockOrderFailed)
	require.Len(t, failed, 1)
	payload, err := failed[0].Envelope.Payload()
	require.NoError(t, err)
	fp, ok := payload.(event.StockOrderFailed)
	require.True(t, ok)
	assert.Equal(t, "order-2", fp.OrderID)
	assert.Contains(t, fp.Reason, "prod-y")
	assert.Empty(t, f.eventsOfType(t, event.TypeStockOrderReserved))

	// Rollback left no unfinished compensation behind.
	pending, err := f.comps.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	movements, err := f.stocks.Movements(context.Background(), "prod-x")
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, stock.MovementIn, movements[0].Type)
	assert.Equal(t, stock.MovementReserved, movements[1].Type)
	assert.Equal(t, stock.MovementReleased, movements[2].Type)
	assert.Equal(t, "order-2", movements[2].Reference)
}

func TestReserveOrderUnknownProductFails(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ReserveOrder(context.Background(), event.OrderCreated{
		OrderID: "order-3",
		Items:   []event.Item{{ProductID: "prod-ghost", Quantity: 1}},
	})
	require.NoError(t, err)

	failed := f.eventsOfType(t, event.TypeStockOrderFailed)
	require.Len(t, failed, 1)
}

func TestReleaseOrderNeverWedgesOnUnreservedStock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 5)

	err := f.svc.ReleaseOrder(context.Background(), event.OrderCancelled{
		OrderID: "order-4",
		Items: []event.Item{
			{ProductID: "prod-x", Quantity: 2},
			{ProductID: "prod-missing", Quantity: 1},
		},
	})
	require.NoError(t, err)

	rec, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Zero(t, rec.Reserved)
}

func TestReleaseOrderReturnsReservedStock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 5)

	require.NoError(t, f.svc.ReserveOrder(context.Background(), event.OrderCreated{
		OrderID: "order-5",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 3}},
	}))

	require.NoError(t, f.svc.ReleaseOrder(context.Background(), event.OrderCancelled{
		OrderID: "order-5",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 3}},
	}))

	rec, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Zero(t, rec.Reserved)
	assert.Equal(t, 5, rec.Available())
}

func TestReleaseOrderLeavesOtherOrdersReservations(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 5)

	require.NoError(t, f.svc.ReserveOrder(context.Background(), event.OrderCreated{
		OrderID: "order-a",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 2}},
	}))

	// order-b holds nothing on prod-x; its cancellation must not strip
	// order-a's hold.
	require.NoError(t, f.svc.ReleaseOrder(context.Background(), event.OrderCancelled{
		OrderID: "order-b",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 2}},
	}))

	rec, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Reserved)
}

func TestReleaseOrderAfterRollbackIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 5)
	f.seed(t, "prod-y", 1)

	require.NoError(t, f.svc.ReserveOrder(context.Background(), event.OrderCreated{
		OrderID: "order-c",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 3}},
	}))

	// A second order fails on its last line and rolls its prod-x hold
	// back; the cancellation that follows finds nothing left to release.
	require.NoError(t, f.svc.ReserveOrder(context.Background(), event.OrderCreated{
		OrderID: "order-d",
		Items: []event.Item{
			{ProductID: "prod-x", Quantity: 2},
			{ProductID: "prod-y", Quantity: 3},
		},
	}))
	require.NoError(t, f.svc.ReleaseOrder(context.Background(), event.OrderCancelled{
		OrderID: "order-d",
		Items: []event.Item{
			{ProductID: "prod-x", Quantity: 2},
			{ProductID: "prod-y", Quantity: 3},
		},
	}))

	rec, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Reserved)
}

func TestRetriedDeliveryReservesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 5)

	dead := deadletter.NewMemory()
	mb := membus.New(zap.NewNop(), dead)
	defer mb.Close()

	// The handler fails its first two deliveries before the service runs,
	// succeeds on the third.
	var deliveries atomic.Int64
	require.NoError(t, mb.Subscribe(bus.ExchangeOrder, "inventory.order.created",
		string(event.TypeOrderCreated),
		func(ctx context.Context, env event.Envelope) bus.Result {
			if deliveries.Add(1) < 3 {
				return bus.Retry(assert.AnError)
			}
			ev, res := payloadAs[event.OrderCreated](ctx, env)
			if res != nil {
				return *res
			}
			if err := f.svc.ReserveOrder(ctx, ev); err != nil {
				return bus.Retry(err)
			}
			return bus.Ack()
		}, bus.SubscribeOptions{MaxRetries: 3}))

	env, err := event.New(event.TypeOrderCreated, "test", event.OrderCreated{
		OrderID: "order-9",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 2}},
	})
	require.NoError(t, err)
	require.NoError(t, mb.Publish(context.Background(), bus.ExchangeOrder, env))

	require.Eventually(t, func() bool { return deliveries.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), deliveries.Load())
	assert.Empty(t, dead.Entries("inventory.order.created"))

	// Exactly one ledger entry for the one attempt that ran the service.
	movements, err := f.stocks.Movements(context.Background(), "prod-x")
	require.NoError(t, err)
	reserved := 0
	for _, mv := range movements {
		if mv.Type == stock.MovementReserved {
			reserved++
		}
	}
	assert.Equal(t, 1, reserved)

	rec, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Reserved)
}

func TestResumeFinishesInterruptedRollback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 5)

	// Simulate a crash after reserving and logging the compensation but
	// before the release ran.
	rec, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	mv, err := rec.Reserve(2, "order-6")
	require.NoError(t, err)
	require.NoError(t, f.stocks.Save(context.Background(), rec, mv))
	require.NoError(t, f.comps.Append(context.Background(), stock.Compensation{
		OrderID:   "order-6",
		ProductID: "prod-x",
		Quantity:  2,
	}))

	f.svc.Resume(context.Background())

	rec, err = f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Zero(t, rec.Reserved)

	pending, err := f.comps.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRestockReturn(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 3)

	err := f.svc.RestockReturn(context.Background(), event.ReturnApproved{
		OrderID: "order-7",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 2}},
	})
	require.NoError(t, err)

	rec, err := f.stocks.Get(context.Background(), "prod-x")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Quantity)
}

func TestStockLevelEventsFollowMutations(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.AddStock(context.Background(), "prod-x", 50, "intake", "tester")
	require.NoError(t, err)
	assert.Equal(t, 50, rec.Quantity)

	updated := f.eventsOfType(t, event.TypeStockUpdated)
	require.Len(t, updated, 1)
	assert.Empty(t, f.eventsOfType(t, event.TypeStockLow))

	rec, err = f.svc.RemoveStock(context.Background(), "prod-x", 45, "shipment", "tester")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Quantity)

	low := f.eventsOfType(t, event.TypeStockLow)
	require.Len(t, low, 1)
	payload, err := low[0].Envelope.Payload()
	require.NoError(t, err)
	lp, ok := payload.(event.StockLow)
	require.True(t, ok)
	assert.Equal(t, 5, lp.Available)
}

func TestAdjustStockRejectsBelowReserved(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "prod-x", 10)

	require.NoError(t, f.svc.ReserveOrder(context.Background(), event.OrderCreated{
		OrderID: "order-8",
		Items:   []event.Item{{ProductID: "prod-x", Quantity: 4}},
	}))

	_, err := f.svc.AdjustStock(context.Background(), "prod-x", 2, "recount", "tester")
	require.ErrorIs(t, err, stock.ErrQuantityBelowReserved)
}

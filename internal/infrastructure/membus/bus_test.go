package membus

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
	"github.com/shopfabric/fulfillment/internal/infrastructure/deadletter"
)

func testEnvelope(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeStockOrderReserved, "test", event.StockOrderReserved{OrderID: "order-1"})
	require.NoError(t, err)
	return env
}

func TestDeliversToMatchingQueue(t *testing.T) {
	dead := deadletter.NewMemory()
	b := New(zap.NewNop(), dead)
	defer b.Close()

	var got atomic.Int64
	err := b.Subscribe(bus.ExchangeStock, "q1", "stock.order.*", func(ctx context.Context, env event.Envelope) bus.Result {
		got.Add(1)
		return bus.Ack()
	}, bus.SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.ExchangeStock, testEnvelope(t)))

	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, dead.Entries("q1"))
}

func TestDoesNotDeliverAcrossExchanges(t *testing.T) {
	b := New(zap.NewNop(), deadletter.NewMemory())
	defer b.Close()

	var got atomic.Int64
	require.NoError(t, b.Subscribe(bus.ExchangeOrder, "q1", "#", func(ctx context.Context, env event.Envelope) bus.Result {
		got.Add(1)
		return bus.Ack()
	}, bus.SubscribeOptions{}))

	require.NoError(t, b.Publish(context.Background(), bus.ExchangeStock, testEnvelope(t)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, got.Load())
}

func TestRetryThenAck(t *testing.T) {
	// Handler fails on delivery 1 and 2, succeeds on delivery 3 with
	// maxRetries=3: the message must be acked, never dead-lettered.
	dead := deadletter.NewMemory()
	b := New(zap.NewNop(), dead)
	defer b.Close()

	var calls atomic.Int64
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "q1", "stock.order.reserved", func(ctx context.Context, env event.Envelope) bus.Result {
		if calls.Add(1) < 3 {
			return bus.Retry(assert.AnError)
		}
		return bus.Ack()
	}, bus.SubscribeOptions{MaxRetries: 3}))

	require.NoError(t, b.Publish(context.Background(), bus.ExchangeStock, testEnvelope(t)))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), calls.Load())
	assert.Empty(t, dead.Entries("q1"))
}

func TestDeadLetterAfterMaxRetries(t *testing.T) {
	dead := deadletter.NewMemory()
	b := New(zap.NewNop(), dead)
	defer b.Close()

	var calls atomic.Int64
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "q1", "stock.order.reserved", func(ctx context.Context, env event.Envelope) bus.Result {
		calls.Add(1)
		return bus.Retry(assert.AnError)
	}, bus.SubscribeOptions{MaxRetries: 1}))

	require.NoError(t, b.Publish(context.Background(), bus.ExchangeStock, testEnvelope(t)))

	require.Eventually(t, func() bool { return len(dead.Entries("q1")) == 1 }, time.Second, 5*time.Millisecond)
	// One initial delivery plus one retry.
	assert.Equal(t, int64(2), calls.Load())

	entry := dead.Entries("q1")[0]
	assert.Equal(t, "q1", entry.Queue)
	assert.Equal(t, assert.AnError.Error(), entry.Error)
}

func TestRejectGoesStraightToDeadLetter(t *testing.T) {
	dead := deadletter.NewMemory()
	b := New(zap.NewNop(), dead)
	defer b.Close()

	var calls atomic.Int64
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "q1", "#", func(ctx context.Context, env event.Envelope) bus.Result {
		calls.Add(1)
		return bus.Reject(assert.AnError)
	}, bus.SubscribeOptions{MaxRetries: 5}))

	require.NoError(t, b.Publish(context.Background(), bus.ExchangeStock, testEnvelope(t)))

	require.Eventually(t, func() bool { return len(dead.Entries("q1")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCompetingConsumersShareQueue(t *testing.T) {
	b := New(zap.NewNop(), deadletter.NewMemory())
	defer b.Close()

	var got atomic.Int64
	handler := func(ctx context.Context, env event.Envelope) bus.Result {
		got.Add(1)
		return bus.Ack()
	}
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "shared", "#", handler, bus.SubscribeOptions{}))
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "shared", "#", handler, bus.SubscribeOptions{}))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), bus.ExchangeStock, testEnvelope(t)))
	}

	// Each message goes to exactly one member of the group.
	require.Eventually(t, func() bool { return got.Load() == 10 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(10), got.Load())
}

func TestSubscribeRejectsMismatchedRetryBudget(t *testing.T) {
	b := New(zap.NewNop(), deadletter.NewMemory())
	defer b.Close()

	handler := func(ctx context.Context, env event.Envelope) bus.Result { return bus.Ack() }
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "shared", "#", handler, bus.SubscribeOptions{MaxRetries: 1}))

	err := b.Subscribe(bus.ExchangeStock, "shared", "#", handler, bus.SubscribeOptions{MaxRetries: 5})
	require.Error(t, err)

	// Joining with the declaring budget is fine.
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "shared", "#", handler, bus.SubscribeOptions{MaxRetries: 1}))
}

func TestFanoutToSeparateQueues(t *testing.T) {
	b := New(zap.NewNop(), deadletter.NewMemory())
	defer b.Close()

	var q1, q2 atomic.Int64
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "q1", "#", func(ctx context.Context, env event.Envelope) bus.Result {
		q1.Add(1)
		return bus.Ack()
	}, bus.SubscribeOptions{}))
	require.NoError(t, b.Subscribe(bus.ExchangeStock, "q2", "stock.order.reserved", func(ctx context.Context, env event.Envelope) bus.Result {
		q2.Add(1)
		return bus.Ack()
	}, bus.SubscribeOptions{}))

	require.NoError(t, b.Publish(context.Background(), bus.ExchangeStock, testEnvelope(t)))

	require.Eventually(t, func() bool { return q1.Load() == 1 && q2.Load() == 1 }, time.Second, 5*time.Millisecond)
}

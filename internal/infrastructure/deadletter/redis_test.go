package deadletter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	srv := miniredis.RunT(t)
	store := NewRedis(srv.Addr(), zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPushAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Push(ctx, "order.stock.reserved", []byte(`{"type":"stock.order.reserved"}`), assert.AnError)
	store.Push(ctx, "order.stock.reserved", []byte(`{"type":"stock.order.reserved"}`), nil)

	entries, err := store.List(ctx, "order.stock.reserved", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Most recent first.
	assert.Empty(t, entries[0].Error)
	assert.Equal(t, assert.AnError.Error(), entries[1].Error)
	assert.Equal(t, "order.stock.reserved", entries[1].Queue)
	assert.JSONEq(t, `{"type":"stock.order.reserved"}`, string(entries[1].Payload))
}

func TestListIsScopedPerQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Push(ctx, "q1", []byte(`{}`), nil)

	entries, err := store.List(ctx, "q2", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListHonorsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Push(ctx, "q1", []byte(`{}`), nil)
	}

	entries, err := store.List(ctx, "q1", 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

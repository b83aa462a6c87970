package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvTimeout(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	a, err := b.Subscribe(ctx, "stream:trades:binance:BTC_USDT")
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, "stream:trades:binance:BTC_USDT")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "stream:trades:binance:ETH_USDT")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "stream:trades:binance:BTC_USDT", []byte("x")))

	assert.Equal(t, []byte("x"), recvTimeout(t, a))
	assert.Equal(t, []byte("x"), recvTimeout(t, c))
	select {
	case <-other.Messages():
		t.Fatal("message leaked to unrelated channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusSubscriptionClose(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// Publishing after close must not panic or block.
	require.NoError(t, b.Publish(ctx, "ch", []byte("x")))

	_, ok := <-sub.Messages()
	assert.False(t, ok, "channel should be closed")
}

func TestMemoryBusOrdering(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)

	for i := byte(0); i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "ch", []byte{i}))
	}
	for i := byte(0); i < 10; i++ {
		assert.Equal(t, []byte{i}, recvTimeout(t, sub))
	}
}

func TestMemoryBusShedsOldestWhenFull(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "ch")
	require.NoError(t, err)

	for i := 0; i < subBuffer+10; i++ {
		require.NoError(t, b.Publish(ctx, "ch", []byte{byte(i % 256)}))
	}

	// The first message delivered is no longer the first published.
	first := recvTimeout(t, sub)
	assert.NotEqual(t, []byte{0}, first)

	require.NoError(t, b.Close())
	assert.Error(t, b.Ping(ctx))
}

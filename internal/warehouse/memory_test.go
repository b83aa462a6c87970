package warehouse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churst90/accessible-trader-sub001/internal/market"
)

func barAt(ts int64, close float64) market.Bar {
	return market.Bar{Timestamp: ts, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func TestMemoryStoreQueryWindow(t *testing.T) {
	s := NewMemoryStore()
	key := BarKey{Market: "crypto", Provider: "binance", Symbol: "BTC_USDT", Timeframe: "1m"}

	require.NoError(t, s.Upsert(context.Background(), key, []market.Bar{
		barAt(180_000, 3), barAt(60_000, 1), barAt(120_000, 2), barAt(240_000, 4),
	}))

	bars, err := s.Query(context.Background(), key, 120_000, 240_000, 0)
	require.NoError(t, err)
	require.Len(t, bars, 2, "window is inclusive below, exclusive above")
	assert.Equal(t, int64(120_000), bars[0].Timestamp)
	assert.Equal(t, int64(180_000), bars[1].Timestamp)

	bars, err = s.Query(context.Background(), key, 0, 0, 3)
	require.NoError(t, err)
	require.Len(t, bars, 3, "limit truncates from the front")
	assert.Equal(t, int64(60_000), bars[0].Timestamp)
}

func TestMemoryStoreUpsertReplaces(t *testing.T) {
	s := NewMemoryStore()
	key := BarKey{Market: "crypto", Provider: "binance", Symbol: "BTC_USDT", Timeframe: "1m"}

	require.NoError(t, s.Upsert(context.Background(), key, []market.Bar{barAt(60_000, 1)}))
	require.NoError(t, s.Upsert(context.Background(), key, []market.Bar{barAt(60_000, 9)}))

	assert.Equal(t, 1, s.Count(key))
	bars, err := s.Query(context.Background(), key, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 9.0, bars[0].Close)
}

func TestMemoryStoreKeysAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	btc := BarKey{Market: "crypto", Provider: "binance", Symbol: "BTC_USDT", Timeframe: "1m"}
	eth := btc
	eth.Symbol = "ETH_USDT"

	require.NoError(t, s.Upsert(context.Background(), btc, []market.Bar{barAt(60_000, 1)}))

	bars, err := s.Query(context.Background(), eth, 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestMemoryStoreHasAnyInRange(t *testing.T) {
	s := NewMemoryStore()
	key := BarKey{Market: "crypto", Provider: "binance", Symbol: "BTC_USDT", Timeframe: "1m"}
	require.NoError(t, s.Upsert(context.Background(), key, []market.Bar{barAt(60_000, 1)}))

	ok, err := s.HasAnyInRange(context.Background(), key, 0, 120_000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasAnyInRange(context.Background(), key, 120_000, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

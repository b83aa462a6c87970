package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
	"github.com/churst90/accessible-trader-sub001/internal/warehouse"
)

const minute = int64(60_000)

// fakeVenue serves bars from a fixed 1m series and records fetch calls.
type fakeVenue struct {
	mu         sync.Mutex
	bars       map[string][]market.Bar // timeframe -> ascending bars
	timeframes []string
	calls      []fetchCall
}

type fetchCall struct {
	timeframe string
	sinceMs   int64
	limit     int
}

func (f *fakeVenue) Key() string                   { return "fake" }
func (f *fakeVenue) Provider() string              { return "binance" }
func (f *fakeVenue) Features() plugin.FeatureSet   { return plugin.FeatureSet{} }
func (f *fakeVenue) Close() error                  { return nil }
func (f *fakeVenue) SupportedTimeframes() []string { return f.timeframes }

func (f *fakeVenue) GetSymbols(context.Context, string) ([]string, error) {
	return []string{"BTC_USDT"}, nil
}

func (f *fakeVenue) FetchLatestOHLCV(context.Context, string, string) (*market.Bar, error) {
	return nil, nil
}

func (f *fakeVenue) FetchHistoricalOHLCV(_ context.Context, _ string, timeframe string, sinceMs int64, limit int) ([]market.Bar, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{timeframe: timeframe, sinceMs: sinceMs, limit: limit})
	f.mu.Unlock()

	var out []market.Bar
	for _, b := range f.bars[timeframe] {
		if b.Timestamp >= sinceMs {
			out = append(out, b)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeVenue) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newFixture(t *testing.T, venue *fakeVenue) (*Service, *warehouse.MemoryStore) {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(plugin.Registration{
		Key:       "fake",
		Markets:   []string{"crypto"},
		Providers: []string{"binance"},
		New: func(plugin.InstanceConfig) (plugin.Plugin, error) {
			return venue, nil
		},
	}))
	pool := plugin.NewPool(reg, 0, time.Second, zerolog.Nop())
	t.Cleanup(pool.Close)

	store := warehouse.NewMemoryStore()
	svc := NewService(pool, reg, store, plugin.NoCredentials{}, 500, 100, zerolog.Nop())
	return svc, store
}

func minuteBars(start int64, n int) []market.Bar {
	out := make([]market.Bar, n)
	for i := range out {
		ts := start + int64(i)*minute
		out[i] = market.Bar{Timestamp: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1}
	}
	return out
}

func TestFetchFillsGapAndMerges(t *testing.T) {
	T := int64(1_700_000_000_000)
	venue := &fakeVenue{
		bars:       map[string][]market.Bar{"1m": minuteBars(T, 10)},
		timeframes: []string{"1m"},
	}
	svc, store := newFixture(t, venue)
	key := warehouse.BarKey{Market: "crypto", Provider: "binance", Symbol: "BTC_USDT", Timeframe: "1m"}

	// Warehouse holds T, T+1m, T+3m -- T+2m is missing.
	seed := []market.Bar{
		{Timestamp: T, Close: 1},
		{Timestamp: T + minute, Close: 1},
		{Timestamp: T + 3*minute, Close: 1},
	}
	require.NoError(t, store.Upsert(context.Background(), key, seed))

	got, err := svc.Fetch(context.Background(), Request{
		Market: "crypto", Provider: "binance", Symbol: "BTC/USDT",
		Timeframe: "1m", SinceMs: T, UntilMs: T + 4*minute, Limit: 10,
	})
	require.NoError(t, err)

	require.Len(t, got, 4)
	for i, b := range got {
		assert.Equal(t, T+int64(i)*minute, b.Timestamp, "bar %d", i)
	}
	// The missing bar was persisted back.
	has, err := store.HasAnyInRange(context.Background(), key, T+2*minute, T+3*minute)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestFetchIdempotentOncePopulated(t *testing.T) {
	T := int64(1_700_000_000_000)
	venue := &fakeVenue{
		bars:       map[string][]market.Bar{"1m": minuteBars(T, 20)},
		timeframes: []string{"1m"},
	}
	svc, _ := newFixture(t, venue)

	req := Request{
		Market: "crypto", Provider: "binance", Symbol: "BTC/USDT",
		Timeframe: "1m", SinceMs: T, UntilMs: T + 20*minute, Limit: 20,
	}

	first, err := svc.Fetch(context.Background(), req)
	require.NoError(t, err)
	callsAfterFirst := venue.fetchCount()
	require.NotZero(t, callsAfterFirst)

	second, err := svc.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, venue.fetchCount(), "second fetch should be warehouse-only")
}

func TestFetchSinceBeyondNowIsEmpty(t *testing.T) {
	venue := &fakeVenue{bars: map[string][]market.Bar{}, timeframes: []string{"1m"}}
	svc, _ := newFixture(t, venue)

	now := time.Now().UnixMilli()
	got, err := svc.Fetch(context.Background(), Request{
		Market: "crypto", Provider: "binance", Symbol: "BTC/USDT",
		Timeframe: "1m", SinceMs: now + time.Hour.Milliseconds(), Limit: 200,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchResamplesUnsupportedTimeframe(t *testing.T) {
	T := int64(1_700_000_000_000) // aligned to 5m
	venue := &fakeVenue{
		bars:       map[string][]market.Bar{"1m": minuteBars(T, 15)},
		timeframes: []string{"1m"}, // venue has no native 5m
	}
	svc, store := newFixture(t, venue)

	got, err := svc.Fetch(context.Background(), Request{
		Market: "crypto", Provider: "binance", Symbol: "BTC/USDT",
		Timeframe: "5m", SinceMs: T, UntilMs: T + 15*minute, Limit: 10,
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, T, got[0].Timestamp)
	assert.Equal(t, T+5*minute, got[1].Timestamp)
	assert.Equal(t, T+10*minute, got[2].Timestamp)
	assert.Equal(t, 5.0, got[0].Volume, "volumes sum across the bucket")

	// All venue calls went through the 1m series.
	for _, c := range venue.calls {
		assert.Equal(t, "1m", c.timeframe)
	}

	// Resampled bars persisted under the 5m key.
	key := warehouse.BarKey{Market: "crypto", Provider: "binance", Symbol: "BTC_USDT", Timeframe: "5m"}
	assert.Equal(t, 3, store.Count(key))
}

func TestFetchTruncatesToLimit(t *testing.T) {
	T := int64(1_700_000_000_000)
	venue := &fakeVenue{
		bars:       map[string][]market.Bar{"1m": minuteBars(T, 50)},
		timeframes: []string{"1m"},
	}
	svc, _ := newFixture(t, venue)

	got, err := svc.Fetch(context.Background(), Request{
		Market: "crypto", Provider: "binance", Symbol: "BTC/USDT",
		Timeframe: "1m", SinceMs: T, UntilMs: T + 50*minute, Limit: 7,
	})
	require.NoError(t, err)
	assert.Len(t, got, 7)
}

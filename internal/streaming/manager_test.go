package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churst90/accessible-trader-sub001/internal/bus"
	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

// fakeStreamPlugin implements the mandatory surface plus every optional
// capability; the feature table decides what the manager may use.
type fakeStreamPlugin struct {
	features plugin.FeatureSet

	mu          sync.Mutex
	ohlcvSubs   map[string]func(market.Bar)
	streamCalls int
	stopCalls   int

	latest     func() (*market.Bar, error)
	fetchCalls int
}

func newFakeStreamPlugin(features plugin.FeatureSet) *fakeStreamPlugin {
	return &fakeStreamPlugin{
		features:  features,
		ohlcvSubs: make(map[string]func(market.Bar)),
	}
}

func (f *fakeStreamPlugin) Key() string                 { return "fake" }
func (f *fakeStreamPlugin) Provider() string            { return "binance" }
func (f *fakeStreamPlugin) Features() plugin.FeatureSet { return f.features }
func (f *fakeStreamPlugin) Close() error                { return nil }

func (f *fakeStreamPlugin) GetSymbols(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakeStreamPlugin) FetchHistoricalOHLCV(context.Context, string, string, int64, int) ([]market.Bar, error) {
	return nil, nil
}

func (f *fakeStreamPlugin) FetchLatestOHLCV(context.Context, string, string) (*market.Bar, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	if f.latest == nil {
		return nil, nil
	}
	return f.latest()
}

func (f *fakeStreamPlugin) StreamOHLCV(_ context.Context, symbol, timeframe string, handler func(market.Bar)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls++
	f.ohlcvSubs[symbol+":"+timeframe] = handler
	return nil
}

func (f *fakeStreamPlugin) StopOHLCV(symbol, timeframe string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	delete(f.ohlcvSubs, symbol+":"+timeframe)
	return nil
}

func (f *fakeStreamPlugin) emit(symbol, timeframe string, b market.Bar) {
	f.mu.Lock()
	handler := f.ohlcvSubs[symbol+":"+timeframe]
	f.mu.Unlock()
	if handler != nil {
		handler(b)
	}
}

func (f *fakeStreamPlugin) counts() (stream, stop, fetch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls, f.stopCalls, f.fetchCalls
}

func newManagerFixture(t *testing.T, p plugin.Plugin, interval time.Duration) (*Manager, *bus.MemoryBus) {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(plugin.Registration{
		Key:       "fake",
		Markets:   []string{"crypto"},
		Providers: []string{"binance"},
		New:       func(plugin.InstanceConfig) (plugin.Plugin, error) { return p, nil },
	}))
	pool := plugin.NewPool(reg, 0, time.Second, zerolog.Nop())
	t.Cleanup(pool.Close)

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })

	m := NewManager(b, pool, reg, plugin.NoCredentials{}, func(market.StreamKind) time.Duration { return interval }, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, b
}

func ohlcvReq() StreamRequest {
	return StreamRequest{
		Market: "crypto", Provider: "binance", Symbol: "BTC/USDT",
		Kind: market.KindOHLCV, Timeframe: "1m",
	}
}

func collect(t *testing.T, sub bus.Subscription, n int, window time.Duration) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	deadline := time.After(window)
	for len(out) < n {
		select {
		case payload, ok := <-sub.Messages():
			if !ok {
				return out
			}
			var msg map[string]interface{}
			require.NoError(t, json.Unmarshal(payload, &msg))
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestNativeStreamPreferred(t *testing.T) {
	p := newFakeStreamPlugin(plugin.FeatureSet{plugin.FeatureStreamOHLCV: true})
	m, b := newManagerFixture(t, p, 5*time.Millisecond)

	sub, err := b.Subscribe(context.Background(), "stream:ohlcv:binance:BTC_USDT:1m")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.EnsureActive(context.Background(), ohlcvReq()))

	stream, _, fetch := p.counts()
	assert.Equal(t, 1, stream, "native stream should be started")
	assert.Zero(t, fetch, "no polling when native streaming exists")

	p.emit("BTC/USDT", "1m", market.Bar{Timestamp: 1_700_000_000_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3})

	msgs := collect(t, sub, 1, time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ohlcv", msgs[0]["stream_type"])
	assert.Equal(t, "binance", msgs[0]["provider"])
	assert.Equal(t, "BTC/USDT", msgs[0]["symbol"])
	assert.Equal(t, "1m", msgs[0]["timeframe"])
	assert.Equal(t, float64(1_700_000_000_000), msgs[0]["timestamp"])
}

func TestRefcountSharesOneUpstream(t *testing.T) {
	p := newFakeStreamPlugin(plugin.FeatureSet{plugin.FeatureStreamOHLCV: true})
	m, _ := newManagerFixture(t, p, 5*time.Millisecond)

	req := ohlcvReq()
	require.NoError(t, m.EnsureActive(context.Background(), req))
	require.NoError(t, m.EnsureActive(context.Background(), req))

	stream, _, _ := p.counts()
	assert.Equal(t, 1, stream, "second acquisition must not start a new upstream")
	assert.Equal(t, 2, m.Refcount(req))

	assert.True(t, m.Release(req))
	_, stop, _ := p.counts()
	assert.Zero(t, stop, "stream stays alive while referenced")

	assert.True(t, m.Release(req))
	_, stop, _ = p.counts()
	assert.Equal(t, 1, stop)
	assert.Zero(t, m.Refcount(req))
	assert.Zero(t, m.ActiveStreams())
}

func TestPollingFallbackSuppressesUnchanged(t *testing.T) {
	T := int64(1_700_000_000_000)
	bars := []market.Bar{
		{Timestamp: T, Open: 1, High: 2, Low: 1, Close: 2, Volume: 1},
		{Timestamp: T, Open: 1, High: 2, Low: 1, Close: 2, Volume: 1},
		{Timestamp: T + 60_000, Open: 2, High: 3, Low: 2, Close: 3, Volume: 1},
	}
	var idx int
	var mu sync.Mutex

	p := newFakeStreamPlugin(plugin.FeatureSet{}) // no native streaming
	p.latest = func() (*market.Bar, error) {
		mu.Lock()
		defer mu.Unlock()
		b := bars[idx]
		if idx < len(bars)-1 {
			idx++
		}
		return &b, nil
	}

	m, b := newManagerFixture(t, p, 10*time.Millisecond)

	sub, err := b.Subscribe(context.Background(), "stream:ohlcv:binance:BTC_USDT:1m")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.EnsureActive(context.Background(), ohlcvReq()))

	msgs := collect(t, sub, 2, 2*time.Second)
	require.Len(t, msgs, 2, "identical middle cycle must be suppressed")
	assert.Equal(t, float64(T), msgs[0]["timestamp"])
	assert.Equal(t, float64(T+60_000), msgs[1]["timestamp"])
}

func TestActivationFailsWithoutStreamOrPoll(t *testing.T) {
	// Trades with neither stream_trades nor fetch_ticker.
	p := newFakeStreamPlugin(plugin.FeatureSet{})
	m, _ := newManagerFixture(t, p, 5*time.Millisecond)

	req := StreamRequest{Market: "crypto", Provider: "binance", Symbol: "BTC/USDT", Kind: market.KindTrades}
	err := m.EnsureActive(context.Background(), req)
	require.Error(t, err)
	assert.True(t, plugin.IsNotSupported(err))
	assert.Zero(t, m.Refcount(req))
	assert.Zero(t, m.ActiveStreams())
}

func TestPollingNotSupportedRemovesRecord(t *testing.T) {
	p := newFakeStreamPlugin(plugin.FeatureSet{})
	p.latest = func() (*market.Bar, error) {
		return nil, plugin.NewNotSupportedError("binance", "fetch_latest_ohlcv")
	}
	m, _ := newManagerFixture(t, p, 5*time.Millisecond)

	req := ohlcvReq()
	require.NoError(t, m.EnsureActive(context.Background(), req))

	assert.Eventually(t, func() bool {
		return m.ActiveStreams() == 0 && m.Refcount(req) == 0
	}, 2*time.Second, 10*time.Millisecond, "terminally unavailable poll must remove the record")
}

func TestReleaseCancelsPollingMidSleep(t *testing.T) {
	interval := 200 * time.Millisecond
	p := newFakeStreamPlugin(plugin.FeatureSet{})
	p.latest = func() (*market.Bar, error) {
		return &market.Bar{Timestamp: 1, Open: 1, High: 1, Low: 1, Close: 1}, nil
	}
	m, _ := newManagerFixture(t, p, interval)

	req := ohlcvReq()
	require.NoError(t, m.EnsureActive(context.Background(), req))
	// Let the first cycle run so the task is mid-sleep.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	assert.True(t, m.Release(req))

	ctx, cancel := context.WithTimeout(context.Background(), 2*interval)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*interval, "polling task must exit promptly on release")
	assert.Zero(t, m.ActiveStreams())
}

func TestShutdownTearsDownMixedStreams(t *testing.T) {
	native := newFakeStreamPlugin(plugin.FeatureSet{plugin.FeatureStreamOHLCV: true})
	m, _ := newManagerFixture(t, native, 10*time.Millisecond)

	require.NoError(t, m.EnsureActive(context.Background(), ohlcvReq()))

	polled := StreamRequest{
		Market: "crypto", Provider: "binance", Symbol: "ETH/USDT",
		Kind: market.KindOHLCV, Timeframe: "5m",
	}
	require.NoError(t, m.EnsureActive(context.Background(), polled))
	assert.Equal(t, 2, m.ActiveStreams())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Zero(t, m.ActiveStreams())

	_, stop, _ := native.counts()
	assert.Equal(t, 2, stop, "every native stream must be stopped")

	// Idempotent.
	require.NoError(t, m.Shutdown(context.Background()))
}

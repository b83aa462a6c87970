package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	p, err := New(plugin.InstanceConfig{
		ProviderID:     "binance",
		RequestTimeout: 5 * time.Second,
		Extras: map[string]string{
			extraRESTBaseURL: ts.URL,
			extraRPS:         "1000",
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p.(*Adapter)
}

func TestVenueSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", venueSymbol("BTC/USDT"))
	assert.Equal(t, "BTCUSDT", venueSymbol("btc_usdt"))
	assert.Equal(t, "ETHBTC", venueSymbol("ETH-BTC"))
}

func TestFetchHistoricalOHLCVParsesKlines(t *testing.T) {
	var gotQuery string
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[
			[1700000000000, "100.1", "101.5", "99.8", "100.9", "12.5", 1700000059999, "0", 42, "0", "0", "0"],
			[1700000060000, "100.9", "102.0", "100.5", "101.7", "8.25", 1700000119999, "0", 17, "0", "0", "0"]
		]`))
	}))

	bars, err := a.FetchHistoricalOHLCV(context.Background(), "BTC/USDT", "1m", 1_700_000_000_000, 500)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, market.Bar{Timestamp: 1_700_000_000_000, Open: 100.1, High: 101.5, Low: 99.8, Close: 100.9, Volume: 12.5}, bars[0])
	assert.Equal(t, int64(1_700_000_060_000), bars[1].Timestamp)

	assert.Contains(t, gotQuery, "symbol=BTCUSDT")
	assert.Contains(t, gotQuery, "interval=1m")
	assert.Contains(t, gotQuery, "startTime=1700000000000")
}

func TestFetchLatestOHLCVEmptyResponse(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	bar, err := a.FetchLatestOHLCV(context.Background(), "BTC/USDT", "1m")
	require.NoError(t, err)
	assert.Nil(t, bar)
}

func TestFetchTicker(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		w.Write([]byte(`{"bidPrice":"100.5","askPrice":"100.7","lastPrice":"100.6","closeTime":1700000000123}`))
	}))

	tk, err := a.FetchTicker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, &plugin.Ticker{
		Symbol: "BTC/USDT", Bid: 100.5, Ask: 100.7, Last: 100.6, Timestamp: 1_700_000_000_123,
	}, tk)
}

func TestFetchOrderBook(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/depth", r.URL.Path)
		w.Write([]byte(`{"lastUpdateId":7,"bids":[["100.5","1.2"],["100.4","3"]],"asks":[["100.6","0.5"]]}`))
	}))

	ob, err := a.FetchOrderBook(context.Background(), "BTC/USDT", 0)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", ob.Symbol)
	assert.Equal(t, [][2]float64{{100.5, 1.2}, {100.4, 3}}, ob.Bids)
	assert.Equal(t, [][2]float64{{100.6, 0.5}}, ob.Asks)
	assert.NotZero(t, ob.Timestamp)
}

func TestGetSymbolsFiltersInactive(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
			{"symbol":"OLDUSDT","status":"BREAK","baseAsset":"OLD","quoteAsset":"USDT"},
			{"symbol":"ETHBTC","status":"TRADING","baseAsset":"ETH","quoteAsset":"BTC"}
		]}`))
	}))

	symbols, err := a.GetSymbols(context.Background(), "crypto")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC_USDT", "ETH_BTC"}, symbols)
}

func TestInstrumentDetails(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
			"filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.01"},
				{"filterType":"LOT_SIZE","stepSize":"0.0001","minQty":"0.0005"}
			]}]}`))
	}))

	d, err := a.GetInstrumentTradingDetails(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, d.Active)
	assert.Equal(t, 0.01, d.PriceIncrement)
	assert.Equal(t, 0.0001, d.AmountIncrement)
	assert.Equal(t, 0.0005, d.MinAmount)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"rate limit is transient", http.StatusTooManyRequests, plugin.IsNetwork},
		{"ip ban is transient", http.StatusTeapot, plugin.IsNetwork},
		{"forbidden is auth", http.StatusForbidden, plugin.IsAuth},
		{"server error is transient", http.StatusBadGateway, plugin.IsNetwork},
		{"bad request is plugin", http.StatusBadRequest, func(err error) bool {
			return !plugin.IsNetwork(err) && !plugin.IsAuth(err) && !plugin.IsNotSupported(err)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"code":-1003,"msg":"nope"}`, tc.status)
			}))
			_, err := a.FetchTicker(context.Background(), "BTC/USDT")
			require.Error(t, err)
			assert.True(t, tc.check(err))
		})
	}
}

func TestSupportedTimeframes(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())
	tfs := a.SupportedTimeframes()
	assert.Contains(t, tfs, "1m")
	assert.Contains(t, tfs, "1d")
	assert.NotContains(t, tfs, "7m")
}

func TestStreamOHLCVDeliversBars(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan string, 4)
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws/btcusdt@kline_1m", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(wsServer.Close)

	a := newTestAdapter(t, http.NewServeMux())
	a.wsBase = "ws" + strings.TrimPrefix(wsServer.URL, "http")

	got := make(chan market.Bar, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.StreamOHLCV(ctx, "BTC/USDT", "1m", func(b market.Bar) { got <- b }))

	frames <- `{"e":"kline","k":{"t":1700000000000,"o":"100","h":"101","l":"99","c":"100.5","v":"7","x":false}}`
	frames <- `not json`
	frames <- `{"e":"kline","k":{"t":1700000060000,"o":"100.5","h":"102","l":"100","c":"101","v":"3","x":true}}`
	close(frames)

	var bars []market.Bar
	for len(bars) < 2 {
		select {
		case b := <-got:
			bars = append(bars, b)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d bars, want 2", len(bars))
		}
	}
	assert.Equal(t, market.Bar{Timestamp: 1_700_000_000_000, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 7}, bars[0])
	assert.Equal(t, int64(1_700_000_060_000), bars[1].Timestamp)

	require.NoError(t, a.StopOHLCV("BTC/USDT", "1m"))
	require.NoError(t, a.StopOHLCV("BTC/USDT", "1m"), "stop is idempotent")
}

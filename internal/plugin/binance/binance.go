// Package binance adapts the Binance spot exchange: REST market data plus
// native WebSocket streams for klines, trades and partial order books.
package binance

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

const (
	// AdapterKey is the registry key of this adapter.
	AdapterKey = "binance"

	providerID = "binance"

	maxKlineLimit = 1000
)

// nativeIntervals is the venue's kline interval set.
var nativeIntervals = []string{
	"1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

var (
	_ plugin.Plugin             = (*Adapter)(nil)
	_ plugin.OHLCVStreamer      = (*Adapter)(nil)
	_ plugin.TradeStreamer      = (*Adapter)(nil)
	_ plugin.OrderBookStreamer  = (*Adapter)(nil)
	_ plugin.TickerFetcher      = (*Adapter)(nil)
	_ plugin.OrderBookFetcher   = (*Adapter)(nil)
	_ plugin.InstrumentDetailer = (*Adapter)(nil)
)

// Adapter implements the venue plugin for Binance spot.
type Adapter struct {
	rest   *restClient
	wsBase string
	logger zerolog.Logger

	mu      sync.Mutex
	streams map[string]*streamHandle
	closed  bool
}

// extras keys recognized by New, fed from the providers YAML.
const (
	extraRESTBaseURL = "rest_base_url"
	extraWSBaseURL   = "ws_base_url"
	extraRPS         = "requests_per_sec"
	extraBurst       = "burst"
)

// New is the adapter factory registered with the plugin registry.
func New(cfg plugin.InstanceConfig) (plugin.Plugin, error) {
	logger := cfg.Logger.With().Str("plugin", providerID).Logger()

	rps, _ := strconv.ParseFloat(cfg.Extras[extraRPS], 64)
	burst, _ := strconv.Atoi(cfg.Extras[extraBurst])
	wsBase := cfg.Extras[extraWSBaseURL]
	if wsBase == "" {
		wsBase = defaultWSBaseURL
	}

	return &Adapter{
		rest:    newRESTClient(cfg.Extras[extraRESTBaseURL], cfg.RequestTimeout, rps, burst, logger),
		wsBase:  wsBase,
		logger:  logger,
		streams: make(map[string]*streamHandle),
	}, nil
}

func (a *Adapter) Key() string      { return AdapterKey }
func (a *Adapter) Provider() string { return providerID }

func (a *Adapter) Features() plugin.FeatureSet {
	return plugin.FeatureSet{
		plugin.FeatureStreamOHLCV:       true,
		plugin.FeatureStreamTrades:      true,
		plugin.FeatureStreamOrderBook:   true,
		plugin.FeatureFetchTicker:       true,
		plugin.FeatureFetchOrderBook:    true,
		plugin.FeatureInstrumentDetails: true,
	}
}

// SupportedTimeframes lists the venue's native kline intervals; other
// timeframes are served by resampling 1m bars upstream.
func (a *Adapter) SupportedTimeframes() []string {
	out := make([]string, len(nativeIntervals))
	copy(out, nativeIntervals)
	return out
}

// venueSymbol maps BTC/USDT or BTC_USDT to the venue form BTCUSDT.
func venueSymbol(symbol string) string {
	s := market.NormalizeSymbol(symbol)
	return strings.ReplaceAll(s, "_", "")
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetSymbols lists actively trading symbols in canonical BASE_QUOTE form.
func (a *Adapter) GetSymbols(ctx context.Context, _ string) ([]string, error) {
	var info exchangeInfo
	if err := a.rest.getJSON(ctx, "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		out = append(out, s.BaseAsset+"_"+s.QuoteAsset)
	}
	return out, nil
}

// GetInstrumentTradingDetails returns precision and minimum size for one
// symbol.
func (a *Adapter) GetInstrumentTradingDetails(ctx context.Context, symbol string) (*plugin.InstrumentDetails, error) {
	query := url.Values{"symbol": {venueSymbol(symbol)}}
	var info exchangeInfo
	if err := a.rest.getJSON(ctx, "/api/v3/exchangeInfo", query, &info); err != nil {
		return nil, err
	}
	if len(info.Symbols) == 0 {
		return nil, plugin.NewPluginError(providerID, "unknown symbol "+symbol, nil)
	}
	s := info.Symbols[0]
	details := &plugin.InstrumentDetails{
		Symbol: symbol,
		Active: s.Status == "TRADING",
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			details.PriceIncrement, _ = strconv.ParseFloat(f.TickSize, 64)
		case "LOT_SIZE":
			details.AmountIncrement, _ = strconv.ParseFloat(f.StepSize, 64)
			details.MinAmount, _ = strconv.ParseFloat(f.MinQty, 64)
		}
	}
	return details, nil
}

// kline rows are positional arrays of mixed numbers and decimal strings.
type klineRow []interface{}

func (r klineRow) bar() (market.Bar, error) {
	if len(r) < 6 {
		return market.Bar{}, fmt.Errorf("kline row has %d fields", len(r))
	}
	ts, ok := r[0].(float64)
	if !ok {
		return market.Bar{}, fmt.Errorf("kline open time %v", r[0])
	}
	b := market.Bar{Timestamp: int64(ts)}
	for i, dst := range []*float64{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume} {
		s, ok := r[i+1].(string)
		if !ok {
			return market.Bar{}, fmt.Errorf("kline field %d: %v", i+1, r[i+1])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		*dst = v
	}
	return b, nil
}

// FetchHistoricalOHLCV returns ascending closed bars from sinceMs.
func (a *Adapter) FetchHistoricalOHLCV(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]market.Bar, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	query := url.Values{
		"symbol":   {venueSymbol(symbol)},
		"interval": {timeframe},
		"limit":    {strconv.Itoa(limit)},
	}
	if sinceMs > 0 {
		query.Set("startTime", strconv.FormatInt(sinceMs, 10))
	}

	var rows []klineRow
	if err := a.rest.getJSON(ctx, "/api/v3/klines", query, &rows); err != nil {
		return nil, err
	}
	bars := make([]market.Bar, 0, len(rows))
	for _, row := range rows {
		b, err := row.bar()
		if err != nil {
			return nil, plugin.NewPluginError(providerID, "parse kline", err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// FetchLatestOHLCV returns the forming bar for the timeframe.
func (a *Adapter) FetchLatestOHLCV(ctx context.Context, symbol, timeframe string) (*market.Bar, error) {
	query := url.Values{
		"symbol":   {venueSymbol(symbol)},
		"interval": {timeframe},
		"limit":    {"1"},
	}
	var rows []klineRow
	if err := a.rest.getJSON(ctx, "/api/v3/klines", query, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	b, err := rows[len(rows)-1].bar()
	if err != nil {
		return nil, plugin.NewPluginError(providerID, "parse kline", err)
	}
	return &b, nil
}

// FetchTicker returns the 24h ticker for one symbol.
func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*plugin.Ticker, error) {
	query := url.Values{"symbol": {venueSymbol(symbol)}}
	var raw struct {
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		LastPrice string `json:"lastPrice"`
		CloseTime int64  `json:"closeTime"`
	}
	if err := a.rest.getJSON(ctx, "/api/v3/ticker/24hr", query, &raw); err != nil {
		return nil, err
	}
	bid, _ := strconv.ParseFloat(raw.BidPrice, 64)
	ask, _ := strconv.ParseFloat(raw.AskPrice, 64)
	last, _ := strconv.ParseFloat(raw.LastPrice, 64)
	return &plugin.Ticker{
		Symbol:    market.DenormalizeSymbol(market.NormalizeSymbol(symbol)),
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Timestamp: raw.CloseTime,
	}, nil
}

// FetchOrderBook returns a depth snapshot; depth <= 0 selects 20 levels.
func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, depth int) (*plugin.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	query := url.Values{
		"symbol": {venueSymbol(symbol)},
		"limit":  {strconv.Itoa(depth)},
	}
	var raw struct {
		LastUpdateID int64       `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	if err := a.rest.getJSON(ctx, "/api/v3/depth", query, &raw); err != nil {
		return nil, err
	}
	return &plugin.OrderBook{
		Symbol:    market.DenormalizeSymbol(market.NormalizeSymbol(symbol)),
		Bids:      parseLevels(raw.Bids),
		Asks:      parseLevels(raw.Asks),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func parseLevels(levels [][2]string) [][2]float64 {
	out := make([][2]float64, 0, len(levels))
	for _, lv := range levels {
		price, err1 := strconv.ParseFloat(lv[0], 64)
		amount, err2 := strconv.ParseFloat(lv[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, [2]float64{price, amount})
	}
	return out
}

// Close stops every native stream. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	handles := make([]*streamHandle, 0, len(a.streams))
	for _, h := range a.streams {
		handles = append(handles, h)
	}
	a.streams = make(map[string]*streamHandle)
	a.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	return nil
}

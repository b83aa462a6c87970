// Package kraken adapts the Kraken spot exchange over REST only. With no
// native streams, live views on this venue always run on the polling
// fallback.
package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

const (
	// AdapterKey is the registry key of this adapter.
	AdapterKey = "kraken"

	providerID = "kraken"

	defaultBaseURL = "https://api.kraken.com"
	defaultRPS     = 1
	defaultBurst   = 3
)

// timeframeMinutes maps our timeframes onto the venue's interval parameter.
var timeframeMinutes = map[string]int{
	"1m": 1, "5m": 5, "15m": 15, "30m": 30,
	"1h": 60, "4h": 240, "1d": 1440, "1w": 10080,
}

var (
	_ plugin.Plugin             = (*Adapter)(nil)
	_ plugin.TickerFetcher      = (*Adapter)(nil)
	_ plugin.OrderBookFetcher   = (*Adapter)(nil)
	_ plugin.InstrumentDetailer = (*Adapter)(nil)
)

// Adapter implements the venue plugin for Kraken spot.
type Adapter struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// New is the adapter factory registered with the plugin registry.
func New(cfg plugin.InstanceConfig) (plugin.Plugin, error) {
	logger := cfg.Logger.With().Str("plugin", providerID).Logger()

	baseURL := cfg.Extras["rest_base_url"]
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rps, _ := strconv.ParseFloat(cfg.Extras["requests_per_sec"], 64)
	if rps <= 0 {
		rps = defaultRPS
	}
	burst, _ := strconv.Atoi(cfg.Extras["burst"])
	if burst <= 0 {
		burst = defaultBurst
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "kraken-rest",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger,
	}, nil
}

func (a *Adapter) Key() string      { return AdapterKey }
func (a *Adapter) Provider() string { return providerID }

func (a *Adapter) Features() plugin.FeatureSet {
	return plugin.FeatureSet{
		plugin.FeatureFetchTicker:       true,
		plugin.FeatureFetchOrderBook:    true,
		plugin.FeatureInstrumentDetails: true,
	}
}

// SupportedTimeframes lists the venue's native OHLC intervals.
func (a *Adapter) SupportedTimeframes() []string {
	out := make([]string, 0, len(timeframeMinutes))
	for tf := range timeframeMinutes {
		out = append(out, tf)
	}
	return out
}

// Close is a no-op: the adapter holds no sessions beyond the HTTP client.
func (a *Adapter) Close() error { return nil }

// venuePair maps BTC/USDT to the venue's XBTUSDT spelling.
func venuePair(symbol string) string {
	s := market.NormalizeSymbol(symbol)
	s = strings.ReplaceAll(s, "BTC", "XBT")
	return strings.ReplaceAll(s, "_", "")
}

// apiResponse is the venue's uniform envelope: a non-empty error list marks
// failure, result carries the payload.
type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (a *Adapter) getResult(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return plugin.NewNetworkError(providerID, "rate limiter wait", err)
	}

	body, err := a.breaker.Execute(func() (interface{}, error) {
		u := a.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, plugin.NewPluginError(providerID, "build request", err)
		}
		resp, err := a.http.Do(req)
		if err != nil {
			return nil, plugin.NewNetworkError(providerID, "request "+path, err)
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, plugin.NewNetworkError(providerID, "read body", err)
		}
		if resp.StatusCode >= 500 {
			return nil, plugin.NewNetworkError(providerID, "venue error", fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, plugin.NewPluginError(providerID, path, fmt.Errorf("status %d: %s", resp.StatusCode, b))
		}
		return b, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return plugin.NewNetworkError(providerID, "circuit open", err)
		}
		return err
	}

	var env apiResponse
	if err := json.Unmarshal(body.([]byte), &env); err != nil {
		return plugin.NewPluginError(providerID, "decode "+path, err)
	}
	if len(env.Error) > 0 {
		return mapVenueError(env.Error)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return plugin.NewPluginError(providerID, "decode result of "+path, err)
	}
	return nil
}

// mapVenueError classifies the venue's E-prefixed error strings.
func mapVenueError(venueErrors []string) error {
	joined := strings.Join(venueErrors, "; ")
	switch {
	case strings.Contains(joined, "Rate limit"):
		return plugin.NewNetworkError(providerID, "rate limited", errors.New(joined))
	case strings.Contains(joined, "Invalid key"), strings.Contains(joined, "Permission denied"):
		return plugin.NewAuthError(providerID, "request rejected", errors.New(joined))
	case strings.Contains(joined, "Unavailable"), strings.Contains(joined, "Busy"):
		return plugin.NewNetworkError(providerID, "venue unavailable", errors.New(joined))
	default:
		return plugin.NewPluginError(providerID, joined, nil)
	}
}

type assetPair struct {
	WSName    string      `json:"wsname"` // "XBT/USDT"
	Status    string      `json:"status"`
	TickSize  string      `json:"tick_size"`
	OrderMin  string      `json:"ordermin"`
	LotDecMax json.Number `json:"lot_decimals"`
}

func (p assetPair) canonical() string {
	name := strings.ReplaceAll(p.WSName, "XBT", "BTC")
	return market.NormalizeSymbol(name)
}

// GetSymbols lists online pairs in canonical BASE_QUOTE form.
func (a *Adapter) GetSymbols(ctx context.Context, _ string) ([]string, error) {
	var pairs map[string]assetPair
	if err := a.getResult(ctx, "/0/public/AssetPairs", nil, &pairs); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.WSName == "" || (p.Status != "" && p.Status != "online") {
			continue
		}
		out = append(out, p.canonical())
	}
	return out, nil
}

// GetInstrumentTradingDetails returns precision and minimum size for one
// pair.
func (a *Adapter) GetInstrumentTradingDetails(ctx context.Context, symbol string) (*plugin.InstrumentDetails, error) {
	query := url.Values{"pair": {venuePair(symbol)}}
	var pairs map[string]assetPair
	if err := a.getResult(ctx, "/0/public/AssetPairs", query, &pairs); err != nil {
		return nil, err
	}
	for _, p := range pairs {
		tick, _ := strconv.ParseFloat(p.TickSize, 64)
		minAmount, _ := strconv.ParseFloat(p.OrderMin, 64)
		lotDecimals, _ := p.LotDecMax.Int64()
		details := &plugin.InstrumentDetails{
			Symbol:         symbol,
			Active:         p.Status == "" || p.Status == "online",
			PriceIncrement: tick,
			MinAmount:      minAmount,
		}
		if lotDecimals > 0 {
			details.AmountIncrement = 1 / pow10(int(lotDecimals))
		}
		return details, nil
	}
	return nil, plugin.NewPluginError(providerID, "unknown symbol "+symbol, nil)
}

func pow10(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}

// ohlcRow is [time(sec), open, high, low, close, vwap, volume, count] with
// decimal strings.
type ohlcRow []interface{}

func (r ohlcRow) bar() (market.Bar, error) {
	if len(r) < 7 {
		return market.Bar{}, fmt.Errorf("ohlc row has %d fields", len(r))
	}
	sec, ok := r[0].(float64)
	if !ok {
		return market.Bar{}, fmt.Errorf("ohlc time %v", r[0])
	}
	b := market.Bar{Timestamp: int64(sec) * 1000}
	idx := map[int]*float64{1: &b.Open, 2: &b.High, 3: &b.Low, 4: &b.Close, 6: &b.Volume}
	for i, dst := range idx {
		s, ok := r[i].(string)
		if !ok {
			return market.Bar{}, fmt.Errorf("ohlc field %d: %v", i, r[i])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("ohlc field %d: %w", i, err)
		}
		*dst = v
	}
	return b, nil
}

// decodeOHLC pulls the pair's row list out of the result object, whose key
// is the venue's internal pair id ("last" is the continuation cursor).
func decodeOHLC(result map[string]json.RawMessage) ([]ohlcRow, error) {
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows []ohlcRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	return nil, errors.New("result has no pair data")
}

// FetchHistoricalOHLCV returns ascending bars with timestamp >= sinceMs. The
// venue serves at most ~720 rows per call.
func (a *Adapter) FetchHistoricalOHLCV(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]market.Bar, error) {
	minutes, ok := timeframeMinutes[timeframe]
	if !ok {
		return nil, plugin.NewNotSupportedError(providerID, "timeframe "+timeframe)
	}
	query := url.Values{
		"pair":     {venuePair(symbol)},
		"interval": {strconv.Itoa(minutes)},
	}
	if sinceMs > 0 {
		// The venue's since is exclusive and in seconds.
		query.Set("since", strconv.FormatInt(sinceMs/1000-1, 10))
	}

	var result map[string]json.RawMessage
	if err := a.getResult(ctx, "/0/public/OHLC", query, &result); err != nil {
		return nil, err
	}
	rows, err := decodeOHLC(result)
	if err != nil {
		return nil, plugin.NewPluginError(providerID, "parse ohlc", err)
	}

	bars := make([]market.Bar, 0, len(rows))
	for _, row := range rows {
		b, err := row.bar()
		if err != nil {
			return nil, plugin.NewPluginError(providerID, "parse ohlc", err)
		}
		if sinceMs > 0 && b.Timestamp < sinceMs {
			continue
		}
		bars = append(bars, b)
		if limit > 0 && len(bars) == limit {
			break
		}
	}
	return bars, nil
}

// FetchLatestOHLCV returns the most recent (forming) bar.
func (a *Adapter) FetchLatestOHLCV(ctx context.Context, symbol, timeframe string) (*market.Bar, error) {
	bars, err := a.FetchHistoricalOHLCV(ctx, symbol, timeframe, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	last := bars[len(bars)-1]
	return &last, nil
}

// FetchTicker returns the current quote for one pair.
func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*plugin.Ticker, error) {
	query := url.Values{"pair": {venuePair(symbol)}}
	var result map[string]struct {
		Ask  []string `json:"a"`
		Bid  []string `json:"b"`
		Last []string `json:"c"`
	}
	if err := a.getResult(ctx, "/0/public/Ticker", query, &result); err != nil {
		return nil, err
	}
	for _, tk := range result {
		ticker := &plugin.Ticker{
			Symbol:    market.DenormalizeSymbol(market.NormalizeSymbol(symbol)),
			Timestamp: time.Now().UnixMilli(),
		}
		if len(tk.Ask) > 0 {
			ticker.Ask, _ = strconv.ParseFloat(tk.Ask[0], 64)
		}
		if len(tk.Bid) > 0 {
			ticker.Bid, _ = strconv.ParseFloat(tk.Bid[0], 64)
		}
		if len(tk.Last) > 0 {
			ticker.Last, _ = strconv.ParseFloat(tk.Last[0], 64)
		}
		return ticker, nil
	}
	return nil, plugin.NewPluginError(providerID, "unknown symbol "+symbol, nil)
}

// FetchOrderBook returns a depth snapshot; depth <= 0 selects 20 levels.
// Venue levels are [price, volume, timestamp] triples.
func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, depth int) (*plugin.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	query := url.Values{
		"pair":  {venuePair(symbol)},
		"count": {strconv.Itoa(depth)},
	}
	var result map[string]struct {
		Asks [][]interface{} `json:"asks"`
		Bids [][]interface{} `json:"bids"`
	}
	if err := a.getResult(ctx, "/0/public/Depth", query, &result); err != nil {
		return nil, err
	}
	for _, book := range result {
		return &plugin.OrderBook{
			Symbol:    market.DenormalizeSymbol(market.NormalizeSymbol(symbol)),
			Bids:      parseDepthLevels(book.Bids),
			Asks:      parseDepthLevels(book.Asks),
			Timestamp: time.Now().UnixMilli(),
		}, nil
	}
	return nil, plugin.NewPluginError(providerID, "unknown symbol "+symbol, nil)
}

// parseDepthLevels reads [price, volume, timestamp] triples whose price and
// volume are decimal strings.
func parseDepthLevels(levels [][]interface{}) [][2]float64 {
	out := make([][2]float64, 0, len(levels))
	for _, lv := range levels {
		if len(lv) < 2 {
			continue
		}
		price, ok1 := decimal(lv[0])
		amount, ok2 := decimal(lv[1])
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, [2]float64{price, amount})
	}
	return out
}

func decimal(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// Package plugin defines the uniform capability interface over heterogeneous
// trading venues, the registry that discovers adapters by key and market, and
// the pool that shares configured instances across the process.
package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/market"
)

// Feature names one optional plugin capability. Callers must gate optional
// operations on Features() before invoking them.
type Feature string

const (
	FeatureStreamOHLCV      Feature = "stream_ohlcv"
	FeatureStreamTrades     Feature = "stream_trades"
	FeatureStreamOrderBook  Feature = "stream_order_book"
	FeatureStreamUserOrders Feature = "stream_user_orders"

	FeatureFetchTicker     Feature = "fetch_ticker"
	FeatureFetchOrderBook  Feature = "fetch_order_book"
	FeatureFetchOpenOrders Feature = "fetch_open_orders"

	FeatureTrading           Feature = "trading"
	FeatureInstrumentDetails Feature = "instrument_details"
)

// FeatureSet is the static capability table of one adapter.
type FeatureSet map[Feature]bool

// Has reports whether the feature is present.
func (f FeatureSet) Has(feature Feature) bool { return f[feature] }

// Credentials hold venue API key material for user-scoped instances.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Fingerprint returns a stable digest of the key material, used to share
// pooled instances between callers holding identical credentials.
func (c *Credentials) Fingerprint() string {
	if c == nil {
		return "anon"
	}
	sum := sha256.Sum256([]byte(c.APIKey + "\x00" + c.APISecret + "\x00" + c.Passphrase))
	return hex.EncodeToString(sum[:8])
}

// InstanceConfig is passed to adapter factories when the pool constructs a
// new instance.
type InstanceConfig struct {
	ProviderID     string
	Credentials    *Credentials
	Testnet        bool
	RequestTimeout time.Duration
	Extras         map[string]string
	Logger         zerolog.Logger
}

// Ticker is a venue's latest top-of-book quote.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Timestamp int64   `json:"timestamp"`
}

// Trade is one executed trade on a venue.
type Trade struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Side      string  `json:"side"` // "buy" or "sell"
	Timestamp int64   `json:"timestamp"`
}

// OrderBook is a depth snapshot; levels are [price, amount] pairs sorted
// best-first.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      [][2]float64 `json:"bids"`
	Asks      [][2]float64 `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// Order is a user order as reported by the venue.
type Order struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Filled    float64 `json:"filled"`
	Timestamp int64   `json:"timestamp"`
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Type   string  `json:"type"` // "market" or "limit"
	Price  float64 `json:"price,omitempty"`
	Amount float64 `json:"amount"`
}

// Position is an open position for derivatives venues.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

// Balance maps asset code to free amount.
type Balance map[string]float64

// InstrumentDetails describe tradability and precision of one symbol.
type InstrumentDetails struct {
	Symbol          string  `json:"symbol"`
	Active          bool    `json:"is_active"`
	PriceIncrement  float64 `json:"price_increment"`
	AmountIncrement float64 `json:"amount_increment"`
	MinAmount       float64 `json:"min_amount"`
}

// Plugin is the mandatory surface every venue adapter implements. Optional
// capabilities are expressed as the interfaces below and advertised through
// Features(); callers type-assert only after checking the feature table.
type Plugin interface {
	// Key returns the adapter key this instance was built from.
	Key() string
	// Provider returns the concrete venue id (binance, kraken, ...).
	Provider() string
	// Features returns the static capability table.
	Features() FeatureSet

	// GetSymbols lists tradable symbols for a market (canonical form).
	GetSymbols(ctx context.Context, marketName string) ([]string, error)
	// FetchHistoricalOHLCV returns ascending bars with timestamp >= sinceMs
	// (sinceMs <= 0 means venue default), at most limit bars.
	FetchHistoricalOHLCV(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]market.Bar, error)
	// FetchLatestOHLCV returns the most recent (possibly forming) bar, or nil.
	FetchLatestOHLCV(ctx context.Context, symbol, timeframe string) (*market.Bar, error)

	// Close releases sessions. Idempotent.
	Close() error
}

// TickerFetcher is the polling source for trade-kind fallback streams.
type TickerFetcher interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
}

// OrderBookFetcher is the polling source for order-book fallback streams.
type OrderBookFetcher interface {
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
}

// OpenOrdersFetcher is the polling source for user-order fallback streams.
type OpenOrdersFetcher interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
}

// OHLCVStreamer is a native push feed of bar updates. Stop must be callable
// concurrently with the handler and is idempotent.
type OHLCVStreamer interface {
	StreamOHLCV(ctx context.Context, symbol, timeframe string, handler func(market.Bar)) error
	StopOHLCV(symbol, timeframe string) error
}

// TradeStreamer is a native push feed of executed trades.
type TradeStreamer interface {
	StreamTrades(ctx context.Context, symbol string, handler func(Trade)) error
	StopTrades(symbol string) error
}

// OrderBookStreamer is a native push feed of depth snapshots.
type OrderBookStreamer interface {
	StreamOrderBook(ctx context.Context, symbol string, handler func(OrderBook)) error
	StopOrderBook(symbol string) error
}

// UserOrderStreamer is a native push feed of the caller's order events.
type UserOrderStreamer interface {
	StreamUserOrders(ctx context.Context, handler func(Order)) error
	StopUserOrders() error
}

// Trader places and cancels orders on venues that support trading.
type Trader interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	GetAccountBalance(ctx context.Context) (Balance, error)
	GetOpenPositions(ctx context.Context) ([]Position, error)
}

// InstrumentDetailer exposes per-symbol trading metadata.
type InstrumentDetailer interface {
	GetInstrumentTradingDetails(ctx context.Context, symbol string) (*InstrumentDetails, error)
}

// CredentialSource resolves venue credentials for a user. The credential
// store itself lives outside this core.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, userID, provider string) (*Credentials, error)
}

// NoCredentials is a CredentialSource that never yields credentials.
type NoCredentials struct{}

// CredentialsFor always returns nil credentials.
func (NoCredentials) CredentialsFor(context.Context, string, string) (*Credentials, error) {
	return nil, nil
}

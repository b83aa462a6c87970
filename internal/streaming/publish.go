package streaming

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

// Bus message construction. Every published message carries stream_type,
// provider and the client-facing (slash-delimited) symbol so listeners on a
// coarse channel can filter with pure functions.

func ohlcvMessage(provider, symbol, timeframe string, bar market.Bar) map[string]interface{} {
	return map[string]interface{}{
		"stream_type": string(market.KindOHLCV),
		"provider":    provider,
		"symbol":      symbol,
		"timeframe":   timeframe,
		"timestamp":   bar.Timestamp,
		"open":        bar.Open,
		"high":        bar.High,
		"low":         bar.Low,
		"close":       bar.Close,
		"volume":      bar.Volume,
	}
}

func tradeMessage(provider string, t plugin.Trade) map[string]interface{} {
	return map[string]interface{}{
		"stream_type": string(market.KindTrades),
		"provider":    provider,
		"symbol":      t.Symbol,
		"price":       t.Price,
		"amount":      t.Amount,
		"side":        t.Side,
		"timestamp":   t.Timestamp,
	}
}

// tickerMessage is the polling stand-in for a native trade feed.
func tickerMessage(provider, symbol string, tk plugin.Ticker) map[string]interface{} {
	return map[string]interface{}{
		"stream_type": string(market.KindTrades),
		"provider":    provider,
		"symbol":      symbol,
		"price":       tk.Last,
		"bid":         tk.Bid,
		"ask":         tk.Ask,
		"timestamp":   tk.Timestamp,
	}
}

func bookMessage(provider string, ob plugin.OrderBook) map[string]interface{} {
	return map[string]interface{}{
		"stream_type": string(market.KindOrderBook),
		"provider":    provider,
		"symbol":      ob.Symbol,
		"bids":        ob.Bids,
		"asks":        ob.Asks,
		"timestamp":   ob.Timestamp,
	}
}

func userOrderMessage(provider string, o plugin.Order) map[string]interface{} {
	return map[string]interface{}{
		"stream_type": string(market.KindUserOrders),
		"provider":    provider,
		"symbol":      o.Symbol,
		"order":       o,
	}
}

// userOrdersSnapshot wraps the full open-order set produced by polling.
func userOrdersSnapshot(provider string, orders []plugin.Order) map[string]interface{} {
	return map[string]interface{}{
		"stream_type": string(market.KindUserOrders),
		"provider":    provider,
		"orders":      orders,
	}
}

// contentHash returns a stable digest of a normalized message.
// encoding/json serializes map keys in sorted order, which makes the
// serialization order-independent.
func contentHash(msg map[string]interface{}) string {
	b, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

package binance

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

const (
	defaultWSBaseURL = "wss://stream.binance.com:9443"

	wsHandshakeTimeout = 10 * time.Second
	wsReadLimit        = 1 << 20
	reconnectMin       = time.Second
	reconnectMax       = 30 * time.Second
)

// streamHandle owns one venue WebSocket with its reconnect loop.
type streamHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *streamHandle) stop() {
	h.cancel()
	<-h.done
}

// startStream spawns the reconnecting read loop for one stream name. A
// second start for the same name is a no-op.
func (a *Adapter) startStream(parent context.Context, name string, onMessage func([]byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return plugin.NewPluginError(providerID, "adapter is closed", nil)
	}
	if _, ok := a.streams[name]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	h := &streamHandle{cancel: cancel, done: make(chan struct{})}
	a.streams[name] = h

	go func() {
		defer close(h.done)
		a.runStream(ctx, name, onMessage)
	}()
	return nil
}

func (a *Adapter) stopStream(name string) error {
	a.mu.Lock()
	h, ok := a.streams[name]
	delete(a.streams, name)
	a.mu.Unlock()
	if ok {
		h.stop()
	}
	return nil
}

// runStream dials and reads until cancelled, reconnecting with doubling
// backoff on any failure.
func (a *Adapter) runStream(ctx context.Context, name string, onMessage func([]byte)) {
	backoff := reconnectMin
	logger := a.logger.With().Str("stream", name).Logger()

	for ctx.Err() == nil {
		dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, a.wsBase+"/ws/"+name, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin
		conn.SetReadLimit(wsReadLimit)

		// Unblock the reader when the stream is stopped.
		closeOnCancel := context.AfterFunc(ctx, func() { _ = conn.Close() })
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				break
			}
			onMessage(payload)
		}
		closeOnCancel()
		_ = conn.Close()
		if ctx.Err() == nil {
			logger.Warn().Msg("stream disconnected, reconnecting")
		}
	}
}

func klineStreamName(symbol, timeframe string) string {
	return strings.ToLower(venueSymbol(symbol)) + "@kline_" + timeframe
}

// StreamOHLCV subscribes to the venue's kline stream. The handler receives
// both forming and closed bars.
func (a *Adapter) StreamOHLCV(ctx context.Context, symbol, timeframe string, handler func(market.Bar)) error {
	logger := a.logger
	return a.startStream(ctx, klineStreamName(symbol, timeframe), func(payload []byte) {
		var msg struct {
			Kline struct {
				OpenTime int64  `json:"t"`
				Open     string `json:"o"`
				High     string `json:"h"`
				Low      string `json:"l"`
				Close    string `json:"c"`
				Volume   string `json:"v"`
			} `json:"k"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Kline.OpenTime == 0 {
			logger.Debug().Err(err).Msg("unparseable kline frame")
			return
		}
		k := msg.Kline
		bar := market.Bar{Timestamp: k.OpenTime}
		var errs [5]error
		bar.Open, errs[0] = strconv.ParseFloat(k.Open, 64)
		bar.High, errs[1] = strconv.ParseFloat(k.High, 64)
		bar.Low, errs[2] = strconv.ParseFloat(k.Low, 64)
		bar.Close, errs[3] = strconv.ParseFloat(k.Close, 64)
		bar.Volume, errs[4] = strconv.ParseFloat(k.Volume, 64)
		for _, err := range errs {
			if err != nil {
				return
			}
		}
		handler(bar)
	})
}

// StopOHLCV ends the kline stream for the pair. Idempotent.
func (a *Adapter) StopOHLCV(symbol, timeframe string) error {
	return a.stopStream(klineStreamName(symbol, timeframe))
}

func tradeStreamName(symbol string) string {
	return strings.ToLower(venueSymbol(symbol)) + "@trade"
}

// StreamTrades subscribes to the venue's trade stream.
func (a *Adapter) StreamTrades(ctx context.Context, symbol string, handler func(plugin.Trade)) error {
	clientSymbol := market.DenormalizeSymbol(market.NormalizeSymbol(symbol))
	return a.startStream(ctx, tradeStreamName(symbol), func(payload []byte) {
		var msg struct {
			Event      string `json:"e"`
			Price      string `json:"p"`
			Quantity   string `json:"q"`
			TradeTime  int64  `json:"T"`
			BuyerMaker bool   `json:"m"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Event != "trade" {
			return
		}
		price, err1 := strconv.ParseFloat(msg.Price, 64)
		amount, err2 := strconv.ParseFloat(msg.Quantity, 64)
		if err1 != nil || err2 != nil {
			return
		}
		side := "buy"
		if msg.BuyerMaker {
			side = "sell"
		}
		handler(plugin.Trade{
			Symbol:    clientSymbol,
			Price:     price,
			Amount:    amount,
			Side:      side,
			Timestamp: msg.TradeTime,
		})
	})
}

// StopTrades ends the trade stream for the pair. Idempotent.
func (a *Adapter) StopTrades(symbol string) error {
	return a.stopStream(tradeStreamName(symbol))
}

func depthStreamName(symbol string) string {
	return strings.ToLower(venueSymbol(symbol)) + "@depth20@100ms"
}

// StreamOrderBook subscribes to the venue's 20-level partial book stream.
func (a *Adapter) StreamOrderBook(ctx context.Context, symbol string, handler func(plugin.OrderBook)) error {
	clientSymbol := market.DenormalizeSymbol(market.NormalizeSymbol(symbol))
	return a.startStream(ctx, depthStreamName(symbol), func(payload []byte) {
		var msg struct {
			LastUpdateID int64       `json:"lastUpdateId"`
			Bids         [][2]string `json:"bids"`
			Asks         [][2]string `json:"asks"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.LastUpdateID == 0 {
			return
		}
		handler(plugin.OrderBook{
			Symbol:    clientSymbol,
			Bids:      parseLevels(msg.Bids),
			Asks:      parseLevels(msg.Asks),
			Timestamp: time.Now().UnixMilli(),
		})
	})
}

// StopOrderBook ends the depth stream for the pair. Idempotent.
func (a *Adapter) StopOrderBook(symbol string) error {
	return a.stopStream(depthStreamName(symbol))
}

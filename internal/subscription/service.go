// Package subscription manages per-client view lifecycles: it answers
// subscribe and unsubscribe requests, serves the initial history snapshot,
// runs one bus listener per held view and keeps the connection/view
// bookkeeping consistent with the upstream feed refcounts.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/bus"
	"github.com/churst90/accessible-trader-sub001/internal/history"
	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/metrics"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
	"github.com/churst90/accessible-trader-sub001/internal/streaming"
)

// Client is the outbound side of one connection. Send must be safe for
// concurrent use; implementations decide how non-critical frames are shed
// under backpressure.
type Client interface {
	ID() string
	UserID() string
	Send(env Envelope) error
}

// StreamManager acquires and releases shared upstream feeds.
type StreamManager interface {
	EnsureActive(ctx context.Context, req streaming.StreamRequest) error
	Release(req streaming.StreamRequest) bool
}

// SnapshotFetcher serves the initial chart history for OHLCV views.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, req history.Request) ([]market.Bar, error)
}

// Request carries the client-supplied parameters of a subscribe or
// unsubscribe message.
type Request struct {
	Market     string `json:"market"`
	Provider   string `json:"provider"`
	Symbol     string `json:"symbol"`
	StreamType string `json:"stream_type"`
	Timeframe  string `json:"timeframe,omitempty"`
	SinceMs    int64  `json:"since,omitempty"`
}

// Service owns every live view. One instance serves all connections.
type Service struct {
	registry *Registry
	streams  StreamManager
	history  SnapshotFetcher
	bus      bus.Bus

	snapshotPoints int
	logger         zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*connState
	closed bool
}

type connState struct {
	client Client

	// mu serializes subscribe/unsubscribe/disconnect for one connection so
	// a disconnect cannot interleave with a half-built view.
	mu    sync.Mutex
	views map[market.ViewKey]*viewState
}

type viewState struct {
	key    market.ViewKey
	stream streaming.StreamRequest
	cancel context.CancelFunc
	sub    bus.Subscription
	done   chan struct{}
}

// NewService builds the subscription service. snapshotPoints caps the
// initial OHLCV batch.
func NewService(registry *Registry, streams StreamManager, hist SnapshotFetcher, b bus.Bus, snapshotPoints int, logger zerolog.Logger) *Service {
	return &Service{
		registry:       registry,
		streams:        streams,
		history:        hist,
		bus:            b,
		snapshotPoints: snapshotPoints,
		logger:         logger.With().Str("component", "subscription").Logger(),
		conns:          make(map[string]*connState),
	}
}

// resolve validates the request and produces the stream request plus view
// key the rest of the flow works with.
func (s *Service) resolve(client Client, req Request) (streaming.StreamRequest, market.ViewKey, error) {
	var zero streaming.StreamRequest

	kind, err := market.ParseStreamKind(req.StreamType)
	if err != nil {
		return zero, market.ViewKey{}, err
	}
	if req.Market == "" || req.Provider == "" {
		return zero, market.ViewKey{}, fmt.Errorf("market and provider are required")
	}

	sreq := streaming.StreamRequest{
		Market:   req.Market,
		Provider: req.Provider,
		Symbol:   req.Symbol,
		Kind:     kind,
	}

	switch kind {
	case market.KindOHLCV:
		if _, err := market.ParseTimeframe(req.Timeframe); err != nil {
			return zero, market.ViewKey{}, fmt.Errorf("timeframe: %w", err)
		}
		sreq.Timeframe = req.Timeframe
		if req.Symbol == "" {
			return zero, market.ViewKey{}, fmt.Errorf("symbol is required")
		}
	case market.KindUserOrders:
		uid := client.UserID()
		if uid == "" {
			return zero, market.ViewKey{}, fmt.Errorf("authentication required for %s", market.KindUserOrders)
		}
		sreq.UserID = uid
		sreq.UserCtx = uid
	default:
		if req.Symbol == "" {
			return zero, market.ViewKey{}, fmt.Errorf("symbol is required")
		}
	}

	key := market.NewViewKey(sreq.Market, sreq.Provider, sreq.Symbol, kind, sreq.Timeframe, sreq.UserCtx)
	return sreq, key, nil
}

func (s *Service) connFor(client Client) (*connState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("subscription service is shut down")
	}
	conn, ok := s.conns[client.ID()]
	if !ok {
		conn = &connState{client: client, views: make(map[market.ViewKey]*viewState)}
		s.conns[client.ID()] = conn
	}
	return conn, nil
}

// HandleSubscribe runs the full subscribe flow for one view: validate,
// register, snapshot (OHLCV), activate the shared upstream, attach a bus
// listener, then ack. Failures are reported to the client and leave no
// partial state behind.
func (s *Service) HandleSubscribe(ctx context.Context, client Client, req Request) error {
	sreq, key, err := s.resolve(client, req)
	if err != nil {
		s.sendOrLog(client, errorEnvelope(err.Error()))
		return err
	}

	conn, err := s.connFor(client)
	if err != nil {
		s.sendOrLog(client, errorEnvelope(err.Error()))
		return err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if _, ok := conn.views[key]; ok {
		s.sendOrLog(client, statusEnvelope("already subscribed to "+key.Channel()))
		return nil
	}
	s.sendOrLog(client, statusEnvelope("subscribing to "+key.Channel()))

	s.registry.Register(client.ID(), key)

	if key.Kind == market.KindOHLCV {
		if err := s.sendSnapshot(ctx, client, key, req.SinceMs); err != nil {
			s.registry.UnregisterOne(client.ID(), key)
			s.sendOrLog(client, errorEnvelope("history snapshot failed: "+err.Error()))
			return err
		}
	}

	if err := s.streams.EnsureActive(ctx, sreq); err != nil {
		s.registry.UnregisterOne(client.ID(), key)
		msg := "stream activation failed: " + err.Error()
		if plugin.IsNotSupported(err) {
			msg = fmt.Sprintf("%s is not available on %s", key.Kind, key.Provider)
		}
		s.sendOrLog(client, errorEnvelope(msg))
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	sub, err := s.bus.Subscribe(listenCtx, key.Channel())
	if err != nil {
		cancel()
		s.streams.Release(sreq)
		s.registry.UnregisterOne(client.ID(), key)
		s.sendOrLog(client, errorEnvelope("listener attach failed"))
		return fmt.Errorf("subscribe to %s: %w", key.Channel(), err)
	}

	view := &viewState{
		key:    key,
		stream: sreq,
		cancel: cancel,
		sub:    sub,
		done:   make(chan struct{}),
	}
	conn.views[key] = view
	metrics.ActiveViews.Inc()
	go s.listen(listenCtx, conn.client, view)

	s.sendOrLog(client, statusEnvelope("subscribed to "+key.Channel()))
	s.logger.Info().Str("conn", client.ID()).Str("channel", key.Channel()).Msg("view subscribed")
	return nil
}

// sendSnapshot fetches recent bars and delivers the initial batch. An empty
// window is still delivered so the client can render an empty chart.
func (s *Service) sendSnapshot(ctx context.Context, client Client, key market.ViewKey, sinceMs int64) error {
	bars, err := s.history.Fetch(ctx, history.Request{
		Market:    key.Market,
		Provider:  key.Provider,
		Symbol:    key.Symbol,
		Timeframe: key.Discriminator,
		SinceMs:   sinceMs,
		Limit:     s.snapshotPoints,
		UserID:    client.UserID(),
	})
	if err != nil {
		return err
	}
	metrics.SnapshotBars.Observe(float64(len(bars)))

	payload := OHLCVPayload{
		OHLC:         make([][5]float64, 0, len(bars)),
		Volume:       make([][2]float64, 0, len(bars)),
		InitialBatch: true,
	}
	for _, b := range bars {
		ts := float64(b.Timestamp)
		payload.OHLC = append(payload.OHLC, [5]float64{ts, b.Open, b.High, b.Low, b.Close})
		payload.Volume = append(payload.Volume, [2]float64{ts, b.Volume})
	}
	return client.Send(Envelope{
		Type:      TypeData,
		Symbol:    key.ClientSymbol(),
		Timeframe: key.Discriminator,
		Payload:   payload,
	})
}

// listen pumps bus messages for one view to its client until the view is
// cancelled, the bus subscription closes, or the client stops accepting.
func (s *Service) listen(ctx context.Context, client Client, view *viewState) {
	defer close(view.done)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-view.sub.Messages():
			if !ok {
				return
			}
			env, ok := s.format(view.key, payload)
			if !ok {
				continue
			}
			if err := client.Send(env); err != nil {
				s.logger.Warn().Err(err).Str("conn", client.ID()).Str("channel", view.key.Channel()).Msg("client send failed, stopping listener")
				return
			}
		}
	}
}

// format filters a raw bus message against the view and shapes the outbound
// envelope. Messages for other symbols or timeframes on the same channel are
// dropped here.
func (s *Service) format(key market.ViewKey, payload []byte) (Envelope, bool) {
	var msg map[string]interface{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn().Err(err).Str("channel", key.Channel()).Msg("malformed bus message")
		return Envelope{}, false
	}
	if kind, _ := msg["stream_type"].(string); kind != string(key.Kind) {
		return Envelope{}, false
	}

	switch key.Kind {
	case market.KindOHLCV:
		symbol, _ := msg["symbol"].(string)
		timeframe, _ := msg["timeframe"].(string)
		if symbol != key.ClientSymbol() || timeframe != key.Discriminator {
			return Envelope{}, false
		}
		ts, _ := msg["timestamp"].(float64)
		o, _ := msg["open"].(float64)
		h, _ := msg["high"].(float64)
		l, _ := msg["low"].(float64)
		c, _ := msg["close"].(float64)
		v, _ := msg["volume"].(float64)
		return Envelope{
			Type:      TypeUpdate,
			Symbol:    symbol,
			Timeframe: timeframe,
			Payload: OHLCVPayload{
				OHLC:   [][5]float64{{ts, o, h, l, c}},
				Volume: [][2]float64{{ts, v}},
			},
		}, true

	case market.KindTrades:
		symbol, _ := msg["symbol"].(string)
		if symbol != key.ClientSymbol() {
			return Envelope{}, false
		}
		return Envelope{Type: TypeTradeUpdate, Symbol: symbol, Payload: msg}, true

	case market.KindOrderBook:
		symbol, _ := msg["symbol"].(string)
		if symbol != key.ClientSymbol() {
			return Envelope{}, false
		}
		return Envelope{Type: TypeBookUpdate, Symbol: symbol, Payload: msg}, true

	case market.KindUserOrders:
		provider, _ := msg["provider"].(string)
		if provider != key.Provider {
			return Envelope{}, false
		}
		return Envelope{Type: TypeUserOrderUpdate, Provider: provider, Payload: msg}, true
	}
	return Envelope{}, false
}

// HandleUnsubscribe tears down one view the client holds.
func (s *Service) HandleUnsubscribe(ctx context.Context, client Client, req Request) error {
	_, key, err := s.resolve(client, req)
	if err != nil {
		s.sendOrLog(client, errorEnvelope(err.Error()))
		return err
	}

	s.mu.Lock()
	conn, ok := s.conns[client.ID()]
	s.mu.Unlock()
	if !ok {
		s.sendOrLog(client, errorEnvelope("not subscribed to "+key.Channel()))
		return fmt.Errorf("connection %s holds no views", client.ID())
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	view, ok := conn.views[key]
	if !ok {
		s.sendOrLog(client, errorEnvelope("not subscribed to "+key.Channel()))
		return fmt.Errorf("connection %s does not hold %s", client.ID(), key.Channel())
	}
	delete(conn.views, key)
	s.cleanupView(client.ID(), view)

	s.sendOrLog(client, statusEnvelope("unsubscribed from "+key.Channel()))
	s.logger.Info().Str("conn", client.ID()).Str("channel", key.Channel()).Msg("view unsubscribed")
	return nil
}

// HandleDisconnect releases every view the connection holds. No frames are
// sent; the connection is gone.
func (s *Service) HandleDisconnect(client Client) {
	s.mu.Lock()
	conn, ok := s.conns[client.ID()]
	delete(s.conns, client.ID())
	s.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for key, view := range conn.views {
		delete(conn.views, key)
		s.cleanupView(client.ID(), view)
	}
	s.logger.Info().Str("conn", client.ID()).Msg("connection views released")
}

// cleanupView runs the teardown order: stop the listener, drop the shared
// feed reference, then clear the bookkeeping. Callers hold the connection
// lock.
func (s *Service) cleanupView(connID string, view *viewState) {
	view.cancel()
	view.sub.Close()
	<-view.done
	s.streams.Release(view.stream)
	s.registry.UnregisterOne(connID, view.key)
	metrics.ActiveViews.Dec()
}

// Shutdown releases every connection's views. Used on process exit, before
// the streaming manager itself shuts down.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	clients := make([]Client, 0, len(s.conns))
	for _, conn := range s.conns {
		clients = append(clients, conn.client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		s.HandleDisconnect(client)
	}
}

// ActiveViews returns the number of live (connection, view) pairs.
func (s *Service) ActiveViews() int {
	return s.registry.Pairs()
}

func (s *Service) sendOrLog(client Client, env Envelope) {
	if err := client.Send(env); err != nil {
		s.logger.Warn().Err(err).Str("conn", client.ID()).Str("type", env.Type).Msg("frame delivery failed")
	}
}

// Package streaming owns the set of upstream feeds. Each distinct view key
// maps to one reference-counted stream record: the first interested view
// starts the feed, the last one stops it. Native venue streams are preferred;
// REST polling with change detection is the fallback.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/bus"
	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/metrics"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

const publishTimeout = 5 * time.Second

// StreamRequest identifies one upstream feed.
type StreamRequest struct {
	Market    string
	Provider  string
	Symbol    string
	Kind      market.StreamKind
	Timeframe string // OHLCV only
	UserID    string // user-scoped feeds: credential owner
	UserCtx   string // user-scoped feeds: channel identity
}

func (r StreamRequest) viewKey() market.ViewKey {
	return market.NewViewKey(r.Market, r.Provider, r.Symbol, r.Kind, r.Timeframe, r.UserCtx)
}

type activationMode string

const (
	modeNative  activationMode = "native"
	modePolling activationMode = "polling"
)

type streamRecord struct {
	key  market.ViewKey
	mode activationMode
	refs int

	cancel        context.CancelFunc
	stopNative    func() error
	releasePlugin func()
	ready         chan struct{} // closed when activation settles
	done          chan struct{} // closed when the polling task exits
	err           error         // set before ready closes on failed activation

	once sync.Once
}

// teardown cancels the task, stops the native stream and releases the pooled
// plugin. Idempotent.
func (r *streamRecord) teardown(logger zerolog.Logger) {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.stopNative != nil {
			if err := r.stopNative(); err != nil {
				logger.Warn().Err(err).Str("channel", r.key.Channel()).Msg("native stream stop failed")
			}
		}
		if r.releasePlugin != nil {
			r.releasePlugin()
		}
		metrics.ActiveStreams.WithLabelValues(string(r.mode)).Dec()
	})
}

// Manager acquires and releases upstream feeds and publishes their
// normalized updates to the bus.
type Manager struct {
	bus       bus.Bus
	pool      *plugin.Pool
	registry  *plugin.Registry
	creds     plugin.CredentialSource
	intervals func(market.StreamKind) time.Duration
	validator *plugin.SymbolValidator
	logger    zerolog.Logger

	mu      sync.Mutex
	records map[market.ViewKey]*streamRecord
	closed  bool
	wg      sync.WaitGroup
}

// NewManager builds a streaming manager. intervals yields the fallback
// polling interval per kind.
func NewManager(b bus.Bus, pool *plugin.Pool, registry *plugin.Registry, creds plugin.CredentialSource, intervals func(market.StreamKind) time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		bus:       b,
		pool:      pool,
		registry:  registry,
		creds:     creds,
		intervals: intervals,
		validator: plugin.NewSymbolValidator(),
		logger:    logger.With().Str("component", "streaming").Logger(),
		records:   make(map[market.ViewKey]*streamRecord),
	}
}

// EnsureActive starts (or joins) the upstream feed for the request. Every
// successful call must be paired with one Release.
func (m *Manager) EnsureActive(ctx context.Context, req StreamRequest) error {
	key := req.viewKey()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("streaming manager is shut down")
	}
	if rec, ok := m.records[key]; ok {
		rec.refs++
		m.mu.Unlock()
		// Another caller is (or was) activating; wait for the outcome.
		<-rec.ready
		return rec.err
	}
	rec := &streamRecord{
		key:   key,
		refs:  1,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	m.records[key] = rec
	m.mu.Unlock()

	if err := m.activate(ctx, rec, req); err != nil {
		m.mu.Lock()
		delete(m.records, key)
		m.mu.Unlock()
		rec.err = err
		close(rec.ready)
		close(rec.done)
		return err
	}

	metrics.ActiveStreams.WithLabelValues(string(rec.mode)).Inc()
	close(rec.ready)
	m.logger.Info().Str("channel", key.Channel()).Str("mode", string(rec.mode)).Msg("stream activated")
	return nil
}

// Release drops one reference; the last reference tears the feed down.
// Returns false when no record exists for the request.
func (m *Manager) Release(req StreamRequest) bool {
	key := req.viewKey()

	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn().Str("channel", key.Channel()).Msg("release of unknown stream")
		return false
	}
	rec.refs--
	if rec.refs > 0 {
		m.mu.Unlock()
		return true
	}
	delete(m.records, key)
	m.mu.Unlock()

	rec.teardown(m.logger)
	m.logger.Info().Str("channel", key.Channel()).Msg("stream released")
	return true
}

// Refcount returns the current reference count for the request's feed.
func (m *Manager) Refcount(req StreamRequest) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[req.viewKey()]; ok {
		return rec.refs
	}
	return 0
}

// ActiveStreams returns the number of live records.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Shutdown tears down every feed and waits for polling tasks to exit, or
// until ctx expires. Safe to call once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	snapshot := make([]*streamRecord, 0, len(m.records))
	for _, rec := range m.records {
		snapshot = append(snapshot, rec)
	}
	m.records = make(map[market.ViewKey]*streamRecord)
	m.mu.Unlock()

	for _, rec := range snapshot {
		rec.teardown(m.logger)
	}

	waitCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("streaming shutdown timed out: %w", ctx.Err())
	}
}

// activate acquires a plugin and wires either a native stream or a polling
// task into the record.
func (m *Manager) activate(ctx context.Context, rec *streamRecord, req StreamRequest) error {
	key := rec.key

	var creds *plugin.Credentials
	if req.UserID != "" {
		c, err := m.creds.CredentialsFor(ctx, req.UserID, key.Provider)
		if err != nil {
			return fmt.Errorf("resolve credentials: %w", err)
		}
		creds = c
	}

	adapterKey, ok := m.registry.KeyForProvider(key.Provider)
	if !ok {
		return fmt.Errorf("no plugin handles provider %q", key.Provider)
	}
	p, releasePlugin, err := m.pool.Acquire(ctx, adapterKey, key.Provider, creds, false)
	if err != nil {
		return err
	}
	rec.releasePlugin = releasePlugin

	// Reject dead symbols up front; venues without instrument details skip
	// the check.
	if key.Kind != market.KindUserOrders {
		if active, err := m.validator.Validate(ctx, p, key.ClientSymbol()); err == nil && !active {
			releasePlugin()
			rec.releasePlugin = nil
			return plugin.NewPluginError(key.Provider, "symbol "+key.ClientSymbol()+" is not tradable", nil)
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel

	if stop, ok := m.startNative(streamCtx, p, key); ok {
		rec.mode = modeNative
		rec.stopNative = stop
		close(rec.done) // no task to wait for
		return nil
	}

	fetch, ok := m.pollFetcher(p, key)
	if !ok {
		cancel()
		releasePlugin()
		rec.releasePlugin = nil
		rec.cancel = nil
		return plugin.NewNotSupportedError(key.Provider, string(key.Kind)+" streaming or polling")
	}

	rec.mode = modePolling
	task := &pollTask{
		manager:  m,
		rec:      rec,
		key:      key,
		interval: m.intervals(key.Kind),
		fetch:    fetch,
		logger:   m.logger.With().Str("channel", key.Channel()).Logger(),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		task.run(streamCtx)
	}()
	return nil
}

// startNative tries the native stream matching the view kind. Returns the
// stop function and true when streaming began.
func (m *Manager) startNative(ctx context.Context, p plugin.Plugin, key market.ViewKey) (func() error, bool) {
	features := p.Features()
	symbol := key.ClientSymbol()

	switch key.Kind {
	case market.KindOHLCV:
		streamer, ok := p.(plugin.OHLCVStreamer)
		if !ok || !features.Has(plugin.FeatureStreamOHLCV) {
			return nil, false
		}
		timeframe := key.Discriminator
		err := streamer.StreamOHLCV(ctx, symbol, timeframe, func(b market.Bar) {
			m.publish(key, ohlcvMessage(key.Provider, symbol, timeframe, b))
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("channel", key.Channel()).Msg("native stream failed, trying polling")
			return nil, false
		}
		return func() error { return streamer.StopOHLCV(symbol, timeframe) }, true

	case market.KindTrades:
		streamer, ok := p.(plugin.TradeStreamer)
		if !ok || !features.Has(plugin.FeatureStreamTrades) {
			return nil, false
		}
		err := streamer.StreamTrades(ctx, symbol, func(t plugin.Trade) {
			m.publish(key, tradeMessage(key.Provider, t))
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("channel", key.Channel()).Msg("native stream failed, trying polling")
			return nil, false
		}
		return func() error { return streamer.StopTrades(symbol) }, true

	case market.KindOrderBook:
		streamer, ok := p.(plugin.OrderBookStreamer)
		if !ok || !features.Has(plugin.FeatureStreamOrderBook) {
			return nil, false
		}
		err := streamer.StreamOrderBook(ctx, symbol, func(ob plugin.OrderBook) {
			m.publish(key, bookMessage(key.Provider, ob))
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("channel", key.Channel()).Msg("native stream failed, trying polling")
			return nil, false
		}
		return func() error { return streamer.StopOrderBook(symbol) }, true

	case market.KindUserOrders:
		streamer, ok := p.(plugin.UserOrderStreamer)
		if !ok || !features.Has(plugin.FeatureStreamUserOrders) {
			return nil, false
		}
		err := streamer.StreamUserOrders(ctx, func(o plugin.Order) {
			m.publish(key, userOrderMessage(key.Provider, o))
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("channel", key.Channel()).Msg("native stream failed, trying polling")
			return nil, false
		}
		return streamer.StopUserOrders, true
	}
	return nil, false
}

// pollFetcher builds the REST fallback for the view kind, when the venue
// offers a compatible fetch.
func (m *Manager) pollFetcher(p plugin.Plugin, key market.ViewKey) (func(context.Context) (map[string]interface{}, error), bool) {
	features := p.Features()
	symbol := key.ClientSymbol()

	switch key.Kind {
	case market.KindOHLCV:
		timeframe := key.Discriminator
		return func(ctx context.Context) (map[string]interface{}, error) {
			bar, err := p.FetchLatestOHLCV(ctx, symbol, timeframe)
			if err != nil {
				return nil, err
			}
			if bar == nil {
				return nil, nil
			}
			return ohlcvMessage(key.Provider, symbol, timeframe, *bar), nil
		}, true

	case market.KindTrades:
		fetcher, ok := p.(plugin.TickerFetcher)
		if !ok || !features.Has(plugin.FeatureFetchTicker) {
			return nil, false
		}
		return func(ctx context.Context) (map[string]interface{}, error) {
			tk, err := fetcher.FetchTicker(ctx, symbol)
			if err != nil {
				return nil, err
			}
			if tk == nil {
				return nil, nil
			}
			return tickerMessage(key.Provider, symbol, *tk), nil
		}, true

	case market.KindOrderBook:
		fetcher, ok := p.(plugin.OrderBookFetcher)
		if !ok || !features.Has(plugin.FeatureFetchOrderBook) {
			return nil, false
		}
		return func(ctx context.Context) (map[string]interface{}, error) {
			ob, err := fetcher.FetchOrderBook(ctx, symbol, 0)
			if err != nil {
				return nil, err
			}
			if ob == nil {
				return nil, nil
			}
			return bookMessage(key.Provider, *ob), nil
		}, true

	case market.KindUserOrders:
		fetcher, ok := p.(plugin.OpenOrdersFetcher)
		if !ok || !features.Has(plugin.FeatureFetchOpenOrders) {
			return nil, false
		}
		return func(ctx context.Context) (map[string]interface{}, error) {
			orders, err := fetcher.FetchOpenOrders(ctx, "")
			if err != nil {
				return nil, err
			}
			return userOrdersSnapshot(key.Provider, orders), nil
		}, true
	}
	return nil, false
}

// publish serializes and sends one normalized message on the record's
// channel.
func (m *Manager) publish(key market.ViewKey, msg map[string]interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("channel", key.Channel()).Msg("marshal of bus message failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, key.Channel(), payload); err != nil {
		m.logger.Error().Err(err).Str("channel", key.Channel()).Msg("bus publish failed")
		return
	}
	metrics.PublishedMessages.WithLabelValues(string(key.Kind), key.Provider).Inc()
}

// removeTerminal drops a record whose polling source turned out to be
// terminally unavailable. Pending references die with the record.
func (m *Manager) removeTerminal(key market.ViewKey, rec *streamRecord) {
	m.mu.Lock()
	if current, ok := m.records[key]; ok && current == rec {
		delete(m.records, key)
	}
	m.mu.Unlock()
	rec.teardown(m.logger)
}

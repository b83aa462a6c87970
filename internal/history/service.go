// Package history implements the historical OHLCV fetch path: warehouse
// range queries first, plugin backfill for the gaps, and resampling of
// 1-minute bars for timeframes a venue does not serve natively.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
	"github.com/churst90/accessible-trader-sub001/internal/warehouse"
)

// TimeframeLister is implemented by adapters whose venue serves only a fixed
// set of native timeframes. Absent the interface, every timeframe is assumed
// native.
type TimeframeLister interface {
	SupportedTimeframes() []string
}

// Request describes one historical fetch.
type Request struct {
	Market    string
	Provider  string
	Symbol    string // client or canonical form; normalized internally
	Timeframe string
	SinceMs   int64 // <= 0: derive from limit
	UntilMs   int64 // <= 0: now
	Limit     int
	UserID    string // non-empty: resolve user credentials
}

// Service merges warehouse and plugin data into complete bar ranges.
type Service struct {
	pool      *plugin.Pool
	registry  *plugin.Registry
	store     warehouse.Store
	creds     plugin.CredentialSource
	chunkSize int
	maxChunks int
	logger    zerolog.Logger

	// test seam; defaults to time.Now
	now func() time.Time
}

// NewService builds the fetch path. chunkSize and maxChunks bound plugin
// backfill per the DEFAULT_PLUGIN_CHUNK_SIZE / MAX_PLUGIN_CHUNKS_PER_GAP
// configuration.
func NewService(pool *plugin.Pool, registry *plugin.Registry, store warehouse.Store, creds plugin.CredentialSource, chunkSize, maxChunks int, logger zerolog.Logger) *Service {
	return &Service{
		pool:      pool,
		registry:  registry,
		store:     store,
		creds:     creds,
		chunkSize: chunkSize,
		maxChunks: maxChunks,
		logger:    logger.With().Str("component", "history").Logger(),
		now:       time.Now,
	}
}

// Fetch returns ascending, deduplicated bars for the request, truncated to
// the limit. New bars obtained from the venue are persisted back to the
// warehouse, so repeated fetches converge on warehouse-only reads.
func (s *Service) Fetch(ctx context.Context, req Request) ([]market.Bar, error) {
	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, err
	}
	tfMs := tf.Millis()

	until := req.UntilMs
	if until <= 0 {
		until = s.now().UnixMilli()
	}
	since := req.SinceMs
	if since <= 0 && req.Limit > 0 {
		since = until - int64(req.Limit)*tfMs
	}
	if since < 0 {
		since = 0
	}

	key := warehouse.BarKey{
		Market:    req.Market,
		Provider:  req.Provider,
		Symbol:    market.NormalizeSymbol(req.Symbol),
		Timeframe: req.Timeframe,
	}

	stored, err := s.store.Query(ctx, key, since, until, 0)
	if err != nil {
		return nil, fmt.Errorf("warehouse query: %w", err)
	}

	if satisfies(stored, since, until, tfMs, req.Limit) {
		return truncate(stored, req.Limit), nil
	}

	p, release, err := s.acquire(ctx, req)
	if err != nil {
		// A degraded venue must not break reads the warehouse can serve.
		if len(stored) > 0 {
			s.logger.Warn().Err(err).Str("provider", req.Provider).Msg("plugin unavailable, serving warehouse data only")
			return truncate(stored, req.Limit), nil
		}
		return nil, err
	}
	defer release()

	fetched, err := s.backfill(ctx, p, key, stored, tf, since, until)
	if err != nil {
		if len(stored) > 0 {
			s.logger.Warn().Err(err).Str("provider", req.Provider).Msg("backfill failed, serving warehouse data only")
			return truncate(stored, req.Limit), nil
		}
		return nil, err
	}

	return truncate(market.MergeBars(stored, fetched), req.Limit), nil
}

func (s *Service) acquire(ctx context.Context, req Request) (plugin.Plugin, func(), error) {
	adapterKey, ok := s.registry.KeyForProvider(req.Provider)
	if !ok {
		return nil, nil, fmt.Errorf("no plugin handles provider %q", req.Provider)
	}
	var creds *plugin.Credentials
	if req.UserID != "" {
		c, err := s.creds.CredentialsFor(ctx, req.UserID, req.Provider)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve credentials: %w", err)
		}
		creds = c
	}
	return s.pool.Acquire(ctx, adapterKey, req.Provider, creds, false)
}

// backfill fills every contiguous gap in the stored range from the venue,
// upserting new bars as it goes. Timeframes the venue does not serve are
// synthesized from 1-minute bars.
func (s *Service) backfill(ctx context.Context, p plugin.Plugin, key warehouse.BarKey, stored []market.Bar, tf market.Timeframe, since, until int64) ([]market.Bar, error) {
	if !nativeTimeframe(p, tf) {
		return s.backfillResampled(ctx, p, key, tf, since, until)
	}

	var out []market.Bar
	for _, g := range gaps(stored, since, until, tf.Millis()) {
		bars, err := s.fetchRange(ctx, p, key, tf.String(), g.start, g.end)
		if err != nil {
			return out, err
		}
		out = append(out, bars...)
	}
	return out, nil
}

// fetchRange pulls [start, end) from the venue in chunks, persisting each
// chunk. Chunking advances since one millisecond past the last received bar.
func (s *Service) fetchRange(ctx context.Context, p plugin.Plugin, key warehouse.BarKey, timeframe string, start, end int64) ([]market.Bar, error) {
	var out []market.Bar
	cursor := start
	for chunk := 0; chunk < s.maxChunks && cursor < end; chunk++ {
		bars, err := p.FetchHistoricalOHLCV(ctx, market.DenormalizeSymbol(key.Symbol), timeframe, cursor, s.chunkSize)
		if err != nil {
			return out, err
		}
		if len(bars) == 0 {
			break
		}

		kept := bars[:0:0]
		for _, b := range bars {
			if b.Timestamp >= start && b.Timestamp < end {
				kept = append(kept, b)
			}
		}
		if len(kept) > 0 {
			if err := s.store.Upsert(ctx, key, kept); err != nil {
				return out, fmt.Errorf("warehouse upsert: %w", err)
			}
			out = append(out, kept...)
		}

		cursor = bars[len(bars)-1].Timestamp + 1
		if len(bars) < s.chunkSize {
			break
		}
	}
	return out, nil
}

// backfillResampled fetches 1m bars for the whole window and aggregates them
// into the target timeframe, persisting only fully closed buckets.
func (s *Service) backfillResampled(ctx context.Context, p plugin.Plugin, key warehouse.BarKey, tf market.Timeframe, since, until int64) ([]market.Bar, error) {
	minuteKey := key
	minuteKey.Timeframe = "1m"

	minutes, err := s.fetchRange(ctx, p, minuteKey, "1m", since, until)
	if err != nil && len(minutes) == 0 {
		return nil, err
	}

	resampled := market.Resample(minutes, 60_000, tf.Millis(), false)
	if len(resampled) > 0 {
		if err := s.store.Upsert(ctx, key, resampled); err != nil {
			return nil, fmt.Errorf("warehouse upsert resampled: %w", err)
		}
	}
	return resampled, nil
}

func nativeTimeframe(p plugin.Plugin, tf market.Timeframe) bool {
	lister, ok := p.(TimeframeLister)
	if !ok {
		return true
	}
	for _, s := range lister.SupportedTimeframes() {
		if s == tf.String() {
			return true
		}
	}
	return false
}

type gap struct {
	start, end int64 // [start, end)
}

// gaps returns the uncovered sub-ranges of [since, until) given ascending
// stored bars on a tfMs grid.
func gaps(stored []market.Bar, since, until, tfMs int64) []gap {
	if len(stored) == 0 {
		return []gap{{start: since, end: until}}
	}

	var out []gap
	if stored[0].Timestamp >= since+tfMs {
		out = append(out, gap{start: since, end: stored[0].Timestamp})
	}
	for i := 1; i < len(stored); i++ {
		prev, cur := stored[i-1].Timestamp, stored[i].Timestamp
		if cur-prev > tfMs {
			out = append(out, gap{start: prev + tfMs, end: cur})
		}
	}
	if last := stored[len(stored)-1].Timestamp; last+tfMs < until {
		out = append(out, gap{start: last + tfMs, end: until})
	}
	return out
}

// satisfies reports whether the stored range alone answers the request:
// enough bars and no internal gaps.
func satisfies(stored []market.Bar, since, until, tfMs int64, limit int) bool {
	if len(stored) == 0 {
		return false
	}
	if limit > 0 && len(stored) >= limit {
		return contiguous(stored, tfMs)
	}
	// Without a met limit the range must be fully covered.
	if stored[0].Timestamp >= since+tfMs {
		return false
	}
	if stored[len(stored)-1].Timestamp+tfMs < until {
		return false
	}
	return contiguous(stored, tfMs)
}

func contiguous(stored []market.Bar, tfMs int64) bool {
	for i := 1; i < len(stored); i++ {
		if stored[i].Timestamp-stored[i-1].Timestamp > tfMs {
			return false
		}
	}
	return true
}

func truncate(bars []market.Bar, limit int) []market.Bar {
	if limit > 0 && len(bars) > limit {
		return bars[:limit]
	}
	return bars
}

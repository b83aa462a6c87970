// Package warehouse abstracts the external OHLCV store: point lookups,
// timestamp range scans and idempotent upserts keyed by
// (market, provider, symbol, timeframe, timestamp). Postgres backs
// production; an in-memory store backs tests and development.
package warehouse

import (
	"context"

	"github.com/churst90/accessible-trader-sub001/internal/market"
)

// BarKey addresses one bar series in the store.
type BarKey struct {
	Market    string
	Provider  string
	Symbol    string // canonical form
	Timeframe string
}

// Store is the OHLCV warehouse. All timestamps are millisecond UTC epochs;
// beforeMs <= 0 means unbounded above, sinceMs <= 0 unbounded below.
type Store interface {
	// Query returns ascending bars with sinceMs <= ts < beforeMs, at most
	// limit (limit <= 0 means no cap).
	Query(ctx context.Context, key BarKey, sinceMs, beforeMs int64, limit int) ([]market.Bar, error)
	// Upsert inserts or replaces bars. Idempotent on the full key.
	Upsert(ctx context.Context, key BarKey, bars []market.Bar) error
	// HasAnyInRange probes for at least one bar in [sinceMs, beforeMs).
	HasAnyInRange(ctx context.Context, key BarKey, sinceMs, beforeMs int64) (bool, error)
	// Ping verifies store connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}

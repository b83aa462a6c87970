package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/market"
)

const schema = `
CREATE TABLE IF NOT EXISTS ohlcv_bars (
	market    TEXT             NOT NULL,
	provider  TEXT             NOT NULL,
	symbol    TEXT             NOT NULL,
	timeframe TEXT             NOT NULL,
	ts_ms     BIGINT           NOT NULL,
	open      DOUBLE PRECISION NOT NULL,
	high      DOUBLE PRECISION NOT NULL,
	low       DOUBLE PRECISION NOT NULL,
	close     DOUBLE PRECISION NOT NULL,
	volume    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (market, provider, symbol, timeframe, ts_ms)
);
CREATE INDEX IF NOT EXISTS ohlcv_bars_ts_idx ON ohlcv_bars (market, provider, symbol, timeframe, ts_ms);
`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPostgresStore connects, verifies the connection and ensures the schema.
func NewPostgresStore(ctx context.Context, url string, timeout time.Duration, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &PostgresStore{
		db:      db,
		timeout: timeout,
		logger:  logger.With().Str("component", "warehouse").Logger(),
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure warehouse schema: %w", err)
	}
	return s, nil
}

// Query returns ascending bars in [sinceMs, beforeMs) up to limit.
func (s *PostgresStore) Query(ctx context.Context, key BarKey, sinceMs, beforeMs int64, limit int) ([]market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ts_ms, open, high, low, close, volume
		FROM ohlcv_bars
		WHERE market = $1 AND provider = $2 AND symbol = $3 AND timeframe = $4
		  AND ts_ms >= $5 AND ($6 <= 0 OR ts_ms < $6)
		ORDER BY ts_ms ASC`
	args := []interface{}{key.Market, key.Provider, key.Symbol, key.Timeframe, sinceMs, beforeMs}
	if limit > 0 {
		query += ` LIMIT $7`
		args = append(args, limit)
	}

	var bars []market.Bar
	if err := s.db.SelectContext(ctx, &bars, query, args...); err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	return bars, nil
}

// Upsert inserts or replaces bars in one transaction.
func (s *PostgresStore) Upsert(ctx context.Context, key BarKey, bars []market.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(bars)/500+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ohlcv_bars (market, provider, symbol, timeframe, ts_ms, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (market, provider, symbol, timeframe, ts_ms)
		DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		              close = EXCLUDED.close, volume = EXCLUDED.volume`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			key.Market, key.Provider, key.Symbol, key.Timeframe,
			b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("upsert bar %d: %w", b.Timestamp, err)
		}
	}
	return tx.Commit()
}

// HasAnyInRange probes for at least one bar in [sinceMs, beforeMs).
func (s *PostgresStore) HasAnyInRange(ctx context.Context, key BarKey, sinceMs, beforeMs int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists bool
	err := s.db.QueryRowxContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ohlcv_bars
			WHERE market = $1 AND provider = $2 AND symbol = $3 AND timeframe = $4
			  AND ts_ms >= $5 AND ($6 <= 0 OR ts_ms < $6)
		)`, key.Market, key.Provider, key.Symbol, key.Timeframe, sinceMs, beforeMs).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe bars: %w", err)
	}
	return exists, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

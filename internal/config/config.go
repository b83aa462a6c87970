// Package config loads environment-driven service configuration, with an
// optional .env file and an optional YAML file for per-provider settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/churst90/accessible-trader-sub001/internal/market"
)

// Config is the full runtime configuration of the fan-out service.
type Config struct {
	// HTTP / WebSocket surface
	HTTPAddr       string
	TrustedOrigins []string
	WSPingInterval time.Duration
	JWTSecret      string

	// Snapshot and backfill
	InitialChartPoints    int
	PluginChunkSize       int
	MaxPluginChunksPerGap int

	// Streaming fallback
	PollingIntervals map[market.StreamKind]time.Duration

	// Plugins
	PluginIdleTTL  time.Duration
	RequestTimeout time.Duration

	// External collaborators; empty values select in-memory implementations
	// (development mode only).
	RedisURL     string
	WarehouseURL string

	LogLevel string
}

// Defaults per the production configuration.
const (
	defaultInitialChartPoints = 200
	defaultPluginChunkSize    = 500
	defaultMaxChunksPerGap    = 100
	defaultPollingInterval    = 10 * time.Second
	defaultWSPingInterval     = 10 * time.Second
	defaultPluginIdleTTL      = 5 * time.Minute
	defaultRequestTimeout     = 30 * time.Second
)

// Load reads configuration from the environment. A .env file in the working
// directory is folded in first when present.
func Load() (*Config, error) {
	// Missing .env is fine; only report malformed files.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		HTTPAddr:         envString("HTTP_ADDR", ":8000"),
		TrustedOrigins:   splitCSV(os.Getenv("TRUSTED_ORIGINS")),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		RedisURL:         os.Getenv("REDIS_URL"),
		WarehouseURL:     os.Getenv("OHLCV_WAREHOUSE_URL"),
		LogLevel:         envString("LOG_LEVEL", "info"),
		PollingIntervals: make(map[market.StreamKind]time.Duration),
	}

	var err error
	if cfg.InitialChartPoints, err = envInt("INITIAL_CHART_POINTS", defaultInitialChartPoints); err != nil {
		return nil, err
	}
	if cfg.PluginChunkSize, err = envInt("DEFAULT_PLUGIN_CHUNK_SIZE", defaultPluginChunkSize); err != nil {
		return nil, err
	}
	if cfg.MaxPluginChunksPerGap, err = envInt("MAX_PLUGIN_CHUNKS_PER_GAP", defaultMaxChunksPerGap); err != nil {
		return nil, err
	}

	pingSec, err := envInt("WS_PING_INTERVAL_SEC", int(defaultWSPingInterval/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.WSPingInterval = time.Duration(pingSec) * time.Second

	idleSec, err := envInt("PLUGIN_IDLE_TTL_SEC", int(defaultPluginIdleTTL/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.PluginIdleTTL = time.Duration(idleSec) * time.Second

	timeoutMs, err := envInt("REQUEST_TIMEOUT_MS", int(defaultRequestTimeout/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.RequestTimeout = time.Duration(timeoutMs) * time.Millisecond

	for kind, envName := range map[market.StreamKind]string{
		market.KindOHLCV:      "POLLING_INTERVAL_OHLCV_SEC",
		market.KindTrades:     "POLLING_INTERVAL_TRADES_SEC",
		market.KindOrderBook:  "POLLING_INTERVAL_ORDER_BOOK_SEC",
		market.KindUserOrders: "POLLING_INTERVAL_USER_ORDERS_SEC",
	} {
		interval, err := envSeconds(envName, defaultPollingInterval)
		if err != nil {
			return nil, err
		}
		cfg.PollingIntervals[kind] = interval
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PollingInterval returns the fallback poll interval for a kind.
func (c *Config) PollingInterval(kind market.StreamKind) time.Duration {
	if d, ok := c.PollingIntervals[kind]; ok && d > 0 {
		return d
	}
	return defaultPollingInterval
}

func (c *Config) validate() error {
	if c.InitialChartPoints <= 0 {
		return fmt.Errorf("INITIAL_CHART_POINTS must be positive, got %d", c.InitialChartPoints)
	}
	if c.PluginChunkSize <= 0 {
		return fmt.Errorf("DEFAULT_PLUGIN_CHUNK_SIZE must be positive, got %d", c.PluginChunkSize)
	}
	if c.MaxPluginChunksPerGap <= 0 {
		return fmt.Errorf("MAX_PLUGIN_CHUNKS_PER_GAP must be positive, got %d", c.MaxPluginChunksPerGap)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_MS must be positive")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL_SEC must be positive")
	}
	for kind, d := range c.PollingIntervals {
		if d <= 0 {
			return fmt.Errorf("polling interval for %s must be positive", kind)
		}
	}
	return nil
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/bus"
	"github.com/churst90/accessible-trader-sub001/internal/config"
	"github.com/churst90/accessible-trader-sub001/internal/history"
	apihttp "github.com/churst90/accessible-trader-sub001/internal/interfaces/http"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
	"github.com/churst90/accessible-trader-sub001/internal/plugin/binance"
	"github.com/churst90/accessible-trader-sub001/internal/plugin/kraken"
	"github.com/churst90/accessible-trader-sub001/internal/streaming"
	"github.com/churst90/accessible-trader-sub001/internal/subscription"
	"github.com/churst90/accessible-trader-sub001/internal/warehouse"
)

const shutdownGrace = 15 * time.Second

func runServe(logger zerolog.Logger, providersPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))

	providers, err := config.LoadProvidersConfig(providersPath)
	if err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Message bus: Redis in production, in-process for development.
	var msgBus bus.Bus
	if cfg.RedisURL != "" {
		redisBus, err := bus.NewRedisBus(startCtx, cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("connect message bus: %w", err)
		}
		msgBus = redisBus
	} else {
		logger.Warn().Msg("REDIS_URL not set, using in-process bus (single instance only)")
		msgBus = bus.NewMemoryBus()
	}
	defer msgBus.Close()

	// OHLCV warehouse: Postgres in production, in-memory for development.
	var store warehouse.Store
	if cfg.WarehouseURL != "" {
		pg, err := warehouse.NewPostgresStore(startCtx, cfg.WarehouseURL, cfg.RequestTimeout, logger)
		if err != nil {
			return fmt.Errorf("connect warehouse: %w", err)
		}
		store = pg
	} else {
		logger.Warn().Msg("OHLCV_WAREHOUSE_URL not set, using in-memory warehouse")
		store = warehouse.NewMemoryStore()
	}
	defer store.Close()

	registry := plugin.NewRegistry()
	if err := registerAdapters(registry, providers); err != nil {
		return err
	}
	pool := plugin.NewPool(registry, cfg.PluginIdleTTL, cfg.RequestTimeout, logger)
	defer pool.Close()

	creds := plugin.NoCredentials{}
	hist := history.NewService(pool, registry, store, creds, cfg.PluginChunkSize, cfg.MaxPluginChunksPerGap, logger)
	manager := streaming.NewManager(msgBus, pool, registry, creds, cfg.PollingInterval, logger)
	subSvc := subscription.NewService(subscription.NewRegistry(), manager, hist, msgBus, cfg.InitialChartPoints, logger)

	// connCtx ends first during shutdown so WebSocket clients disconnect
	// before the layers under them stop.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()
	server := apihttp.NewServer(connCtx, cfg, subSvc, msgBus, store, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutting down")
	}

	// Layered teardown: stop accepting, drop clients, release views, stop
	// upstream feeds, then close shared resources via the defers above.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	cancelConns()
	subSvc.Shutdown(shutdownCtx)
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("streaming shutdown incomplete")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// registerAdapters wires every built-in venue adapter, folding per-provider
// overrides from the providers file into the factory extras.
func registerAdapters(registry *plugin.Registry, providers *config.ProvidersConfig) error {
	adapters := []plugin.Registration{
		{
			Key:       binance.AdapterKey,
			Markets:   []string{"crypto"},
			Providers: []string{"binance"},
			New:       withProviderExtras(binance.New, providers),
		},
		{
			Key:       kraken.AdapterKey,
			Markets:   []string{"crypto"},
			Providers: []string{"kraken"},
			New:       withProviderExtras(kraken.New, providers),
		},
	}
	for _, reg := range adapters {
		if err := registry.Register(reg); err != nil {
			return fmt.Errorf("register adapter %s: %w", reg.Key, err)
		}
	}
	return nil
}

func withProviderExtras(factory plugin.Factory, providers *config.ProvidersConfig) plugin.Factory {
	return func(cfg plugin.InstanceConfig) (plugin.Plugin, error) {
		settings := providers.For(cfg.ProviderID)
		if cfg.Extras == nil {
			cfg.Extras = make(map[string]string)
		}
		if settings.RESTBaseURL != "" {
			cfg.Extras["rest_base_url"] = settings.RESTBaseURL
		}
		if settings.WSBaseURL != "" {
			cfg.Extras["ws_base_url"] = settings.WSBaseURL
		}
		if settings.RequestsPerSec > 0 {
			cfg.Extras["requests_per_sec"] = strconv.FormatFloat(settings.RequestsPerSec, 'f', -1, 64)
		}
		if settings.Burst > 0 {
			cfg.Extras["burst"] = strconv.Itoa(settings.Burst)
		}
		return factory(cfg)
	}
}

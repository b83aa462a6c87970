package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churst90/accessible-trader-sub001/internal/market"
)

// stubPlugin is the minimal mandatory surface used across this package's
// tests.
type stubPlugin struct {
	key      string
	provider string
	features FeatureSet
	details  *InstrumentDetails
	closed   int
}

func (s *stubPlugin) Key() string          { return s.key }
func (s *stubPlugin) Provider() string     { return s.provider }
func (s *stubPlugin) Features() FeatureSet { return s.features }
func (s *stubPlugin) Close() error         { s.closed++; return nil }

func (s *stubPlugin) GetSymbols(context.Context, string) ([]string, error) { return nil, nil }

func (s *stubPlugin) FetchHistoricalOHLCV(context.Context, string, string, int64, int) ([]market.Bar, error) {
	return nil, nil
}

func (s *stubPlugin) FetchLatestOHLCV(context.Context, string, string) (*market.Bar, error) {
	return nil, nil
}

func (s *stubPlugin) GetInstrumentTradingDetails(_ context.Context, symbol string) (*InstrumentDetails, error) {
	if s.details == nil {
		return nil, NewPluginError(s.provider, "unknown symbol "+symbol, nil)
	}
	return s.details, nil
}

func stubFactory(p Plugin) Factory {
	return func(InstanceConfig) (Plugin, error) { return p, nil }
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{
		Key:       "alpha",
		Markets:   []string{"crypto"},
		Providers: []string{"binance", "binanceus"},
		New:       stubFactory(&stubPlugin{}),
	}))
	require.NoError(t, r.Register(Registration{
		Key:       "beta",
		Markets:   []string{"crypto", "forex"},
		Providers: []string{"kraken", "binance"},
		New:       stubFactory(&stubPlugin{}),
	}))

	_, ok := r.Get("alpha")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"alpha", "beta"}, r.Keys())
	assert.Equal(t, []string{"alpha", "beta"}, r.PluginsForMarket("crypto"))
	assert.Equal(t, []string{"beta"}, r.PluginsForMarket("forex"))
	assert.Equal(t, []string{"crypto", "forex"}, r.Markets())
	assert.Equal(t, []string{"kraken", "binance"}, r.ListConfigurableProviders("beta"))
}

func TestRegistryDuplicateKeyRejected(t *testing.T) {
	r := NewRegistry()
	reg := Registration{Key: "alpha", New: stubFactory(&stubPlugin{})}
	require.NoError(t, r.Register(reg))
	assert.Error(t, r.Register(reg))
}

func TestRegistryInvalidRegistration(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Registration{Key: "", New: stubFactory(&stubPlugin{})}))
	assert.Error(t, r.Register(Registration{Key: "alpha"}))
}

func TestKeyForProviderFirstRegisteredWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Key: "alpha", Providers: []string{"binance"}, New: stubFactory(&stubPlugin{})}))
	require.NoError(t, r.Register(Registration{Key: "beta", Providers: []string{"binance", "kraken"}, New: stubFactory(&stubPlugin{})}))

	key, ok := r.KeyForProvider("binance")
	require.True(t, ok)
	assert.Equal(t, "alpha", key)

	key, ok = r.KeyForProvider("kraken")
	require.True(t, ok)
	assert.Equal(t, "beta", key)

	_, ok = r.KeyForProvider("bitmex")
	assert.False(t, ok)
}

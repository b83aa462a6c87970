package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderSettings override venue endpoints and request pacing for one
// provider. Zero values fall back to the adapter's built-in defaults.
type ProviderSettings struct {
	RESTBaseURL    string  `yaml:"rest_base_url"`
	WSBaseURL      string  `yaml:"ws_base_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

// ProvidersConfig maps provider id to its settings.
type ProvidersConfig struct {
	Providers map[string]ProviderSettings `yaml:"providers"`
}

// LoadProvidersConfig reads the optional per-provider YAML file. A missing
// file yields an empty config; a malformed one is a startup error.
func LoadProvidersConfig(path string) (*ProvidersConfig, error) {
	cfg := &ProvidersConfig{Providers: make(map[string]ProviderSettings)}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read providers config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse providers config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderSettings)
	}
	return cfg, nil
}

// For returns the settings for a provider id, zero-valued when absent.
func (c *ProvidersConfig) For(providerID string) ProviderSettings {
	return c.Providers[providerID]
}

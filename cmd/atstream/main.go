// atstream is the market-data fan-out daemon: venue plugins upstream, a
// message bus in the middle, WebSocket subscribers downstream.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "atstream"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := newLogger()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time market data fan-out service",
		Version: version,
		Long: appName + ` serves live and historical market data over WebSocket.
Upstream feeds are shared across subscribers: one venue connection per
distinct (provider, symbol, kind, timeframe) view, regardless of how many
clients watch it.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fan-out server",
		Long:  "Loads configuration from the environment (and .env), wires the bus, warehouse and venue plugins, and serves /ws, /healthz and /metrics.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			providersPath, _ := cmd.Flags().GetString("providers-config")
			return runServe(logger, providersPath)
		},
	}
	serveCmd.Flags().String("providers-config", "providers.yaml", "Optional YAML file with per-provider endpoint and pacing overrides")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes console output on a TTY and JSON otherwise.
func newLogger() zerolog.Logger {
	var out zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.With().Timestamp().Str("app", appName).Logger()
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

const (
	defaultRESTBaseURL = "https://api.binance.com"
	defaultRPS         = 10
	defaultBurst       = 20
)

// restClient paces and guards all REST calls against the venue: a token
// bucket keeps us under the venue's request weight limits and a circuit
// breaker sheds calls while the venue is failing.
type restClient struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func newRESTClient(baseURL string, timeout time.Duration, rps float64, burst int, logger zerolog.Logger) *restClient {
	if baseURL == "" {
		baseURL = defaultRESTBaseURL
	}
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "binance-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit state change")
		},
	})
	return &restClient{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		logger:  logger,
	}
}

// getJSON performs one paced GET and decodes the body into out. Failures are
// mapped to the uniform plugin error kinds.
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return plugin.NewNetworkError(providerID, "rate limiter wait", err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, path, query)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return plugin.NewNetworkError(providerID, "circuit open", err)
		}
		return err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return plugin.NewPluginError(providerID, "decode "+path, err)
	}
	return nil
}

func (c *restClient) do(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, plugin.NewPluginError(providerID, "build request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, plugin.NewNetworkError(providerID, "request "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, plugin.NewNetworkError(providerID, "read body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// 418 is the venue's IP auto-ban escalation of 429.
		return nil, plugin.NewNetworkError(providerID, "rate limited", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, plugin.NewAuthError(providerID, "request rejected", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	case resp.StatusCode >= 500:
		return nil, plugin.NewNetworkError(providerID, "venue error", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	default:
		return nil, plugin.NewPluginError(providerID, path, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
}

package streaming

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/market"
	"github.com/churst90/accessible-trader-sub001/internal/metrics"
	"github.com/churst90/accessible-trader-sub001/internal/plugin"
)

// pollTask is the REST fallback loop for one stream record. Each cycle
// fetches the current state, publishes it only when its content hash
// changed, then sleeps a jittered interval. Transient errors stretch the
// sleep; a NotSupported error ends the stream for good.
type pollTask struct {
	manager  *Manager
	rec      *streamRecord
	key      market.ViewKey
	interval time.Duration
	fetch    func(ctx context.Context) (map[string]interface{}, error)
	logger   zerolog.Logger
}

func (t *pollTask) run(ctx context.Context) {
	defer close(t.rec.done)

	var lastHash string
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := t.fetch(ctx)
		switch {
		case err == nil:
			if msg != nil {
				if h := contentHash(msg); h != lastHash {
					lastHash = h
					t.manager.publish(t.key, msg)
				} else {
					metrics.SuppressedPolls.WithLabelValues(string(t.key.Kind), t.key.Provider).Inc()
				}
			}
			if !sleepCtx(ctx, jitter(t.interval)) {
				return
			}

		case ctx.Err() != nil:
			return

		case plugin.IsNotSupported(err):
			t.logger.Warn().Err(err).Msg("polling source not supported, stopping stream")
			t.manager.removeTerminal(t.key, t.rec)
			return

		case plugin.IsNetwork(err):
			metrics.PollErrors.WithLabelValues(string(t.key.Kind), t.key.Provider, "network").Inc()
			t.logger.Warn().Err(err).Msg("transient polling failure")
			if !sleepCtx(ctx, 2*t.interval) {
				return
			}

		default:
			metrics.PollErrors.WithLabelValues(string(t.key.Kind), t.key.Provider, "plugin").Inc()
			t.logger.Error().Err(err).Msg("polling failure")
			if !sleepCtx(ctx, 5*t.interval) {
				return
			}
		}
	}
}

// jitter spreads poll cycles by ±10% so many feeds against one venue do not
// align.
func jitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}

// sleepCtx sleeps d or returns false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

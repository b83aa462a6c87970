package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// poolKey identifies one shareable instance: same adapter, provider,
// credential fingerprint and testnet flag.
type poolKey struct {
	key     string
	adapter string
	credFP  string
	testnet bool
}

type poolEntry struct {
	plugin   Plugin
	lastUsed time.Time
	inflight int
}

// Pool owns plugin instances process-wide. Instances are built lazily on
// first acquisition and closed when idle longer than the TTL or on shutdown.
// At most one live instance exists per (adapter, provider, credentials,
// testnet) combination.
type Pool struct {
	registry       *Registry
	idleTTL        time.Duration
	requestTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	entries map[poolKey]*poolEntry
	stopCh  chan struct{}
	done    sync.WaitGroup
	closed  bool
}

// NewPool creates a pool sweeping idle instances every idleTTL/2.
func NewPool(registry *Registry, idleTTL, requestTimeout time.Duration, logger zerolog.Logger) *Pool {
	p := &Pool{
		registry:       registry,
		idleTTL:        idleTTL,
		requestTimeout: requestTimeout,
		logger:         logger.With().Str("component", "plugin_pool").Logger(),
		entries:        make(map[poolKey]*poolEntry),
		stopCh:         make(chan struct{}),
	}
	if idleTTL > 0 {
		p.done.Add(1)
		go p.sweep()
	}
	return p
}

// Acquire returns the shared instance for the key, building it on first use.
// The returned release func must be called exactly once when the caller no
// longer holds the instance; long-lived holders (streams) call it on stream
// release.
func (p *Pool) Acquire(ctx context.Context, adapterKey, providerID string, creds *Credentials, testnet bool) (Plugin, func(), error) {
	reg, ok := p.registry.Get(adapterKey)
	if !ok {
		return nil, nil, fmt.Errorf("unknown plugin key %q", adapterKey)
	}

	pk := poolKey{key: adapterKey, adapter: providerID, credFP: creds.Fingerprint(), testnet: testnet}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("plugin pool is closed")
	}
	if e, ok := p.entries[pk]; ok {
		e.inflight++
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.plugin, p.releaseFunc(pk), nil
	}
	p.mu.Unlock()

	// Build outside the lock; venue constructors may do I/O.
	inst, err := reg.New(InstanceConfig{
		ProviderID:     providerID,
		Credentials:    creds,
		Testnet:        testnet,
		RequestTimeout: p.requestTimeout,
		Logger:         p.logger.With().Str("provider", providerID).Logger(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("construct plugin %s/%s: %w", adapterKey, providerID, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = inst.Close()
		return nil, nil, fmt.Errorf("plugin pool is closed")
	}
	if e, ok := p.entries[pk]; ok {
		// Lost the construction race; keep the existing instance.
		e.inflight++
		e.lastUsed = time.Now()
		p.mu.Unlock()
		_ = inst.Close()
		return e.plugin, p.releaseFunc(pk), nil
	}
	p.entries[pk] = &poolEntry{plugin: inst, lastUsed: time.Now(), inflight: 1}
	p.mu.Unlock()

	p.logger.Debug().Str("plugin", adapterKey).Str("provider", providerID).Bool("testnet", testnet).
		Msg("plugin instance created")
	return inst, p.releaseFunc(pk), nil
}

func (p *Pool) releaseFunc(pk poolKey) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if e, ok := p.entries[pk]; ok {
				e.inflight--
				e.lastUsed = time.Now()
			}
		})
	}
}

// Size returns the number of live instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) sweep() {
	defer p.done.Done()
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle(time.Now())
		}
	}
}

func (p *Pool) evictIdle(now time.Time) {
	var victims []Plugin
	p.mu.Lock()
	for pk, e := range p.entries {
		if e.inflight == 0 && now.Sub(e.lastUsed) > p.idleTTL {
			victims = append(victims, e.plugin)
			delete(p.entries, pk)
		}
	}
	p.mu.Unlock()

	for _, v := range victims {
		if err := v.Close(); err != nil {
			p.logger.Warn().Err(err).Str("provider", v.Provider()).Msg("close of idle plugin failed")
		} else {
			p.logger.Debug().Str("provider", v.Provider()).Msg("idle plugin evicted")
		}
	}
}

// Close stops the sweeper and closes every instance. Safe to call once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := make([]Plugin, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e.plugin)
	}
	p.entries = make(map[poolKey]*poolEntry)
	p.mu.Unlock()

	close(p.stopCh)
	p.done.Wait()

	for _, inst := range entries {
		if err := inst.Close(); err != nil {
			p.logger.Warn().Err(err).Str("provider", inst.Provider()).Msg("close of pooled plugin failed")
		}
	}
}

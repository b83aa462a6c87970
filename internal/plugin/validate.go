package plugin

import (
	"context"
	"sync"
	"time"
)

// validationTTL bounds how long a symbol's tradability result is reused.
const validationTTL = time.Hour

type validationEntry struct {
	active  bool
	expires time.Time
}

// SymbolValidator caches per-venue tradability answers. Venues report
// instrument status rarely changing; one hour is plenty.
type SymbolValidator struct {
	mu    sync.Mutex
	cache map[string]validationEntry // keyed by provider|symbol
}

// NewSymbolValidator returns an empty validator cache.
func NewSymbolValidator() *SymbolValidator {
	return &SymbolValidator{cache: make(map[string]validationEntry)}
}

// Validate reports whether the venue considers the symbol tradable. The
// plugin must expose instrument details; otherwise a NotSupported error is
// returned.
func (v *SymbolValidator) Validate(ctx context.Context, p Plugin, symbol string) (bool, error) {
	key := p.Provider() + "|" + symbol

	v.mu.Lock()
	if e, ok := v.cache[key]; ok && time.Now().Before(e.expires) {
		v.mu.Unlock()
		return e.active, nil
	}
	v.mu.Unlock()

	detailer, ok := p.(InstrumentDetailer)
	if !ok || !p.Features().Has(FeatureInstrumentDetails) {
		return false, NewNotSupportedError(p.Provider(), "instrument details")
	}
	details, err := detailer.GetInstrumentTradingDetails(ctx, symbol)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	v.cache[key] = validationEntry{active: details.Active, expires: time.Now().Add(validationTTL)}
	v.mu.Unlock()
	return details.Active, nil
}

package market

import (
	"fmt"
	"strings"
)

// ViewKey identifies one client-facing subscription: a (market, provider,
// symbol, kind) tuple plus the timeframe discriminator for OHLCV views and
// the user context for user-scoped views. It is a comparable value type;
// two keys built from equivalent inputs compare equal.
type ViewKey struct {
	Market        string
	Provider      string
	Symbol        string // canonical form, see NormalizeSymbol
	Kind          StreamKind
	Discriminator string // timeframe for OHLCV, empty otherwise
	UserCtx       string // non-empty iff Kind == KindUserOrders
}

// NewViewKey builds a ViewKey with normalized inputs. The timeframe is only
// retained for OHLCV views and the user context only for user-order views.
func NewViewKey(marketName, provider, symbol string, kind StreamKind, timeframe, userCtx string) ViewKey {
	key := ViewKey{
		Market:   strings.ToLower(strings.TrimSpace(marketName)),
		Provider: strings.ToLower(strings.TrimSpace(provider)),
		Symbol:   NormalizeSymbol(symbol),
		Kind:     kind,
	}
	if kind == KindOHLCV {
		key.Discriminator = timeframe
	}
	if kind == KindUserOrders {
		key.UserCtx = userCtx
	}
	return key
}

// MainID returns the channel identity component: the canonical symbol, or
// user_<ctx> for user-scoped views.
func (k ViewKey) MainID() string {
	if k.Kind == KindUserOrders {
		return "user_" + k.UserCtx
	}
	return k.Symbol
}

// Channel derives the bus channel name carrying this view's updates:
// stream:<kind>:<provider>:<main_id>[:<discriminator>].
func (k ViewKey) Channel() string {
	name := fmt.Sprintf("stream:%s:%s:%s", k.Kind, k.Provider, k.MainID())
	if k.Discriminator != "" {
		name += ":" + k.Discriminator
	}
	return name
}

// ClientSymbol returns the slash-delimited symbol clients see in envelopes.
func (k ViewKey) ClientSymbol() string {
	return DenormalizeSymbol(k.Symbol)
}

func (k ViewKey) String() string {
	return k.Channel() + "@" + k.Market
}

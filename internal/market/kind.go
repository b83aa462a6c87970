package market

import "fmt"

// StreamKind identifies the type of data a view carries.
type StreamKind string

const (
	KindOHLCV      StreamKind = "ohlcv"
	KindTrades     StreamKind = "trades"
	KindOrderBook  StreamKind = "order_book"
	KindUserOrders StreamKind = "user_orders"
)

// ParseStreamKind converts a client-supplied stream type string into a StreamKind.
func ParseStreamKind(s string) (StreamKind, error) {
	switch StreamKind(s) {
	case KindOHLCV, KindTrades, KindOrderBook, KindUserOrders:
		return StreamKind(s), nil
	default:
		return "", fmt.Errorf("unknown stream type: %q", s)
	}
}

// IsUserScoped reports whether the kind requires an authenticated user context.
func (k StreamKind) IsUserScoped() bool {
	return k == KindUserOrders
}

func (k StreamKind) String() string {
	return string(k)
}

package market

import "strings"

// NormalizeSymbol folds a venue symbol into the internal canonical form:
// uppercase with "/" and "-" replaced by "_" (BTC/USDT -> BTC_USDT).
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// DenormalizeSymbol converts a canonical symbol back into the client-facing
// slash-delimited form (BTC_USDT -> BTC/USDT).
func DenormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "_", "/")
}

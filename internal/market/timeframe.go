package market

import (
	"fmt"
	"strconv"
	"time"
)

// Timeframe is a parsed bar interval such as 1m, 4h or 1d.
type Timeframe struct {
	N    int
	Unit byte // one of m h d w M y
}

// unitSeconds maps timeframe units to their duration in seconds. Months and
// years use the fixed 30-day / 365-day conventions of the charting clients.
var unitSeconds = map[byte]int64{
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
	'M': 2592000,
	'y': 31536000,
}

// ParseTimeframe parses a <positive_int><unit> timeframe string. Unit is one
// of m, h, d, w, M, y. Anything else is rejected.
func ParseTimeframe(s string) (Timeframe, error) {
	if len(s) < 2 {
		return Timeframe{}, fmt.Errorf("invalid timeframe: %q", s)
	}
	unit := s[len(s)-1]
	if _, ok := unitSeconds[unit]; !ok {
		return Timeframe{}, fmt.Errorf("invalid timeframe unit in %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Timeframe{}, fmt.Errorf("invalid timeframe multiplier in %q", s)
	}
	return Timeframe{N: n, Unit: unit}, nil
}

// Millis returns the timeframe length in milliseconds.
func (t Timeframe) Millis() int64 {
	return int64(t.N) * unitSeconds[t.Unit] * 1000
}

// Duration returns the timeframe length as a time.Duration.
func (t Timeframe) Duration() time.Duration {
	return time.Duration(t.Millis()) * time.Millisecond
}

func (t Timeframe) String() string {
	return strconv.Itoa(t.N) + string(t.Unit)
}

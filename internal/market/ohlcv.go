package market

import (
	"fmt"
	"sort"
)

// Bar is a single OHLCV candle. Timestamp is the bar's open time as a
// millisecond UTC epoch, aligned to the timeframe boundary.
type Bar struct {
	Timestamp int64   `json:"timestamp" db:"ts_ms"`
	Open      float64 `json:"open" db:"open"`
	High      float64 `json:"high" db:"high"`
	Low       float64 `json:"low" db:"low"`
	Close     float64 `json:"close" db:"close"`
	Volume    float64 `json:"volume" db:"volume"`
}

// Validate checks the internal price ordering of the bar.
func (b Bar) Validate() error {
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo {
		return fmt.Errorf("bar at %d: low %f above body low %f", b.Timestamp, b.Low, lo)
	}
	if b.High < hi {
		return fmt.Errorf("bar at %d: high %f below body high %f", b.Timestamp, b.High, hi)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar at %d: negative volume %f", b.Timestamp, b.Volume)
	}
	return nil
}

// MergeBars combines any number of ascending-or-unordered bar slices into a
// single strictly ascending sequence. On duplicate timestamps the bar from
// the later slice wins.
func MergeBars(series ...[]Bar) []Bar {
	byTS := make(map[int64]Bar)
	for _, bars := range series {
		for _, b := range bars {
			byTS[b.Timestamp] = b
		}
	}
	out := make([]Bar, 0, len(byTS))
	for _, b := range byTS {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

package market

import "sort"

// Resample aggregates source bars (interval srcMs) into target-interval bars
// (dstMs). Buckets are aligned to floor(t/dstMs)*dstMs; open is the first
// source bar, close the last, high/low the extremes, volume the sum.
//
// When includePartial is false, a bucket is emitted only if it is fully
// covered by the input, i.e. its end is at or before the close time of the
// last source bar. Live aggregation passes includePartial=true to surface
// the forming candle.
func Resample(bars []Bar, srcMs, dstMs int64, includePartial bool) []Bar {
	if len(bars) == 0 || dstMs <= 0 {
		return nil
	}

	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	buckets := make(map[int64]*Bar)
	order := make([]int64, 0)
	for _, b := range sorted {
		start := (b.Timestamp / dstMs) * dstMs
		agg, ok := buckets[start]
		if !ok {
			bar := Bar{
				Timestamp: start,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			}
			buckets[start] = &bar
			order = append(order, start)
			continue
		}
		if b.High > agg.High {
			agg.High = b.High
		}
		if b.Low < agg.Low {
			agg.Low = b.Low
		}
		agg.Close = b.Close
		agg.Volume += b.Volume
	}

	// A bucket is closed once the input covers its full span.
	coveredUntil := sorted[len(sorted)-1].Timestamp + srcMs

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]Bar, 0, len(order))
	for _, start := range order {
		if !includePartial && start+dstMs > coveredUntil {
			continue
		}
		out = append(out, *buckets[start])
	}
	return out
}

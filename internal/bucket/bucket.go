// Package bucket maps timestamps onto timeframe bucket boundaries. It is the
// single source of truth for bucket math: the live aggregator and every
// historical-bar loader go through it so backfilled and live candles align.
package bucket

import (
	"math"

	"chart-sync-engine/internal/types"
)

// Start returns the bucket start (epoch seconds, UTC) containing ts for the
// given timeframe. Minute frames truncate to the interval; the daily frame
// truncates to midnight UTC. Exchange-timezone adjustment, if any, is the
// caller's responsibility before calling in; this function is pure and
// locale-independent. Unknown timeframes return 0.
func Start(ts float64, tf types.Timeframe) int64 {
	interval := tf.Seconds()
	if interval == 0 {
		return 0
	}
	sec := int64(math.Floor(ts))
	return sec - floorMod(sec, interval)
}

// Range returns the half-open [start, end) bucket interval containing ts.
func Range(ts float64, tf types.Timeframe) (start, end int64) {
	start = Start(ts, tf)
	return start, start + tf.Seconds()
}

// SameBucket reports whether two timestamps fall into one bucket.
func SameBucket(a, b float64, tf types.Timeframe) bool {
	return Start(a, tf) == Start(b, tf)
}

// floorMod keeps pre-epoch timestamps on the correct boundary; Go's % operator
// rounds toward zero.
func floorMod(x, y int64) int64 {
	m := x % y
	if m < 0 {
		m += y
	}
	return m
}

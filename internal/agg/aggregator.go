// Package agg owns the tick-to-candle aggregation state: one open candle per
// (symbol, leg, timeframe) series plus the last closed bucket, and a separate
// latest-metrics snapshot per leg. All mutation goes through Ingest,
// SeedHistory, and Reset.
package agg

import (
	"context"
	"fmt"
	"math"
	"sync"

	"chart-sync-engine/internal/bucket"
	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/types"
)

const (
	dropNonFinite   = "non_finite_price"
	dropNonPositive = "non_positive_price"
	dropBadKey      = "invalid_key"
)

// series holds the open candle and the one retained closed bucket.
// Retention is deliberately bounded to the last closed candle: a late tick
// landing inside it still updates it, anything older folds into the current
// bucket. That is the documented approximation for late ticks.
type series struct {
	current    *types.Candle
	lastClosed *types.Candle
}

type CandleAggregator struct {
	mu      sync.Mutex
	series  map[types.SubKey]*series
	metrics map[types.InstrumentKey]types.Metrics
	dropped map[string]uint64
}

var _ interfaces.Aggregator = (*CandleAggregator)(nil)

func New() *CandleAggregator {
	return &CandleAggregator{
		series:  make(map[types.SubKey]*series),
		metrics: make(map[types.InstrumentKey]types.Metrics),
		dropped: make(map[string]uint64),
	}
}

// Ingest folds one tick into the series for key. Invalid ticks are dropped,
// counted, and logged; they never mutate state and never emit an event.
// Replaying an identical tick sequence through a fresh aggregator yields an
// identical candle series.
func (a *CandleAggregator) Ingest(ctx context.Context, key types.SubKey, tick types.Tick) (types.CandleUpdateEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if reason := validate(key, tick); reason != "" {
		a.dropped[reason]++
		logger.Warn(ctx, "Dropping malformed tick",
			"reason", reason,
			"key", key.String(),
			"price", tick.Price,
			"timestamp", tick.Timestamp,
		)
		return types.CandleUpdateEvent{}, false
	}

	if tick.Metrics != nil {
		a.mergeMetrics(tick.Instrument(), tick.Metrics)
	}

	s := a.series[key]
	if s == nil {
		s = &series{}
		a.series[key] = s
	}

	bs := bucket.Start(tick.Timestamp, key.Timeframe)
	var kind types.UpdateKind
	var snap types.Candle

	switch {
	case s.current == nil:
		s.current = openCandle(key, bs, tick, s.lastClosed)
		kind, snap = types.CandleCreated, *s.current

	case bs == s.current.BucketStart:
		fold(s.current, tick)
		kind, snap = types.CandleUpdated, *s.current

	case bs > s.current.BucketStart:
		// Later bucket: close the current candle and gap-fill the new open
		// from its close so the series stays continuous.
		closed := *s.current
		s.lastClosed = &closed
		s.current = openCandle(key, bs, tick, s.lastClosed)
		kind, snap = types.CandleCreated, *s.current

	case s.lastClosed != nil && bs == s.lastClosed.BucketStart:
		// Late tick inside the retained closed bucket.
		fold(s.lastClosed, tick)
		kind, snap = types.CandleUpdated, *s.lastClosed

	default:
		// Older than anything retained: fold into the current bucket.
		fold(s.current, tick)
		kind, snap = types.CandleUpdated, *s.current
	}

	return types.CandleUpdateEvent{
		Kind:    kind,
		Candle:  snap,
		Metrics: a.metrics[tick.Instrument()].Clone(),
	}, true
}

// SeedHistory bulk-loads backfilled bars for a series. Bucket boundaries are
// re-derived through the bucket clock so a loader disagreeing with it cannot
// introduce misaligned candles. The last bar becomes the open candle (a live
// tick in the same bucket keeps mutating it) and the one before it the
// retained closed bucket.
func (a *CandleAggregator) SeedHistory(ctx context.Context, key types.SubKey, bars types.HistoricalBars) error {
	if !key.Valid() {
		return fmt.Errorf("seed history: invalid key %q", key.String())
	}
	if bars.Ragged() {
		return fmt.Errorf("seed history %s: ragged bar arrays", key.String())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := &series{}
	n := bars.Len()
	for i := n - 2; i < n; i++ {
		if i < 0 {
			continue
		}
		c := barCandle(key, bars, i)
		if s.current != nil {
			prev := *s.current
			s.lastClosed = &prev
		}
		s.current = &c
	}
	a.series[key] = s

	logger.Debug(ctx, "Seeded historical bars", "key", key.String(), "bars", n)
	return nil
}

// Reset drops all candle state for the series so a freshly fetched historical
// reload is not spliced onto stale live data.
func (a *CandleAggregator) Reset(key types.SubKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.series, key)
}

// DroppedTicks returns per-reason rejected tick counts.
func (a *CandleAggregator) DroppedTicks() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint64, len(a.dropped))
	for k, v := range a.dropped {
		out[k] = v
	}
	return out
}

// LatestMetrics returns the last known metrics snapshot for a leg, or nil.
func (a *CandleAggregator) LatestMetrics(key types.InstrumentKey) types.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics[key].Clone()
}

func (a *CandleAggregator) mergeMetrics(key types.InstrumentKey, m types.Metrics) {
	cur := a.metrics[key]
	if cur == nil {
		cur = make(types.Metrics, len(m))
		a.metrics[key] = cur
	}
	for name, v := range m {
		cur[name] = v
	}
}

func validate(key types.SubKey, tick types.Tick) string {
	if !key.Valid() {
		return dropBadKey
	}
	if math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
		return dropNonFinite
	}
	if tick.Price <= 0 {
		return dropNonPositive
	}
	return ""
}

// openCandle seeds a new bucket. The open is gap-filled from the prior
// bucket's close when one exists, not from the tick price, so consecutive
// candles form a continuous series.
func openCandle(key types.SubKey, bucketStart int64, tick types.Tick, prior *types.Candle) *types.Candle {
	open := tick.Price
	if prior != nil {
		open = prior.Close
	}
	return &types.Candle{
		Symbol:      key.Symbol,
		Leg:         key.Leg,
		Timeframe:   key.Timeframe,
		BucketStart: bucketStart,
		Open:        open,
		High:        math.Max(open, tick.Price),
		Low:         math.Min(open, tick.Price),
		Close:       tick.Price,
		LastUpdate:  tick.Timestamp,
	}
}

func fold(c *types.Candle, tick types.Tick) {
	c.High = math.Max(c.High, tick.Price)
	c.Low = math.Min(c.Low, tick.Price)
	c.Close = tick.Price
	c.LastUpdate = tick.Timestamp
}

func barCandle(key types.SubKey, bars types.HistoricalBars, i int) types.Candle {
	bs := bucket.Start(float64(bars.T[i]), key.Timeframe)
	return types.Candle{
		Symbol:      key.Symbol,
		Leg:         key.Leg,
		Timeframe:   key.Timeframe,
		BucketStart: bs,
		Open:        bars.O[i],
		High:        bars.H[i],
		Low:         bars.L[i],
		Close:       bars.C[i],
		LastUpdate:  float64(bs),
	}
}

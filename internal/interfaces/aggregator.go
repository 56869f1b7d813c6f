package interfaces

import (
	"context"

	"chart-sync-engine/internal/types"
)

// Aggregator folds ticks into per-series OHLC candles. Ingest is the only
// mutation path for candle state besides SeedHistory and Reset; callers never
// touch candles directly.
type Aggregator interface {
	// Ingest folds one tick into the series identified by key. The returned
	// bool is false when the tick was dropped (invalid price) and no event
	// was emitted.
	Ingest(ctx context.Context, key types.SubKey, tick types.Tick) (types.CandleUpdateEvent, bool)

	// SeedHistory bulk-loads backfilled bars for a series so live ticks
	// continue the historical sequence instead of restarting it.
	SeedHistory(ctx context.Context, key types.SubKey, bars types.HistoricalBars) error

	// Reset drops all candle state for the series, typically ahead of a
	// fresh historical reload on timeframe change.
	Reset(key types.SubKey)

	// DroppedTicks reports per-reason counts of rejected ticks.
	DroppedTicks() map[string]uint64
}

// HistorySeeder is the slice of Aggregator a panel needs for backfill.
type HistorySeeder interface {
	SeedHistory(ctx context.Context, key types.SubKey, bars types.HistoricalBars) error
	Reset(key types.SubKey)
}

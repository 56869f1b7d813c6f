package aggobs

import (
	"context"

	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/trace"
	"chart-sync-engine/internal/types"
)

// observableAggregator wraps an Aggregator with observability (logging & tracing)
type observableAggregator struct {
	agg interfaces.Aggregator
}

// Compile-time interface check
var _ interfaces.Aggregator = (*observableAggregator)(nil)

// Wrap wraps an aggregator with observability middleware
func Wrap(agg interfaces.Aggregator) interfaces.Aggregator {
	return &observableAggregator{agg: agg}
}

func (oa *observableAggregator) Ingest(ctx context.Context, key types.SubKey, tick types.Tick) (types.CandleUpdateEvent, bool) {
	ev, ok := oa.agg.Ingest(ctx, key, tick)
	if ok {
		logger.DebugSkip(ctx, 1, "Tick ingested",
			"key", key.String(),
			"kind", string(ev.Kind),
			"bucket_start", ev.Candle.BucketStart,
			"close", ev.Candle.Close,
		)
	}
	return ev, ok
}

func (oa *observableAggregator) SeedHistory(ctx context.Context, key types.SubKey, bars types.HistoricalBars) error {
	ctx, span := trace.StartSpan(ctx, "agg.SeedHistory")
	defer span.End()

	err := oa.agg.SeedHistory(ctx, key, bars)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to seed history", err, "key", key.String())
		return err
	}

	logger.InfoSkip(ctx, 1, "History seeded", "key", key.String(), "bars", bars.Len())
	return nil
}

func (oa *observableAggregator) Reset(key types.SubKey) {
	logger.Info(context.Background(), "Series reset", "key", key.String())
	oa.agg.Reset(key)
}

func (oa *observableAggregator) DroppedTicks() map[string]uint64 {
	return oa.agg.DroppedTicks()
}

package feedobs

import (
	"context"

	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/trace"
	"chart-sync-engine/internal/types"
)

// observableFeed wraps a Feed with observability (logging & tracing)
type observableFeed struct {
	feed interfaces.Feed
}

// Compile-time interface check
var _ interfaces.Feed = (*observableFeed)(nil)

// Wrap wraps a feed with observability middleware
func Wrap(feed interfaces.Feed) interfaces.Feed {
	return &observableFeed{feed: feed}
}

func (of *observableFeed) Subscribe(ctx context.Context, key types.SubKey, fn func(types.CandleUpdateEvent)) (interfaces.Handle, error) {
	ctx, span := trace.StartSpan(ctx, "feed.Subscribe")
	defer span.End()

	h, err := of.feed.Subscribe(ctx, key, fn)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to subscribe", err, "key", key.String())
		return nil, err
	}

	logger.InfoSkip(ctx, 1, "Subscribed", "key", key.String())
	return &observableHandle{inner: h, key: key}, nil
}

func (of *observableFeed) Health() types.FeedHealth {
	return of.feed.Health()
}

func (of *observableFeed) OnHealthChange(fn func(types.FeedHealth)) func() {
	return of.feed.OnHealthChange(fn)
}

func (of *observableFeed) Shutdown(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "feed.Shutdown")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Shutting down feed")
	if err := of.feed.Shutdown(ctx); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Feed shutdown failed", err)
		return err
	}
	logger.InfoSkip(ctx, 1, "Feed shut down")
	return nil
}

type observableHandle struct {
	inner interfaces.Handle
	key   types.SubKey
}

func (oh *observableHandle) Release() {
	logger.Debug(context.Background(), "Subscription released", "key", oh.key.String())
	oh.inner.Release()
}

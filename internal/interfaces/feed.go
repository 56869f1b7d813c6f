package interfaces

import (
	"context"

	"chart-sync-engine/internal/types"
)

// Handle is a disposable claim on one live subscription. Release is
// idempotent: panel teardown may run from multiple lifecycle paths.
type Handle interface {
	Release()
}

// Feed owns the logical connection to the tick feed and the reference-counted
// subscription set. The wire subscribe/unsubscribe messages are sent only on
// the 0->1 and 1->0 transitions of a key's reference count.
type Feed interface {
	// Subscribe registers interest in one (symbol, leg, timeframe) key.
	// fn is invoked for every candle update on that key, in tick arrival
	// order. The first subscription overall triggers the connect.
	Subscribe(ctx context.Context, key types.SubKey, fn func(types.CandleUpdateEvent)) (Handle, error)

	// Health returns the current connection health snapshot.
	Health() types.FeedHealth

	// OnHealthChange registers a listener for connection state transitions
	// and returns its unregister func.
	OnHealthChange(fn func(types.FeedHealth)) func()

	// Shutdown force-closes the connection regardless of held subscriptions.
	Shutdown(ctx context.Context) error
}

// Package panel glues one chart panel to the engine: it holds the panel's
// feed subscriptions, seeds the panel from historical bars before live ticks
// arrive, and keeps the panel aligned with its siblings through the sync bus.
package panel

import (
	"context"
	"sync"
	"time"

	"chart-sync-engine/internal/bucket"
	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/syncbus"
	"chart-sync-engine/internal/types"
)

const defaultSeedBuckets = 300

// Surface is the rendering layer's side of the contract: exactly two inbound
// calls. Everything else the renderer needs it reads from the sync bus.
type Surface interface {
	OnCandleUpdate(types.CandleUpdateEvent)
	OnSyncStateChanged(partial types.SyncState)
}

// Spec describes what one panel displays.
type Spec struct {
	Symbol    string
	Legs      []types.Leg
	Timeframe types.Timeframe
	Width     float64 // rendering surface pixel width
	Lookback  time.Duration
}

func (s Spec) lookback() time.Duration {
	if s.Lookback > 0 {
		return s.Lookback
	}
	return time.Duration(s.Timeframe.Seconds()*defaultSeedBuckets) * time.Second
}

// Adapter is the per-panel engine client. Mount and Unmount are idempotent;
// a historical fetch still in flight when the panel unmounts is discarded on
// arrival, never applied.
type Adapter struct {
	spec    Spec
	feed    interfaces.Feed
	bus     *syncbus.Bus
	loader  interfaces.BarLoader     // nil: panel starts from an empty series
	seeder  interfaces.HistorySeeder // nil: backfill feeds the surface only
	surface Surface

	mu          sync.Mutex
	mounted     bool
	handles     []interfaces.Handle
	unsubBus    func()
	unsubHealth func()
	cancelFetch context.CancelFunc
	fetchGen    int
}

func New(spec Spec, feed interfaces.Feed, bus *syncbus.Bus, loader interfaces.BarLoader, seeder interfaces.HistorySeeder, surface Surface) *Adapter {
	return &Adapter{
		spec:    spec,
		feed:    feed,
		bus:     bus,
		loader:  loader,
		seeder:  seeder,
		surface: surface,
	}
}

// Mount acquires the panel's subscriptions and launches the initial
// historical seed. Mounting an already-mounted adapter is a no-op.
func (a *Adapter) Mount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mounted {
		return nil
	}

	for _, leg := range a.spec.Legs {
		key := types.SubKey{Symbol: a.spec.Symbol, Leg: leg, Timeframe: a.spec.Timeframe}
		h, err := a.feed.Subscribe(ctx, key, a.onCandle)
		if err != nil {
			for _, held := range a.handles {
				held.Release()
			}
			a.handles = nil
			return err
		}
		a.handles = append(a.handles, h)
	}

	a.unsubBus = a.bus.Subscribe(a.onSync)
	a.unsubHealth = a.feed.OnHealthChange(a.onHealth)
	a.mounted = true

	now := unixNow()
	a.startBackfillLocked(types.TimeRange{From: now - a.spec.lookback().Seconds(), To: now})
	return nil
}

// Unmount releases everything the panel holds. Safe to call from multiple
// teardown paths; only the first call does work.
func (a *Adapter) Unmount() {
	a.mu.Lock()
	if !a.mounted {
		a.mu.Unlock()
		return
	}
	a.mounted = false
	a.fetchGen++ // invalidates any in-flight historical fetch
	cancel := a.cancelFetch
	a.cancelFetch = nil
	handles := a.handles
	a.handles = nil
	unsubBus, unsubHealth := a.unsubBus, a.unsubHealth
	a.unsubBus, a.unsubHealth = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, h := range handles {
		h.Release()
	}
	if unsubBus != nil {
		unsubBus()
	}
	if unsubHealth != nil {
		unsubHealth()
	}
}

// Reload drops the panel's aggregated series and re-seeds from history, for
// an explicit reload so stale live candles are never spliced onto a fresh
// historical series.
func (a *Adapter) Reload() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.mounted {
		return
	}
	if a.seeder != nil {
		for _, leg := range a.spec.Legs {
			a.seeder.Reset(types.SubKey{Symbol: a.spec.Symbol, Leg: leg, Timeframe: a.spec.Timeframe})
		}
	}
	now := unixNow()
	a.startBackfillLocked(types.TimeRange{From: now - a.spec.lookback().Seconds(), To: now})
}

// PublishHover shares this panel's hover position. The ratio is pixel offset
// over this panel's width; sibling panels of any width recompute their local
// offset from it, which is what makes alignment width-independent.
func (a *Adapter) PublishHover(pixelX, price, timeVisible float64) {
	if a.spec.Width <= 0 {
		return
	}
	ratio := pixelX / a.spec.Width
	a.bus.SetCrosshairTime(&timeVisible)
	a.bus.SetCrosshairPrice(&price)
	a.bus.SetCrosshairRatio(&ratio)
}

// ClearHover withdraws the crosshair, e.g. on pointer leave.
func (a *Adapter) ClearHover() {
	a.bus.SetCrosshairTime(nil)
	a.bus.SetCrosshairPrice(nil)
	a.bus.SetCrosshairRatio(nil)
}

// PublishVisibleRange shares this panel's viewport.
func (a *Adapter) PublishVisibleRange(tr *types.TimeRange, pr *types.PriceRange) {
	a.bus.SetVisibleTimeRange(tr)
	a.bus.SetVisiblePriceRange(pr)
}

// CrosshairOffset translates the shared crosshair ratio into this panel's
// local pixel offset.
func (a *Adapter) CrosshairOffset() (float64, bool) {
	st := a.bus.State()
	if st.CrosshairRatio == nil {
		return 0, false
	}
	return *st.CrosshairRatio * a.spec.Width, true
}

func (a *Adapter) onCandle(ev types.CandleUpdateEvent) {
	a.mu.Lock()
	if !a.mounted {
		a.mu.Unlock()
		return
	}
	surface := a.surface
	a.mu.Unlock()
	surface.OnCandleUpdate(ev)
}

func (a *Adapter) onSync(partial types.SyncState) {
	a.mu.Lock()
	if !a.mounted {
		a.mu.Unlock()
		return
	}
	surface := a.surface
	a.mu.Unlock()
	surface.OnSyncStateChanged(partial)
}

// onHealth reacts to the shared connection signal. A health event carrying a
// gap interval means the feed reconnected with gap backfill enabled; the
// panel re-seeds the missed span.
func (a *Adapter) onHealth(h types.FeedHealth) {
	if h.Gap == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.mounted {
		return
	}
	a.startBackfillLocked(*h.Gap)
}

// startBackfillLocked launches a cancellable historical fetch. Each launch
// bumps the generation; a result whose generation is no longer current is
// discarded so a stale unmount's data can never overwrite a fresher mount.
func (a *Adapter) startBackfillLocked(tr types.TimeRange) {
	if a.loader == nil {
		return
	}
	if a.cancelFetch != nil {
		a.cancelFetch()
	}
	a.fetchGen++
	gen := a.fetchGen
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelFetch = cancel
	go a.fetch(ctx, gen, tr)
}

func (a *Adapter) fetch(ctx context.Context, gen int, tr types.TimeRange) {
	from := time.Unix(int64(tr.From), 0).UTC()
	to := time.Unix(int64(tr.To), 0).UTC()

	bars, err := a.loader.Load(ctx, a.spec.Symbol, a.spec.Timeframe, from, to)
	if err != nil {
		// Surfaced to this panel only: it falls back to an empty series and
		// may retry independently. Sibling panels never see this.
		logger.Warn(ctx, "Backfill failed, starting from empty series",
			"symbol", a.spec.Symbol,
			"timeframe", string(a.spec.Timeframe),
			"error", err,
		)
		return
	}
	a.applyBars(ctx, gen, bars)
}

func (a *Adapter) applyBars(ctx context.Context, gen int, bars types.HistoricalBars) {
	a.mu.Lock()
	if !a.mounted || gen != a.fetchGen {
		a.mu.Unlock()
		logger.Debug(ctx, "Discarding stale backfill result", "symbol", a.spec.Symbol)
		return
	}
	seeder := a.seeder
	surface := a.surface
	// Deliver outside the lock, like onCandle and onSync, so a surface
	// reacting to a seeded candle (e.g. by writing the sync bus) cannot
	// re-enter the adapter and deadlock.
	a.mu.Unlock()

	if seeder != nil {
		for _, leg := range a.spec.Legs {
			key := types.SubKey{Symbol: a.spec.Symbol, Leg: leg, Timeframe: a.spec.Timeframe}
			if err := seeder.SeedHistory(ctx, key, bars); err != nil {
				logger.Warn(ctx, "Seeding aggregator from backfill failed", "key", key.String(), "error", err)
			}
		}
	}

	for i := 0; i < bars.Len(); i++ {
		bs := bucket.Start(float64(bars.T[i]), a.spec.Timeframe)
		for _, leg := range a.spec.Legs {
			surface.OnCandleUpdate(types.CandleUpdateEvent{
				Kind: types.CandleCreated,
				Candle: types.Candle{
					Symbol:      a.spec.Symbol,
					Leg:         leg,
					Timeframe:   a.spec.Timeframe,
					BucketStart: bs,
					Open:        bars.O[i],
					High:        bars.H[i],
					Low:         bars.L[i],
					Close:       bars.C[i],
					LastUpdate:  float64(bs),
				},
			})
		}
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

package panel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/syncbus"
	"chart-sync-engine/internal/types"
)

type fakeHandle struct {
	feed *fakeFeed
	key  types.SubKey
}

func (h *fakeHandle) Release() {
	h.feed.mu.Lock()
	h.feed.released = append(h.feed.released, h.key)
	h.feed.mu.Unlock()
}

type fakeFeed struct {
	mu        sync.Mutex
	subs      []types.SubKey
	released  []types.SubKey
	healthFns map[int]func(types.FeedHealth)
	nextID    int
	failOn    int // 1-based subscribe call to fail, 0 never
	calls     int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{healthFns: map[int]func(types.FeedHealth){}}
}

func (f *fakeFeed) Subscribe(_ context.Context, key types.SubKey, _ func(types.CandleUpdateEvent)) (interfaces.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn != 0 && f.calls == f.failOn {
		return nil, errors.New("subscribe refused")
	}
	f.subs = append(f.subs, key)
	return &fakeHandle{feed: f, key: key}, nil
}

func (f *fakeFeed) Health() types.FeedHealth { return types.FeedHealth{} }

func (f *fakeFeed) OnHealthChange(fn func(types.FeedHealth)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.healthFns[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.healthFns, id)
		f.mu.Unlock()
	}
}

func (f *fakeFeed) fireHealth(h types.FeedHealth) {
	f.mu.Lock()
	fns := make([]func(types.FeedHealth), 0, len(f.healthFns))
	for _, fn := range f.healthFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(h)
	}
}

func (f *fakeFeed) Shutdown(context.Context) error { return nil }

type loadCall struct {
	symbol   string
	from, to time.Time
}

type fakeLoader struct {
	mu    sync.Mutex
	bars  types.HistoricalBars
	err   error
	gate  chan struct{} // when non-nil, Load blocks until closed
	calls []loadCall
}

func (l *fakeLoader) Load(ctx context.Context, symbol string, _ types.Timeframe, from, to time.Time) (types.HistoricalBars, error) {
	l.mu.Lock()
	l.calls = append(l.calls, loadCall{symbol: symbol, from: from, to: to})
	gate := l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.HistoricalBars{}, ctx.Err()
		}
	}
	return l.bars, l.err
}

func (l *fakeLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type fakeSeeder struct {
	mu     sync.Mutex
	seeded []types.SubKey
	resets []types.SubKey
}

func (s *fakeSeeder) SeedHistory(_ context.Context, key types.SubKey, _ types.HistoricalBars) error {
	s.mu.Lock()
	s.seeded = append(s.seeded, key)
	s.mu.Unlock()
	return nil
}

func (s *fakeSeeder) Reset(key types.SubKey) {
	s.mu.Lock()
	s.resets = append(s.resets, key)
	s.mu.Unlock()
}

type recordingSurface struct {
	mu      sync.Mutex
	candles []types.CandleUpdateEvent
	syncs   []types.SyncState
}

func (s *recordingSurface) OnCandleUpdate(ev types.CandleUpdateEvent) {
	s.mu.Lock()
	s.candles = append(s.candles, ev)
	s.mu.Unlock()
}

func (s *recordingSurface) OnSyncStateChanged(p types.SyncState) {
	s.mu.Lock()
	s.syncs = append(s.syncs, p)
	s.mu.Unlock()
}

func (s *recordingSurface) candleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func testSpec() Spec {
	return Spec{
		Symbol:    "NIFTY",
		Legs:      []types.Leg{types.LegUnderlying},
		Timeframe: types.Timeframe1m,
		Width:     400,
	}
}

func testBars() types.HistoricalBars {
	return types.HistoricalBars{
		T: []int64{60, 120},
		O: []float64{10, 12},
		H: []float64{12, 12.5},
		L: []float64{10, 11},
		C: []float64{12, 11.5},
	}
}

func TestMountSubscribesAndSeeds(t *testing.T) {
	feed := newFakeFeed()
	loader := &fakeLoader{bars: testBars()}
	seeder := &fakeSeeder{}
	surface := &recordingSurface{}

	spec := testSpec()
	spec.Legs = []types.Leg{types.LegCall, types.LegPut}
	a := New(spec, feed, syncbus.New(), loader, seeder, surface)

	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer a.Unmount()

	feed.mu.Lock()
	subs := len(feed.subs)
	feed.mu.Unlock()
	if subs != 2 {
		t.Errorf("Expected one subscription per leg, got %d", subs)
	}

	// 2 bars * 2 legs delivered as created events.
	waitUntil(t, "seeded candles", func() bool { return surface.candleCount() == 4 })

	seeder.mu.Lock()
	seeded := len(seeder.seeded)
	seeder.mu.Unlock()
	if seeded != 2 {
		t.Errorf("Expected aggregator seeded per leg, got %d", seeded)
	}

	surface.mu.Lock()
	defer surface.mu.Unlock()
	for _, ev := range surface.candles {
		if ev.Kind != types.CandleCreated {
			t.Errorf("Expected created events from backfill, got %s", ev.Kind)
		}
	}
}

func TestMountIsIdempotent(t *testing.T) {
	feed := newFakeFeed()
	a := New(testSpec(), feed, syncbus.New(), nil, nil, &recordingSurface{})

	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Second mount failed: %v", err)
	}
	defer a.Unmount()

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if len(feed.subs) != 1 {
		t.Errorf("Expected repeated mount to not resubscribe, got %d subscriptions", len(feed.subs))
	}
}

func TestMountRollsBackOnSubscribeError(t *testing.T) {
	feed := newFakeFeed()
	feed.failOn = 2
	spec := testSpec()
	spec.Legs = []types.Leg{types.LegCall, types.LegPut}
	a := New(spec, feed, syncbus.New(), nil, nil, &recordingSurface{})

	if err := a.Mount(context.Background()); err == nil {
		t.Fatal("Expected mount to fail when a leg subscription fails")
	}

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if len(feed.released) != 1 {
		t.Errorf("Expected the acquired handle to be rolled back, got %d releases", len(feed.released))
	}
}

func TestUnmountReleasesEverythingOnce(t *testing.T) {
	feed := newFakeFeed()
	a := New(testSpec(), feed, syncbus.New(), nil, nil, &recordingSurface{})

	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	a.Unmount()
	a.Unmount()
	a.Unmount()

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if len(feed.released) != 1 {
		t.Errorf("Expected exactly 1 release for repeated unmount, got %d", len(feed.released))
	}
	if len(feed.healthFns) != 0 {
		t.Errorf("Expected health listener unregistered, %d remain", len(feed.healthFns))
	}
}

func TestStaleBackfillDiscardedAfterUnmount(t *testing.T) {
	feed := newFakeFeed()
	gate := make(chan struct{})
	loader := &fakeLoader{bars: testBars(), gate: gate}
	seeder := &fakeSeeder{}
	surface := &recordingSurface{}

	a := New(testSpec(), feed, syncbus.New(), loader, seeder, surface)
	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	waitUntil(t, "fetch started", func() bool { return loader.callCount() == 1 })

	// Unmount while the fetch is in flight, then let it complete.
	a.Unmount()
	close(gate)

	time.Sleep(20 * time.Millisecond)
	if n := surface.candleCount(); n != 0 {
		t.Errorf("Expected stale backfill result discarded, surface got %d candles", n)
	}
	seeder.mu.Lock()
	defer seeder.mu.Unlock()
	if len(seeder.seeded) != 0 {
		t.Errorf("Expected no seeding from a stale fetch, got %d", len(seeder.seeded))
	}
}

// reactiveSurface writes the sync bus from its candle handler, the way a
// renderer updating its own viewport after a seed would.
type reactiveSurface struct {
	recordingSurface
	bus *syncbus.Bus
}

func (s *reactiveSurface) OnCandleUpdate(ev types.CandleUpdateEvent) {
	s.recordingSurface.OnCandleUpdate(ev)
	r := 0.1
	s.bus.SetCrosshairRatio(&r)
}

func TestSeededCandleHandlerMayWriteSyncBus(t *testing.T) {
	feed := newFakeFeed()
	loader := &fakeLoader{bars: testBars()}
	bus := syncbus.New()
	surface := &reactiveSurface{bus: bus}

	a := New(testSpec(), feed, bus, loader, &fakeSeeder{}, surface)
	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer a.Unmount()

	// The adapter is subscribed to the bus it is being written to; the seed
	// must complete without the bus write re-entering the adapter's lock.
	waitUntil(t, "seeded candles", func() bool { return surface.candleCount() == 2 })

	st := bus.State()
	if st.CrosshairRatio == nil || *st.CrosshairRatio != 0.1 {
		t.Errorf("Expected surface's bus write applied, got %v", st.CrosshairRatio)
	}
}

func TestBackfillErrorLeavesEmptySeries(t *testing.T) {
	feed := newFakeFeed()
	loader := &fakeLoader{err: errors.New("upstream 502")}
	surface := &recordingSurface{}

	a := New(testSpec(), feed, syncbus.New(), loader, &fakeSeeder{}, surface)
	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer a.Unmount()

	waitUntil(t, "fetch attempted", func() bool { return loader.callCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := surface.candleCount(); n != 0 {
		t.Errorf("Expected empty series on backfill failure, got %d candles", n)
	}
}

func TestHoverRatioSharedAcrossWidths(t *testing.T) {
	bus := syncbus.New()
	wide := New(testSpec(), newFakeFeed(), bus, nil, nil, &recordingSurface{})

	narrowSpec := testSpec()
	narrowSpec.Width = 200
	narrow := New(narrowSpec, newFakeFeed(), bus, nil, nil, &recordingSurface{})

	// Hover at pixel 168 of a 400px panel: ratio 0.42.
	wide.PublishHover(168, 21500.5, 1000)

	st := bus.State()
	if st.CrosshairRatio == nil || *st.CrosshairRatio != 0.42 {
		t.Fatalf("Expected shared ratio 0.42, got %v", st.CrosshairRatio)
	}
	if st.CrosshairPrice == nil || *st.CrosshairPrice != 21500.5 {
		t.Errorf("Expected shared price 21500.5, got %v", st.CrosshairPrice)
	}

	// The 200px sibling renders the crosshair at 84px.
	off, ok := narrow.CrosshairOffset()
	if !ok {
		t.Fatal("Expected sibling to see the crosshair")
	}
	if off != 84 {
		t.Errorf("Expected sibling offset 84, got %v", off)
	}

	wide.ClearHover()
	if _, ok := narrow.CrosshairOffset(); ok {
		t.Error("Expected crosshair withdrawn after ClearHover")
	}
}

func TestSyncUpdatesReachMountedSurface(t *testing.T) {
	bus := syncbus.New()
	surface := &recordingSurface{}
	a := New(testSpec(), newFakeFeed(), bus, nil, nil, surface)

	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	ratio := 0.42
	bus.SetCrosshairRatio(&ratio)

	surface.mu.Lock()
	got := len(surface.syncs)
	surface.mu.Unlock()
	if got != 1 {
		t.Fatalf("Expected 1 sync notification, got %d", got)
	}

	a.Unmount()
	bus.SetCrosshairRatio(&ratio)

	surface.mu.Lock()
	defer surface.mu.Unlock()
	if len(surface.syncs) != 1 {
		t.Errorf("Expected no sync notifications after unmount, got %d", len(surface.syncs))
	}
}

func TestPublishVisibleRange(t *testing.T) {
	bus := syncbus.New()
	a := New(testSpec(), newFakeFeed(), bus, nil, nil, &recordingSurface{})

	a.PublishVisibleRange(&types.TimeRange{From: 100, To: 200}, &types.PriceRange{Min: 10, Max: 20})

	st := bus.State()
	if st.VisibleTimeRange == nil || st.VisibleTimeRange.To != 200 {
		t.Errorf("Expected visible time range published, got %+v", st.VisibleTimeRange)
	}
	if st.VisiblePriceRange == nil || st.VisiblePriceRange.Min != 10 {
		t.Errorf("Expected visible price range published, got %+v", st.VisiblePriceRange)
	}
}

func TestReloadResetsAndRefetches(t *testing.T) {
	feed := newFakeFeed()
	loader := &fakeLoader{bars: testBars()}
	seeder := &fakeSeeder{}
	a := New(testSpec(), feed, syncbus.New(), loader, seeder, &recordingSurface{})

	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer a.Unmount()
	waitUntil(t, "initial fetch", func() bool { return loader.callCount() == 1 })

	a.Reload()

	seeder.mu.Lock()
	resets := len(seeder.resets)
	seeder.mu.Unlock()
	if resets != 1 {
		t.Errorf("Expected series reset on reload, got %d", resets)
	}
	waitUntil(t, "reload fetch", func() bool { return loader.callCount() == 2 })
}

func TestHealthGapTriggersReseed(t *testing.T) {
	feed := newFakeFeed()
	loader := &fakeLoader{bars: testBars()}
	a := New(testSpec(), feed, syncbus.New(), loader, &fakeSeeder{}, &recordingSurface{})

	if err := a.Mount(context.Background()); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer a.Unmount()
	waitUntil(t, "initial fetch", func() bool { return loader.callCount() == 1 })

	feed.fireHealth(types.FeedHealth{State: types.Connected, Gap: &types.TimeRange{From: 1000, To: 1600}})

	waitUntil(t, "gap fetch", func() bool { return loader.callCount() == 2 })
	loader.mu.Lock()
	call := loader.calls[1]
	loader.mu.Unlock()
	if call.from.Unix() != 1000 || call.to.Unix() != 1600 {
		t.Errorf("Expected gap [1000, 1600] fetched, got [%d, %d]", call.from.Unix(), call.to.Unix())
	}

	// Health events without a gap never refetch.
	feed.fireHealth(types.FeedHealth{State: types.Reconnecting})
	time.Sleep(20 * time.Millisecond)
	if loader.callCount() != 2 {
		t.Errorf("Expected no fetch for gapless health event, got %d calls", loader.callCount())
	}
}

// Package feed owns the logical connection to the tick feed and the
// reference-counted subscription set. Panels subscribe per (symbol, leg,
// timeframe) key; the wire subscribe/unsubscribe is sent only on the 0->1 and
// 1->0 reference transitions, and every reconnect replays the full held set
// so it is transparent to panels.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/types"
)

type Config struct {
	URL               string
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	HandshakeTimeout  time.Duration
	ReconnectBackfill bool
}

func (c Config) withDefaults() Config {
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// subEntry is the arena record for one subscription key.
type subEntry struct {
	count    int
	lastSeen float64
	handles  map[*subHandle]func(types.CandleUpdateEvent)
}

type Manager struct {
	cfg  Config
	dial Dialer
	sink interfaces.Aggregator

	mu             sync.Mutex
	state          types.ConnState
	subs           map[types.SubKey]*subEntry
	order          []types.SubKey // subscription creation order, for stable replay
	totalRefs      int
	running        bool
	stop           chan struct{}
	runDone        chan struct{}
	outbound       chan controlMessage
	connectedAt    float64
	disconnectedAt float64
	healthSubs     map[int]func(types.FeedHealth)
	nextHealthID   int
}

var _ interfaces.Feed = (*Manager)(nil)

func NewManager(cfg Config, dial Dialer, sink interfaces.Aggregator) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		dial:       dial,
		sink:       sink,
		state:      types.Disconnected,
		subs:       make(map[types.SubKey]*subEntry),
		healthSubs: make(map[int]func(types.FeedHealth)),
	}
}

// Subscribe increments the reference count for key and returns a disposable
// handle. The first subscription overall starts the connection; a first
// reference on an already-connected feed sends the subscribe immediately;
// otherwise the replay on the next CONNECTED transition covers it.
func (m *Manager) Subscribe(ctx context.Context, key types.SubKey, fn func(types.CandleUpdateEvent)) (interfaces.Handle, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("subscribe: invalid key %q", key.String())
	}
	if fn == nil {
		fn = func(types.CandleUpdateEvent) {}
	}

	m.mu.Lock()
	e := m.subs[key]
	if e == nil {
		e = &subEntry{handles: make(map[*subHandle]func(types.CandleUpdateEvent))}
		m.subs[key] = e
		m.order = append(m.order, key)
	}
	e.count++
	m.totalRefs++

	h := &subHandle{m: m, key: key}
	e.handles[h] = fn

	first := e.count == 1
	starting := !m.running
	if starting {
		m.running = true
		m.stop = make(chan struct{})
		m.runDone = make(chan struct{})
		m.outbound = make(chan controlMessage, 64)
		go m.run(m.stop, m.runDone, m.outbound)
	} else if first && m.state == types.Connected {
		m.enqueueLocked(subscribeMsg(key))
	}
	m.mu.Unlock()

	logger.Debug(ctx, "Subscription acquired", "key", key.String(), "first_ref", first)
	return h, nil
}

// subHandle is the disposable claim returned to each subscriber. Release is
// idempotent.
type subHandle struct {
	m    *Manager
	key  types.SubKey
	once sync.Once
}

func (h *subHandle) Release() {
	h.once.Do(func() { h.m.release(h) })
}

func (m *Manager) release(h *subHandle) {
	m.mu.Lock()
	e := m.subs[h.key]
	if e == nil {
		m.mu.Unlock()
		return
	}
	if _, held := e.handles[h]; !held {
		m.mu.Unlock()
		return
	}
	delete(e.handles, h)
	e.count--
	m.totalRefs--

	if e.count == 0 {
		// Last reference: drop the arena entry and tell the feed,
		// best-effort. Aggregator candle state is deliberately retained
		// (lazy eviction) so a fast remount does not lose the open candle.
		delete(m.subs, h.key)
		m.removeFromOrderLocked(h.key)
		if m.state == types.Connected {
			m.enqueueLocked(unsubscribeMsg(h.key))
		}
	}

	var stopCh chan struct{}
	if m.totalRefs == 0 && m.running {
		m.running = false
		stopCh = m.stop
	}
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
}

func (m *Manager) removeFromOrderLocked(key types.SubKey) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// enqueueLocked queues a control frame for the serve loop, non-blocking.
// A full queue is logged and dropped; subscribe state is reconciled by the
// replay on the next connect, and unsubscribe is idempotent on the feed side.
func (m *Manager) enqueueLocked(msg controlMessage) {
	select {
	case m.outbound <- msg:
	default:
		logger.Warn(context.Background(), "Feed control queue full, dropping frame",
			"action", msg.Action, "symbol", msg.Symbol)
	}
}

// run is the connection lifecycle loop: dial, replay subscriptions, serve,
// and on transport failure reconnect with capped exponential backoff for as
// long as at least one subscription is held.
//
// The stop channel doubles as the loop's identity: a loop wound down by the
// last release can still be draining a slow dial when a rapid resubscribe
// spawns a fresh loop, so every state write checks that stop is still the
// manager's current one and becomes a no-op otherwise.
func (m *Manager) run(stop, done chan struct{}, outbound chan controlMessage) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	backoff := m.cfg.BackoffMin
	everConnected := false

	for {
		if stopped(stop) {
			m.transition(stop, types.Disconnected, nil)
			return
		}
		if !everConnected {
			m.transition(stop, types.Connecting, nil)
		}

		conn, err := m.dial(ctx)
		if err != nil {
			logger.Warn(ctx, "Feed dial failed", "error", err, "retry_in", backoff.String())
			if !sleepOrStop(stop, backoff) {
				m.transition(stop, types.Disconnected, nil)
				return
			}
			backoff = nextBackoff(backoff, m.cfg.BackoffMax)
			continue
		}

		backoff = m.cfg.BackoffMin
		everConnected = true
		gap := m.noteConnected(stop)

		// The state flip and the replay snapshot are taken under one lock:
		// a Subscribe before the flip lands in the snapshot, one after it
		// goes through the outbound queue. Never both, never neither.
		drainControl(outbound)
		keys := m.connectedTransition(stop, gap)
		m.replay(ctx, conn, keys)

		err = m.serve(ctx, conn, stop, outbound)
		conn.Close()
		m.noteDisconnected(stop)

		if stopped(stop) {
			m.transition(stop, types.Disconnected, nil)
			return
		}

		logger.Warn(ctx, "Feed connection lost", "error", err)
		m.transition(stop, types.Reconnecting, nil)
		if !sleepOrStop(stop, backoff) {
			m.transition(stop, types.Disconnected, nil)
			return
		}
		backoff = nextBackoff(backoff, m.cfg.BackoffMax)
	}
}

// currentLocked reports whether stop still identifies the active run loop.
func (m *Manager) currentLocked(stop chan struct{}) bool {
	return m.stop == stop
}

// connectedTransition flips the state to CONNECTED and snapshots the held
// subscription set in creation order, atomically. A stale loop gets an empty
// snapshot and leaves the live loop's state alone.
func (m *Manager) connectedTransition(stop chan struct{}, gap *types.TimeRange) []types.SubKey {
	m.mu.Lock()
	if !m.currentLocked(stop) {
		m.mu.Unlock()
		return nil
	}
	m.state = types.Connected
	keys := append([]types.SubKey(nil), m.order...)
	health := m.healthLocked(gap)
	listeners := make([]func(types.FeedHealth), 0, len(m.healthSubs))
	for _, fn := range m.healthSubs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	logger.Info(context.Background(), "Feed state changed", "state", types.Connected.String())
	for _, fn := range listeners {
		fn(health)
	}
	return keys
}

// replay resends every currently-held subscription in creation order so a
// reconnect is invisible to panels.
func (m *Manager) replay(ctx context.Context, conn Conn, keys []types.SubKey) {
	for _, key := range keys {
		if err := conn.WriteJSON(subscribeMsg(key)); err != nil {
			logger.Warn(ctx, "Subscription replay write failed", "key", key.String(), "error", err)
			return
		}
	}
	logger.Info(ctx, "Subscriptions replayed", "count", len(keys))
}

func (m *Manager) serve(ctx context.Context, conn Conn, stop chan struct{}, outbound chan controlMessage) error {
	readErr := make(chan error, 1)
	frames := make(chan []byte, 64)

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- raw:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-stop:
			return nil
		case msg := <-outbound:
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("control write: %w", err)
			}
		case raw := <-frames:
			m.handleInbound(ctx, raw)
		case err := <-readErr:
			return err
		}
	}
}

func (m *Manager) handleInbound(ctx context.Context, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn(ctx, "Unparseable feed frame", "error", err)
		return
	}
	switch msg.Type {
	case msgTick:
		m.routeTick(ctx, msg)
	case msgAck:
		logger.Debug(ctx, "Feed ack", "message", msg.Message)
	case msgError:
		// Control errors are consumed here, never forwarded to panels.
		logger.Warn(ctx, "Feed error frame", "message", msg.Message)
	default:
		logger.Debug(ctx, "Ignoring feed frame", "type", msg.Type)
	}
}

// routeTick fans one tick out to the aggregator for every held timeframe of
// its (symbol, leg). Ticks for keys with zero active references are dropped
// without side effects; they are late in-flight messages for a released
// subscription.
func (m *Manager) routeTick(ctx context.Context, msg inboundMessage) {
	tick := types.Tick{
		Symbol:    msg.Symbol,
		Leg:       msg.Leg,
		Timestamp: msg.Timestamp,
		Price:     msg.Price,
		Metrics:   msg.Metrics,
	}

	type target struct {
		key types.SubKey
		fns []func(types.CandleUpdateEvent)
	}
	var targets []target

	m.mu.Lock()
	for _, key := range m.order {
		if key.Symbol != tick.Symbol || key.Leg != tick.Leg {
			continue
		}
		e := m.subs[key]
		if e == nil || e.count == 0 {
			continue
		}
		e.lastSeen = tick.Timestamp
		fns := make([]func(types.CandleUpdateEvent), 0, len(e.handles))
		for _, fn := range e.handles {
			fns = append(fns, fn)
		}
		targets = append(targets, target{key: key, fns: fns})
	}
	m.mu.Unlock()

	for _, t := range targets {
		ev, ok := m.sink.Ingest(ctx, t.key, tick)
		if !ok {
			continue
		}
		for _, fn := range t.fns {
			fn(ev)
		}
	}
}

// Health returns the current connection health snapshot.
func (m *Manager) Health() types.FeedHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthLocked(nil)
}

// OnHealthChange registers a state-transition listener and returns its
// unregister func. This is the single globally visible error surface; per-key
// failures never reach it.
func (m *Manager) OnHealthChange(fn func(types.FeedHealth)) func() {
	m.mu.Lock()
	id := m.nextHealthID
	m.nextHealthID++
	m.healthSubs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.healthSubs, id)
		m.mu.Unlock()
	}
}

// Shutdown force-closes the connection regardless of held subscriptions.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var stopCh, done chan struct{}
	if m.running {
		m.running = false
		stopCh = m.stop
		done = m.runDone
	}
	m.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) transition(stop chan struct{}, state types.ConnState, gap *types.TimeRange) {
	m.mu.Lock()
	if !m.currentLocked(stop) {
		m.mu.Unlock()
		return
	}
	if m.state == state && gap == nil {
		m.mu.Unlock()
		return
	}
	m.state = state
	health := m.healthLocked(gap)
	listeners := make([]func(types.FeedHealth), 0, len(m.healthSubs))
	for _, fn := range m.healthSubs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	logger.Info(context.Background(), "Feed state changed", "state", state.String())
	for _, fn := range listeners {
		fn(health)
	}
}

func (m *Manager) healthLocked(gap *types.TimeRange) types.FeedHealth {
	return types.FeedHealth{
		State:          m.state,
		ConnectedAt:    m.connectedAt,
		DisconnectedAt: m.disconnectedAt,
		Gap:            gap,
	}
}

// noteConnected records the connect time and, when gap backfill is enabled,
// returns the interval the feed was down so panels may re-seed it.
func (m *Manager) noteConnected(stop chan struct{}) *types.TimeRange {
	now := unixNow()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(stop) {
		return nil
	}
	var gap *types.TimeRange
	if m.cfg.ReconnectBackfill && m.disconnectedAt > 0 {
		gap = &types.TimeRange{From: m.disconnectedAt, To: now}
	}
	m.connectedAt = now
	m.disconnectedAt = 0
	return gap
}

func (m *Manager) noteDisconnected(stop chan struct{}) {
	m.mu.Lock()
	if m.currentLocked(stop) && m.disconnectedAt == 0 {
		m.disconnectedAt = unixNow()
	}
	m.mu.Unlock()
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func sleepOrStop(stop chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

func drainControl(ch chan controlMessage) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

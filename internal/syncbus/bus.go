// Package syncbus holds the process-wide crosshair and viewport state shared
// by every chart panel. The bus is an explicitly constructed instance handed
// to each panel at composition time, never an ambient singleton.
package syncbus

import (
	"sync"

	"chart-sync-engine/internal/types"
)

// Bus applies last-write-wins per field with no merge logic. Writers never
// block on readers; notifications carry only the field that changed, and
// subscribers wanting a consistent pair of fields read State() once per
// render pass instead of field-by-field across renders.
type Bus struct {
	mu     sync.RWMutex
	state  types.SyncState
	subs   map[int]func(types.SyncState)
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]func(types.SyncState))}
}

// Subscribe registers a listener for partial state updates and returns its
// unsubscribe func. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(fn func(partial types.SyncState)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// State returns a snapshot of all five fields. Pointer fields are copied so
// the caller can never alias live bus state.
func (b *Bus) State() types.SyncState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return types.SyncState{
		CrosshairTime:     copyFloat(b.state.CrosshairTime),
		CrosshairPrice:    copyFloat(b.state.CrosshairPrice),
		CrosshairRatio:    copyFloat(b.state.CrosshairRatio),
		VisibleTimeRange:  copyTimeRange(b.state.VisibleTimeRange),
		VisiblePriceRange: copyPriceRange(b.state.VisiblePriceRange),
	}
}

func (b *Bus) SetCrosshairTime(v *float64) {
	b.write(func(s *types.SyncState) { s.CrosshairTime = copyFloat(v) },
		types.SyncState{CrosshairTime: copyFloat(v)})
}

func (b *Bus) SetCrosshairPrice(v *float64) {
	b.write(func(s *types.SyncState) { s.CrosshairPrice = copyFloat(v) },
		types.SyncState{CrosshairPrice: copyFloat(v)})
}

func (b *Bus) SetCrosshairRatio(v *float64) {
	b.write(func(s *types.SyncState) { s.CrosshairRatio = copyFloat(v) },
		types.SyncState{CrosshairRatio: copyFloat(v)})
}

func (b *Bus) SetVisibleTimeRange(v *types.TimeRange) {
	b.write(func(s *types.SyncState) { s.VisibleTimeRange = copyTimeRange(v) },
		types.SyncState{VisibleTimeRange: copyTimeRange(v)})
}

func (b *Bus) SetVisiblePriceRange(v *types.PriceRange) {
	b.write(func(s *types.SyncState) { s.VisiblePriceRange = copyPriceRange(v) },
		types.SyncState{VisiblePriceRange: copyPriceRange(v)})
}

func (b *Bus) write(apply func(*types.SyncState), partial types.SyncState) {
	b.mu.Lock()
	apply(&b.state)
	listeners := make([]func(types.SyncState), 0, len(b.subs))
	for _, fn := range b.subs {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(partial)
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTimeRange(v *types.TimeRange) *types.TimeRange {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyPriceRange(v *types.PriceRange) *types.PriceRange {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

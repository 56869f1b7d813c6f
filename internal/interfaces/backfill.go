package interfaces

import (
	"context"
	"time"

	"chart-sync-engine/internal/types"
)

// BarLoader fetches historical bars to seed a panel before live ticks arrive.
type BarLoader interface {
	Load(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) (types.HistoricalBars, error)
}

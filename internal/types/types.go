package types

import "fmt"

// Leg identifies one independently charted side of an instrument.
type Leg string

const (
	LegUnderlying Leg = "underlying"
	LegCall       Leg = "call"
	LegPut        Leg = "put"
	LegFuture     Leg = "future"
)

func (l Leg) Valid() bool {
	switch l {
	case LegUnderlying, LegCall, LegPut, LegFuture:
		return true
	}
	return false
}

// Timeframe is the bucket width a panel charts at.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe2m  Timeframe = "2m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe60m Timeframe = "60m"
	Timeframe1d  Timeframe = "1d"
)

var timeframeSeconds = map[Timeframe]int64{
	Timeframe1m:  60,
	Timeframe2m:  120,
	Timeframe3m:  180,
	Timeframe5m:  300,
	Timeframe15m: 900,
	Timeframe30m: 1800,
	Timeframe60m: 3600,
	Timeframe1d:  86400,
}

// Seconds returns the bucket width in seconds, or 0 for an unknown timeframe.
func (tf Timeframe) Seconds() int64 {
	return timeframeSeconds[tf]
}

func (tf Timeframe) Valid() bool {
	return timeframeSeconds[tf] != 0
}

// SubKey identifies one live subscription and one candle series.
type SubKey struct {
	Symbol    string
	Leg       Leg
	Timeframe Timeframe
}

func (k SubKey) Valid() bool {
	return k.Symbol != "" && k.Leg.Valid() && k.Timeframe.Valid()
}

func (k SubKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Symbol, k.Leg, k.Timeframe)
}

// InstrumentKey identifies a leg independent of timeframe. Inbound ticks and
// the latest-metrics snapshot store are keyed by it.
type InstrumentKey struct {
	Symbol string
	Leg    Leg
}

// Metrics is the opaque numeric side-channel riding on a tick
// (iv, delta, gamma, theta, vega, oi, oi_delta, premium, ...).
type Metrics map[string]float64

// Clone returns an independent copy so snapshots never alias live maps.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Tick is one inbound price/metrics observation for one leg. Timestamps are
// epoch seconds and may be fractional. Ticks are neither ordered nor unique.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Leg       Leg     `json:"leg"`
	Timestamp float64 `json:"timestamp"`
	Price     float64 `json:"price"`
	Metrics   Metrics `json:"metrics,omitempty"`
}

func (t Tick) Instrument() InstrumentKey {
	return InstrumentKey{Symbol: t.Symbol, Leg: t.Leg}
}

// Candle is one OHLC bucket for a series. Open while its bucket is current,
// immutable once a later bucket opens (save for late ticks still inside it).
type Candle struct {
	Symbol      string    `json:"symbol"`
	Leg         Leg       `json:"leg"`
	Timeframe   Timeframe `json:"timeframe"`
	BucketStart int64     `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	LastUpdate  float64   `json:"last_update"`
}

func (c Candle) Key() SubKey {
	return SubKey{Symbol: c.Symbol, Leg: c.Leg, Timeframe: c.Timeframe}
}

// UpdateKind tags a candle event as opening a new bucket or mutating the
// current one.
type UpdateKind string

const (
	CandleCreated UpdateKind = "created"
	CandleUpdated UpdateKind = "updated"
)

// CandleUpdateEvent is the aggregator's output: a full candle snapshot plus
// the latest known metrics for the leg. Metrics are never OHLC-aggregated.
type CandleUpdateEvent struct {
	Kind    UpdateKind `json:"kind"`
	Candle  Candle     `json:"candle"`
	Metrics Metrics    `json:"metrics,omitempty"`
}

// TimeRange is a visible or requested [From, To] span in epoch seconds.
type TimeRange struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// PriceRange is a visible [Min, Max] price span.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SyncState is the process-wide shared crosshair/viewport state. Nil means
// "not set". Fields are written independently; readers wanting a consistent
// pair must snapshot once per render pass.
type SyncState struct {
	CrosshairTime     *float64    `json:"crosshair_time,omitempty"`
	CrosshairPrice    *float64    `json:"crosshair_price,omitempty"`
	CrosshairRatio    *float64    `json:"crosshair_ratio,omitempty"`
	VisibleTimeRange  *TimeRange  `json:"visible_time_range,omitempty"`
	VisiblePriceRange *PriceRange `json:"visible_price_range,omitempty"`
}

// HistoricalBars is the backfill wire shape: parallel arrays of bucket start
// times and OHLC values.
type HistoricalBars struct {
	T []int64   `json:"t"`
	O []float64 `json:"o"`
	H []float64 `json:"h"`
	L []float64 `json:"l"`
	C []float64 `json:"c"`
}

func (b HistoricalBars) Len() int {
	return len(b.T)
}

// Ragged reports whether the parallel arrays disagree on length.
func (b HistoricalBars) Ragged() bool {
	n := len(b.T)
	return len(b.O) != n || len(b.H) != n || len(b.L) != n || len(b.C) != n
}

// ConnState is the feed connection state machine position.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	}
	return "UNKNOWN"
}

// FeedHealth is the single globally visible connection signal. Gap is set on
// a CONNECTED transition that followed a drop, when gap backfill is enabled,
// and covers the interval the feed was down.
type FeedHealth struct {
	State          ConnState  `json:"state"`
	ConnectedAt    float64    `json:"connected_at,omitempty"`
	DisconnectedAt float64    `json:"disconnected_at,omitempty"`
	Gap            *TimeRange `json:"gap,omitempty"`
}

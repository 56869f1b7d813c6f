package feedsim

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sync"

	"chart-sync-engine/internal/types"
)

// walkSource produces random-walk prices per instrument, plus synthetic
// greeks for option legs. History is derived from a symbol-seeded walk so
// repeated /bars requests for the same range agree with each other.
type walkSource struct {
	mu     sync.Mutex
	prices map[types.InstrumentKey]float64
	rng    *rand.Rand
}

func newWalkSource() *walkSource {
	return &walkSource{
		prices: make(map[types.InstrumentKey]float64),
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

func (w *walkSource) next(ik types.InstrumentKey, now float64) types.Tick {
	w.mu.Lock()
	defer w.mu.Unlock()

	price, ok := w.prices[ik]
	if !ok {
		price = basePrice(ik)
	}
	price = step(price, w.rng.NormFloat64())
	w.prices[ik] = price

	tick := types.Tick{
		Symbol:    ik.Symbol,
		Leg:       ik.Leg,
		Timestamp: now,
		Price:     round2(price),
	}
	if ik.Leg == types.LegCall || ik.Leg == types.LegPut {
		tick.Metrics = types.Metrics{
			"iv":    round2(12 + 8*w.rng.Float64()),
			"delta": round2(w.rng.Float64()),
			"theta": round2(-5 * w.rng.Float64()),
			"oi":    float64(1000 + w.rng.Intn(9000)),
		}
	}
	return tick
}

// history walks one bar per bucket over [start, end], seeded from the symbol
// so the series is stable across requests.
func (w *walkSource) history(symbol string, start, end, interval int64) types.HistoricalBars {
	var bars types.HistoricalBars
	rng := rand.New(rand.NewSource(symbolSeed(symbol)))
	price := basePrice(types.InstrumentKey{Symbol: symbol, Leg: types.LegUnderlying})

	for t := start; t <= end; t += interval {
		open := price
		high, low := open, open
		for i := 0; i < 8; i++ {
			price = step(price, rng.NormFloat64())
			high = math.Max(high, price)
			low = math.Min(low, price)
		}
		bars.T = append(bars.T, t)
		bars.O = append(bars.O, round2(open))
		bars.H = append(bars.H, round2(high))
		bars.L = append(bars.L, round2(low))
		bars.C = append(bars.C, round2(price))
	}
	return bars
}

func basePrice(ik types.InstrumentKey) float64 {
	base := 100 + float64(symbolSeed(ik.Symbol)%900)
	switch ik.Leg {
	case types.LegCall, types.LegPut:
		return base * 0.05
	default:
		return base
	}
}

func step(price, z float64) float64 {
	next := price * (1 + 0.0005*z)
	if next <= 0 {
		return price
	}
	return next
}

func symbolSeed(symbol string) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return int64(h.Sum64() & math.MaxInt64)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

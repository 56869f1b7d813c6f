// Package kite loads historical bars from the Zerodha Kite Connect
// historical-data API for dashboards linked to a Kite account.
package kite

import (
	"context"
	"fmt"
	"time"

	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// timeframe to Kite candle interval. Kite has no 2-minute interval.
var kiteIntervals = map[types.Timeframe]string{
	types.Timeframe1m:  "minute",
	types.Timeframe3m:  "3minute",
	types.Timeframe5m:  "5minute",
	types.Timeframe15m: "15minute",
	types.Timeframe30m: "30minute",
	types.Timeframe60m: "60minute",
	types.Timeframe1d:  "day",
}

type Loader struct {
	kc     *kiteconnect.Client
	tokens map[string]int // trading symbol -> instrument token
}

var _ interfaces.BarLoader = (*Loader)(nil)

// New builds a loader over an authenticated Kite Connect session. tokens maps
// trading symbols to instrument tokens; lookup through the instruments dump
// is the caller's concern.
func New(apiKey, accessToken string, tokens map[string]int) *Loader {
	kc := kiteconnect.New(apiKey)
	kc.SetAccessToken(accessToken)
	return &Loader{kc: kc, tokens: tokens}
}

func (l *Loader) Load(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) (types.HistoricalBars, error) {
	interval, ok := kiteIntervals[tf]
	if !ok {
		return types.HistoricalBars{}, fmt.Errorf("timeframe %s not supported by kite historical API", tf)
	}
	token, ok := l.tokens[symbol]
	if !ok {
		return types.HistoricalBars{}, fmt.Errorf("no instrument token for symbol %s", symbol)
	}

	data, err := l.kc.GetHistoricalData(token, interval, from, to, false, false)
	if err != nil {
		return types.HistoricalBars{}, fmt.Errorf("kite historical data %s/%s: %w", symbol, tf, err)
	}

	bars := types.HistoricalBars{
		T: make([]int64, 0, len(data)),
		O: make([]float64, 0, len(data)),
		H: make([]float64, 0, len(data)),
		L: make([]float64, 0, len(data)),
		C: make([]float64, 0, len(data)),
	}
	for _, d := range data {
		bars.T = append(bars.T, d.Date.Unix())
		bars.O = append(bars.O, d.Open)
		bars.H = append(bars.H, d.High)
		bars.L = append(bars.L, d.Low)
		bars.C = append(bars.C, d.Close)
	}
	return bars, nil
}

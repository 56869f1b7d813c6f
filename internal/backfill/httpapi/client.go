// Package httpapi loads historical bars from the dashboard's bar-history
// HTTP endpoint (the feedsim server in development).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/types"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	hc      *http.Client
}

var _ interfaces.BarLoader = (*Client)(nil)

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

// barsResponse is the wire shape: a status plus parallel OHLC arrays.
type barsResponse struct {
	S      string    `json:"s"` // "ok" | "error"
	ErrMsg string    `json:"errmsg,omitempty"`
	T      []int64   `json:"t"`
	O      []float64 `json:"o"`
	H      []float64 `json:"h"`
	L      []float64 `json:"l"`
	C      []float64 `json:"c"`
}

func (c *Client) Load(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) (types.HistoricalBars, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", string(tf))
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bars?"+q.Encode(), nil)
	if err != nil {
		return types.HistoricalBars{}, fmt.Errorf("build bars request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return types.HistoricalBars{}, fmt.Errorf("fetch bars: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.HistoricalBars{}, fmt.Errorf("fetch bars: unexpected status %d", resp.StatusCode)
	}

	var body barsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.HistoricalBars{}, fmt.Errorf("decode bars: %w", err)
	}
	if body.S != "ok" {
		return types.HistoricalBars{}, fmt.Errorf("bars endpoint error: %s", body.ErrMsg)
	}

	bars := types.HistoricalBars{T: body.T, O: body.O, H: body.H, L: body.L, C: body.C}
	if bars.Ragged() {
		return types.HistoricalBars{}, fmt.Errorf("bars endpoint returned ragged arrays for %s", symbol)
	}
	return bars, nil
}

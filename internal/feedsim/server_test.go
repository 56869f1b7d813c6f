package feedsim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chart-sync-engine/internal/types"

	"github.com/gorilla/websocket"
)

func fetchBars(t *testing.T, base, query string) map[string]any {
	t.Helper()
	resp, err := http.Get(base + "/bars?" + query)
	if err != nil {
		t.Fatalf("GET /bars: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode /bars response: %v", err)
	}
	return body
}

func TestBarsEndpoint(t *testing.T) {
	srv := NewServer(time.Hour)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := fetchBars(t, ts.URL, "symbol=NIFTY&timeframe=1m&from=30&to=310")
	if body["s"] != "ok" {
		t.Fatalf("Expected s=ok, got %v (errmsg %v)", body["s"], body["errmsg"])
	}

	times := body["t"].([]any)
	if len(times) != 6 {
		t.Fatalf("Expected 6 buckets for [30, 310] at 1m, got %d", len(times))
	}
	if times[0].(float64) != 0 || times[5].(float64) != 300 {
		t.Errorf("Expected bucket-aligned times [0..300], got first=%v last=%v", times[0], times[5])
	}
}

func TestBarsDeterministicAcrossRequests(t *testing.T) {
	srv := NewServer(time.Hour)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	first := fetchBars(t, ts.URL, "symbol=NIFTY&timeframe=5m&from=0&to=3000")
	second := fetchBars(t, ts.URL, "symbol=NIFTY&timeframe=5m&from=0&to=3000")

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("Expected identical history for identical requests")
	}
}

func TestBarsRejectsBadRequests(t *testing.T) {
	srv := NewServer(time.Hour)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Missing symbol, bad timeframe, unparseable from, inverted range.
	for _, q := range []string{
		"timeframe=1m&from=0&to=60",
		"symbol=NIFTY&timeframe=7m&from=0&to=60",
		"symbol=NIFTY&timeframe=1m&from=x&to=60",
		"symbol=NIFTY&timeframe=1m&from=60&to=0",
	} {
		if body := fetchBars(t, ts.URL, q); body["s"] != "error" {
			t.Errorf("Expected s=error for %q, got %v", q, body["s"])
		}
	}
}

func TestWebsocketSubscribeDeliversTicks(t *testing.T) {
	srv := NewServer(5 * time.Millisecond)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	go srv.generate()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial feedsim: %v", err)
	}
	defer conn.Close()

	sub := controlFrame{Action: "subscribe", Symbol: "NIFTY", Leg: types.LegUnderlying, Timeframe: types.Timeframe1m}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("Write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawAck, sawTick := false, false
	for !sawTick {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Read frame: %v (ack seen: %v)", err, sawAck)
		}
		switch msg["type"] {
		case "ack":
			sawAck = true
		case "tick":
			sawTick = true
			if msg["symbol"] != "NIFTY" || msg["leg"] != "underlying" {
				t.Errorf("Unexpected tick instrument: %v/%v", msg["symbol"], msg["leg"])
			}
			if price, ok := msg["price"].(float64); !ok || price <= 0 {
				t.Errorf("Expected positive tick price, got %v", msg["price"])
			}
		}
	}
	if !sawAck {
		t.Error("Expected an ack before the first tick")
	}
}

func TestWebsocketRejectsInvalidControl(t *testing.T) {
	srv := NewServer(time.Hour)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial feedsim: %v", err)
	}
	defer conn.Close()

	bad := controlFrame{Action: "subscribe", Symbol: "", Leg: types.LegUnderlying, Timeframe: types.Timeframe1m}
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatalf("Write control: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Read reply: %v", err)
	}
	if msg["type"] != "error" {
		t.Errorf("Expected error reply for invalid key, got %v", msg["type"])
	}
}

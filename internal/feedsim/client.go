package feedsim

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/types"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type controlFrame struct {
	Action    string          `json:"action"`
	Symbol    string          `json:"symbol"`
	Leg       types.Leg       `json:"leg"`
	Timeframe types.Timeframe `json:"timeframe"`
}

type client struct {
	srv  *Server
	conn *websocket.Conn
	send chan any

	mu   sync.Mutex
	subs map[types.SubKey]struct{}
}

func newClient(srv *Server, conn *websocket.Conn) *client {
	return &client{
		srv:  srv,
		conn: conn,
		send: make(chan any, 256),
		subs: make(map[types.SubKey]struct{}),
	}
}

// instruments returns the distinct (symbol, leg) pairs this client wants.
func (c *client) instruments() []types.InstrumentKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[types.InstrumentKey]struct{}, len(c.subs))
	out := make([]types.InstrumentKey, 0, len(c.subs))
	for key := range c.subs {
		ik := types.InstrumentKey{Symbol: key.Symbol, Leg: key.Leg}
		if _, dup := seen[ik]; dup {
			continue
		}
		seen[ik] = struct{}{}
		out = append(out, ik)
	}
	return out
}

// offer sends a tick if the client subscribes to its instrument, dropping on
// a full buffer so one slow client never stalls the generator.
func (c *client) offer(tick types.Tick) {
	c.mu.Lock()
	want := false
	for key := range c.subs {
		if key.Symbol == tick.Symbol && key.Leg == tick.Leg {
			want = true
			break
		}
	}
	c.mu.Unlock()
	if !want {
		return
	}

	msg := map[string]any{
		"type":      "tick",
		"symbol":    tick.Symbol,
		"leg":       tick.Leg,
		"timestamp": tick.Timestamp,
		"price":     tick.Price,
	}
	if tick.Metrics != nil {
		msg["metrics"] = tick.Metrics
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.srv.dropClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug(context.Background(), "Feedsim client read error", "error", err)
			}
			return
		}
		c.handleControl(raw)
	}
}

func (c *client) handleControl(raw []byte) {
	var frame controlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.reply("error", "unparseable control frame")
		return
	}

	key := types.SubKey{Symbol: frame.Symbol, Leg: frame.Leg, Timeframe: frame.Timeframe}
	if !key.Valid() {
		c.reply("error", "invalid subscription key "+key.String())
		return
	}

	switch frame.Action {
	case "subscribe":
		c.mu.Lock()
		c.subs[key] = struct{}{}
		c.mu.Unlock()
		c.reply("ack", "subscribed "+key.String())
	case "unsubscribe":
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
		c.reply("ack", "unsubscribed "+key.String())
	default:
		c.reply("error", "unknown action "+frame.Action)
	}
}

func (c *client) reply(msgType, message string) {
	select {
	case c.send <- map[string]any{"type": msgType, "message": message}:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

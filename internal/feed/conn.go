package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the slice of a websocket connection the manager uses. The state
// machine is tested against a fake; production runs on gorilla/websocket,
// whose *websocket.Conn satisfies this directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens one connection attempt.
type Dialer func(ctx context.Context) (Conn, error)

// WebsocketDialer returns the production dialer for the configured feed URL.
func WebsocketDialer(cfg Config) Dialer {
	return func(ctx context.Context) (Conn, error) {
		d := websocket.Dialer{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: true,
		}
		conn, _, err := d.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

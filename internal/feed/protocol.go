package feed

import "chart-sync-engine/internal/types"

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	msgTick  = "tick"
	msgAck   = "ack"
	msgError = "error"
)

// controlMessage is the outbound subscribe/unsubscribe frame.
type controlMessage struct {
	Action    string          `json:"action"`
	Symbol    string          `json:"symbol"`
	Leg       types.Leg       `json:"leg"`
	Timeframe types.Timeframe `json:"timeframe"`
}

func subscribeMsg(key types.SubKey) controlMessage {
	return controlMessage{Action: actionSubscribe, Symbol: key.Symbol, Leg: key.Leg, Timeframe: key.Timeframe}
}

func unsubscribeMsg(key types.SubKey) controlMessage {
	return controlMessage{Action: actionUnsubscribe, Symbol: key.Symbol, Leg: key.Leg, Timeframe: key.Timeframe}
}

// inboundMessage is the envelope for every inbound frame. Tick frames carry
// price data; ack/error frames are consumed here and never reach panels.
type inboundMessage struct {
	Type      string        `json:"type"`
	Symbol    string        `json:"symbol,omitempty"`
	Leg       types.Leg     `json:"leg,omitempty"`
	Timestamp float64       `json:"timestamp,omitempty"`
	Price     float64       `json:"price,omitempty"`
	Metrics   types.Metrics `json:"metrics,omitempty"`
	Message   string        `json:"message,omitempty"`
}

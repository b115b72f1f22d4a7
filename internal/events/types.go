package events

import (
	"encoding/json"
	"time"
)

// Event enumerates the topics published inside the gateway.
type Event string

const (
	EventMarketData       Event = "market_data"
	EventOrderUpdate      Event = "order.update"
	EventOrderClosed      Event = "order.closed"
	EventFill             Event = "order.filled"
	EventPositionChange   Event = "position.change"
	EventBalance          Event = "balance"
	EventCommand          Event = "command"
	EventConnection       Event = "connection"
	EventHealthTransition Event = "health.transition"
	EventAlert            Event = "alert"
)

// All lists every topic, for subscribers that forward everything.
var All = []Event{
	EventMarketData, EventOrderUpdate, EventOrderClosed, EventFill, EventPositionChange,
	EventBalance, EventCommand, EventConnection, EventHealthTransition, EventAlert,
}

// Message is one delivery on a multi-topic subscription.
type Message struct {
	Event   Event     `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// MarketData is a public stream push forwarded untouched.
type MarketData struct {
	Topic string          `json:"topic"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// ConnectionChange reports a channel opening or closing.
type ConnectionChange struct {
	Channel string `json:"channel"`
	Live    bool   `json:"live"`
	Error   string `json:"error,omitempty"`
}

// CommandOutcome reports the result of one command.
type CommandOutcome struct {
	Kind          string        `json:"kind"`
	Transport     string        `json:"transport,omitempty"`
	OrderID       string        `json:"orderId,omitempty"`
	AlreadyClosed bool          `json:"alreadyClosed,omitempty"`
	Latency       time.Duration `json:"latency"`
	Error         string        `json:"error,omitempty"`
}

// Alert is an operator-facing notice.
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

package bybit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	mainnetStream = "wss://stream.bybit.com"
	testnetStream = "wss://stream-testnet.bybit.com"

	authTimeout = 10 * time.Second
)

// PublicStreamURL returns the market data endpoint for a category.
func PublicStreamURL(category string, testnet bool) string {
	base := mainnetStream
	if testnet {
		base = testnetStream
	}
	return base + "/v5/public/" + category
}

// PrivateStreamURL returns the account endpoint.
func PrivateStreamURL(testnet bool) string {
	if testnet {
		return testnetStream + "/v5/private"
	}
	return mainnetStream + "/v5/private"
}

// SubscribeFrame builds a subscribe request.
func SubscribeFrame(topics []string) any {
	args := make([]any, len(topics))
	for i, t := range topics {
		args[i] = t
	}
	return ControlMessage{Op: "subscribe", Args: args}
}

// PingFrame is the application level heartbeat.
func PingFrame() any {
	return ControlMessage{Op: "ping"}
}

// AuthFrame builds the signed auth request for the private stream.
func AuthFrame(apiKey, apiSecret string, expires int64) ControlMessage {
	sig := sign("GET/realtime"+strconv.FormatInt(expires, 10), apiSecret)
	return ControlMessage{Op: "auth", Args: []any{apiKey, expires, sig}}
}

// ErrAuthRejected is returned when the venue refuses stream credentials.
var ErrAuthRejected = errors.New("stream auth rejected")

// AuthHandshake authenticates a freshly dialed private stream connection. It
// must run before the connection's reader starts.
func (c *Client) AuthHandshake(ctx context.Context, ws *websocket.Conn) error {
	expires := c.now() + authTimeout.Milliseconds()
	if err := ws.WriteJSON(AuthFrame(c.cfg.APIKey, c.cfg.APISecret, expires)); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}

	deadline := time.Now().Add(authTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer ws.SetReadDeadline(time.Time{})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read auth reply: %w", err)
		}
		env, err := DecodeEnvelope(raw)
		if err != nil || env.Op != "auth" {
			continue
		}
		if env.Success != nil && *env.Success {
			return nil
		}
		if env.RetCode != nil && *env.RetCode == CodeOK {
			return nil
		}
		msg := env.CtlMsg
		if msg == "" {
			msg = env.RetMsg
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, msg)
	}
}

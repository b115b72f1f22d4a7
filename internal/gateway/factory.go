package gateway

import (
	"go.uber.org/zap"

	"venue-gateway/internal/conn"
	"venue-gateway/internal/events"
	"venue-gateway/internal/monitor"
	"venue-gateway/pkg/config"
	"venue-gateway/pkg/exchanges/bybit"
)

// NewBybit creates a gateway wired to Bybit V5. Without credentials only the
// market channel is opened and commands fail at the venue.
func NewBybit(cfg config.GatewayConfig, bus *events.Bus, metrics *monitor.Metrics, log *zap.Logger) (*Gateway, error) {
	client := bybit.NewClient(bybit.Config{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		Testnet:    cfg.Testnet,
		RecvWindow: cfg.RecvWindow,
		BaseURL:    cfg.RESTURL,
	}, log)

	channels := map[conn.Channel]conn.ChannelConfig{
		conn.ChannelMarket: {
			URL:            orDefault(cfg.PublicWSURL, bybit.PublicStreamURL(cfg.Category, cfg.Testnet)),
			SubscribeFrame: bybit.SubscribeFrame,
			PingFrame:      bybit.PingFrame,
			PingInterval:   cfg.HeartbeatInterval,
		},
	}
	if cfg.APIKey != "" && cfg.APISecret != "" {
		channels[conn.ChannelAccount] = conn.ChannelConfig{
			URL:            orDefault(cfg.PrivateWSURL, bybit.PrivateStreamURL(cfg.Testnet)),
			Handshake:      client.AuthHandshake,
			SubscribeFrame: bybit.SubscribeFrame,
			PingFrame:      bybit.PingFrame,
			PingInterval:   cfg.HeartbeatInterval,
		}
	}

	return New(cfg, Deps{
		Venue:     client,
		Snapshots: client,
		Channels:  channels,
		Clock:     client.Clock(),
		Bus:       bus,
		Metrics:   metrics,
	}, log)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"venue-gateway/internal/conn"
	"venue-gateway/pkg/config"
	"venue-gateway/pkg/exchanges/bybit"
	"venue-gateway/pkg/exchanges/common"
	"venue-gateway/pkg/logger"
)

// This script connects the Bybit account channel (or the market channel with
// -market) and logs every decoded push until interrupted.
//
// Usage:
//   go run ./scripts/stream_check
//   go run ./scripts/stream_check -market
//
// Account mode needs BYBIT_API_KEY and BYBIT_API_SECRET in the environment or .env.

type printer struct {
	log  *zap.Logger
	coin string
}

func (p printer) OnOpen(ch conn.Channel) { p.log.Info("open", zap.String("channel", string(ch))) }

func (p printer) OnClose(ch conn.Channel, err error) {
	p.log.Warn("closed", zap.String("channel", string(ch)), zap.Error(err))
}

func (p printer) OnError(ch conn.Channel, err error) {
	p.log.Error("error", zap.String("channel", string(ch)), zap.Error(err))
}

func (p printer) OnMessage(ch conn.Channel, raw []byte) {
	env, err := bybit.DecodeEnvelope(raw)
	if err != nil {
		p.log.Warn("malformed", zap.Error(err), zap.ByteString("raw", raw))
		return
	}
	if env.Kind() != bybit.KindPush {
		p.log.Debug("control", zap.ByteString("raw", raw))
		return
	}
	if ch == conn.ChannelMarket {
		p.log.Info("market", zap.String("topic", env.Topic), zap.Int("bytes", len(raw)))
		return
	}

	topic, _, _ := strings.Cut(env.Topic, ".")
	data := env.Data
	switch topic {
	case bybit.TopicOrder:
		orders, err := bybit.DecodeOrders(data, common.SourcePush)
		p.report(topic, err, zap.Any("orders", orders))
	case bybit.TopicPosition:
		positions, err := bybit.DecodePositions(data)
		p.report(topic, err, zap.Any("positions", positions))
	case bybit.TopicWallet:
		bal, ok, err := bybit.DecodeWallet(data, p.coin)
		p.report(topic, err, zap.Any("balance", bal), zap.Bool("coinPresent", ok))
	case bybit.TopicExecution:
		execs, err := bybit.DecodeExecutions(data)
		p.report(topic, err, zap.Any("executions", execs))
	default:
		p.log.Info("push", zap.String("topic", env.Topic), zap.ByteString("raw", raw))
	}
}

func (p printer) report(topic string, err error, fields ...zap.Field) {
	if err != nil {
		p.log.Warn("decode failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.log.Info(topic, fields...)
}

func main() {
	market := flag.Bool("market", false, "watch the public market channel instead of the account channel")
	flag.Parse()

	log := logger.New("debug")
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	gw := cfg.Gateway

	client := bybit.NewClient(bybit.Config{
		APIKey:     gw.APIKey,
		APISecret:  gw.APISecret,
		Testnet:    gw.Testnet,
		RecvWindow: gw.RecvWindow,
		BaseURL:    gw.RESTURL,
	}, log)

	name := conn.ChannelAccount
	cc := conn.ChannelConfig{
		URL:            bybit.PrivateStreamURL(gw.Testnet),
		Handshake:      client.AuthHandshake,
		SubscribeFrame: bybit.SubscribeFrame,
		PingFrame:      bybit.PingFrame,
		PingInterval:   gw.HeartbeatInterval,
	}
	topics := bybit.PrivateTopics
	if *market {
		name = conn.ChannelMarket
		cc.URL = bybit.PublicStreamURL(gw.Category, gw.Testnet)
		cc.Handshake = nil
		topics = bybit.MarketTopics(gw.Symbol)
	} else if gw.APIKey == "" || gw.APISecret == "" {
		log.Fatal("account mode needs BYBIT_API_KEY and BYBIT_API_SECRET")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := client.Clock()
	if err := clock.Sync(ctx); err != nil {
		log.Warn("clock sync failed", zap.Error(err))
	}
	go clock.Run(ctx)

	mgr := conn.New(conn.Config{
		Ladder:   gw.ReconnectLadder,
		Channels: map[conn.Channel]conn.ChannelConfig{name: cc},
	}, printer{log: log, coin: gw.SettleCoin}, log)
	mgr.Start(ctx)
	defer mgr.Shutdown()

	if err := mgr.Subscribe(name, topics...); err != nil {
		log.Fatal("subscribe", zap.Error(err))
	}
	if err := mgr.Connect(ctx, name); err != nil {
		log.Warn("initial connect failed, retrying in background", zap.Error(err))
	}
	log.Info("stream check running", zap.String("channel", string(name)), zap.Strings("topics", topics))
	<-ctx.Done()
}

package gateway

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"venue-gateway/internal/conn"
	"venue-gateway/internal/events"
	"venue-gateway/internal/health"
	"venue-gateway/internal/ledger"
	"venue-gateway/pkg/exchanges/bybit"
	"venue-gateway/pkg/exchanges/common"
)

var _ conn.Handler = (*Gateway)(nil)

func connectionComponent(ch conn.Channel) string {
	if ch == conn.ChannelMarket {
		return health.ComponentMarketConnection
	}
	return health.ComponentAccountConnection
}

func (g *Gateway) OnOpen(ch conn.Channel) {
	g.agg.Update(connectionComponent(ch), 1, string(ch)+" live")
	g.metrics.SetChannelLive(string(ch), true)
	g.bus.Publish(events.EventConnection, events.ConnectionChange{Channel: string(ch), Live: true})
	if ch == conn.ChannelAccount {
		g.agg.Update(health.ComponentCredentials, 1, "authenticated")
		// Pushes missed while down are recovered by a fresh snapshot.
		if g.recon != nil {
			g.requestReconcile()
		}
	}
}

func (g *Gateway) OnClose(ch conn.Channel, err error) {
	msg := string(ch) + " closed"
	change := events.ConnectionChange{Channel: string(ch)}
	if err != nil {
		msg += ": " + err.Error()
		change.Error = err.Error()
	}
	g.agg.Update(connectionComponent(ch), 0, msg)
	g.metrics.SetChannelLive(string(ch), false)
	g.bus.Publish(events.EventConnection, change)
}

func (g *Gateway) OnError(ch conn.Channel, err error) {
	if errors.Is(err, bybit.ErrAuthRejected) {
		g.agg.Update(health.ComponentCredentials, 0, err.Error())
		g.bus.Publish(events.EventAlert, events.Alert{Level: "critical", Message: "account stream rejected credentials"})
	}
	g.log.Warn("channel error", zap.String("channel", string(ch)), zap.Error(err))
}

func (g *Gateway) OnMessage(ch conn.Channel, raw []byte) {
	env, err := bybit.DecodeEnvelope(raw)
	if err != nil {
		g.malformed(ch, err)
		return
	}
	switch env.Kind() {
	case bybit.KindResponse:
		if !g.cmds.HandleResponse(env) {
			g.log.Debug("response without pending command", zap.String("id", env.RequestID()))
		}
	case bybit.KindPush:
		if ch == conn.ChannelMarket {
			g.onMarket(env)
			return
		}
		g.onAccount(env)
	case bybit.KindControl:
		if env.Success != nil && !*env.Success {
			g.log.Warn("control request failed",
				zap.String("channel", string(ch)), zap.String("op", env.Op), zap.String("msg", env.CtlMsg))
		}
	}
}

func (g *Gateway) onMarket(env bybit.Envelope) {
	g.lastMarket.Store(time.Now().UnixNano())
	g.bus.Publish(events.EventMarketData, events.MarketData{Topic: env.Topic, Ts: env.Ts, Data: env.Data})
}

// onAccount decodes one private push and merges it into the ledger. A push
// that fails to decode is dropped as a whole.
func (g *Gateway) onAccount(env bybit.Envelope) {
	topic, _, _ := strings.Cut(env.Topic, ".")
	var (
		push ledger.Push
		err  error
	)
	switch topic {
	case bybit.TopicOrder:
		push.Orders, err = bybit.DecodeOrders(env.Data, common.SourcePush)
	case bybit.TopicPosition:
		var updates []bybit.PositionUpdate
		updates, err = bybit.DecodePositions(env.Data)
		for _, u := range updates {
			if u.OneWayFlat {
				push.FlatSymbol = u.Position.Symbol
				continue
			}
			push.Positions = append(push.Positions, u.Position)
		}
	case bybit.TopicWallet:
		var (
			bal common.Balance
			ok  bool
		)
		bal, ok, err = bybit.DecodeWallet(env.Data, g.Config().SettleCoin)
		if ok {
			push.Balance = &bal
		}
	case bybit.TopicExecution:
		push.Executions, err = bybit.DecodeExecutions(env.Data)
	default:
		g.log.Debug("ignoring account topic", zap.String("topic", env.Topic))
		return
	}
	if err != nil {
		g.malformed(conn.ChannelAccount, err)
		return
	}
	g.agg.Update(health.ComponentAccountData, 1, "ok")
	g.publishChanges(g.ledger.ApplyPush(push))
}

func (g *Gateway) malformed(ch conn.Channel, err error) {
	g.log.Warn("dropping malformed message", zap.String("channel", string(ch)), zap.Error(err))
	g.metrics.IncMalformed(string(ch))
	if ch == conn.ChannelAccount {
		g.agg.Update(health.ComponentAccountData, 0, "malformed push: "+err.Error())
	}
}

func (g *Gateway) publishChanges(changes []ledger.Change) {
	for _, c := range changes {
		var ev events.Event
		switch c.Kind {
		case ledger.ChangeOrderOpened, ledger.ChangeOrderUpdated:
			ev = events.EventOrderUpdate
		case ledger.ChangeOrderClosed:
			ev = events.EventOrderClosed
		case ledger.ChangeFill:
			ev = events.EventFill
		case ledger.ChangePositionChanged, ledger.ChangePositionClosed:
			ev = events.EventPositionChange
		case ledger.ChangeBalance:
			ev = events.EventBalance
		default:
			continue
		}
		g.bus.Publish(ev, c)
	}
}

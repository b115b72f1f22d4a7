package strategy

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"venue-gateway/internal/events"
	"venue-gateway/internal/health"
	"venue-gateway/internal/ledger"
)

// Observer never trades. It logs a ledger and health summary every
// EveryTicks ticks and whenever the breaker band changes.
type Observer struct {
	EveryTicks int
	Log        *zap.Logger

	mu         sync.Mutex
	ticks      int
	lastStatus health.Status
	lastTopic  string
	marketMsgs int
}

func NewObserver(every int, log *zap.Logger) *Observer {
	if every <= 0 {
		every = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer{EveryTicks: every, Log: log.Named("observer")}
}

func (o *Observer) Name() string { return "observer" }

func (o *Observer) OnMarket(md events.MarketData) {
	o.mu.Lock()
	o.lastTopic = md.Topic
	o.marketMsgs++
	o.mu.Unlock()
}

func (o *Observer) OnTick(_ context.Context, view ledger.View, report health.Report) error {
	o.mu.Lock()
	o.ticks++
	changed := report.Status != o.lastStatus
	o.lastStatus = report.Status
	if !changed && o.ticks%o.EveryTicks != 0 {
		o.mu.Unlock()
		return nil
	}
	msgs, topic := o.marketMsgs, o.lastTopic
	o.marketMsgs = 0
	o.mu.Unlock()

	size := decimal.Zero
	for _, p := range view.Positions {
		size = size.Add(p.Size)
	}
	o.Log.Info("gateway summary",
		zap.Int("openOrders", len(view.Orders)),
		zap.Int("positions", len(view.Positions)),
		zap.String("positionSize", size.String()),
		zap.String("available", view.Balance.Available.String()),
		zap.Int("fills", view.Stats.OrdersFilled),
		zap.Float64("health", report.OverallScore),
		zap.String("status", report.Status.String()),
		zap.Int("marketMsgs", msgs),
		zap.String("lastTopic", topic))
	return nil
}

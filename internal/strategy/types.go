// Package strategy hosts the decision engine hook. Strategies are ticked on
// an interval with a read-only ledger view and the health report; they act
// through the gateway's order API, which enforces the breaker.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"venue-gateway/internal/events"
	"venue-gateway/internal/gateway"
	"venue-gateway/internal/health"
	"venue-gateway/internal/ledger"
)

// Strategy is one decision engine.
type Strategy interface {
	Name() string
	// OnTick is called from a single goroutine; it must not retain view.
	OnTick(ctx context.Context, view ledger.View, report health.Report) error
}

// MarketAware strategies also receive market pushes, in arrival order,
// between ticks.
type MarketAware interface {
	OnMarket(md events.MarketData)
}

// Orders is the order surface of the gateway.
type Orders interface {
	PlaceOrder(ctx context.Context, req gateway.PlaceRequest) (gateway.OrderHandle, error)
	AmendOrder(ctx context.Context, orderID string, price, qty *decimal.Decimal) (bool, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	CancelAllOrders(ctx context.Context) (int, error)
}

// State is what the runner reads each tick.
type State interface {
	Ledger() *ledger.Ledger
	HealthReport() health.Report
	Bus() *events.Bus
}

var (
	_ Orders = (*gateway.Gateway)(nil)
	_ State  = (*gateway.Gateway)(nil)
)
